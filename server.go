// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lpmsgsrv wires the reactor, dispatch fabric, and worker pool
// described in this module's internal packages into a single library
// surface: Bootstrap starts a length-prefixed TCP message server driven by
// a caller-supplied Handler, and the returned ShutdownHandle stops it.
package lpmsgsrv

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hbsc-oss/lpmsgsrv/internal/dispatch"
	"github.com/hbsc-oss/lpmsgsrv/internal/reactor"
	"github.com/hbsc-oss/lpmsgsrv/internal/worker"
)

// Bootstrap binds addr, starts numWorkers worker goroutines running h, and
// starts one Reactor goroutine driving all connection I/O. It fails if the
// bind fails or numWorkers < 1 (spec §4.4, §6).
func Bootstrap[Req, Resp any](addr string, numWorkers int, h Handler[Req, Resp], opts ...Option) (*ShutdownHandle, error) {
	if numWorkers < 1 {
		return nil, ErrNumWorkers
	}

	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	ingress := dispatch.NewIngressQueue(numWorkers, o.IngressBufferSize)
	egress := dispatch.NewEgressQueue(o.EgressBufferSize)

	r, err := reactor.New(addr, ingress, egress, o.Logger, o.PollTimeout, o.ReadLimit)
	if err != nil {
		return nil, err
	}

	var workersWG sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		w := worker.New(i, ingress.Receiver(i), egress, h, o.Logger)
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			w.Run()
		}()
	}

	reactorDone := make(chan struct{})
	go func() {
		defer close(reactorDone)
		if err := r.Run(); err != nil {
			o.Logger.Warn("lpmsgsrv: reactor exited with error", zap.Error(err))
		}
	}()

	return &ShutdownHandle{
		reactor:     r,
		ingress:     ingress,
		egress:      egress,
		workersWG:   &workersWG,
		reactorDone: reactorDone,
	}, nil
}

// ShutdownHandle stops a server started by Bootstrap.
type ShutdownHandle struct {
	reactor     *reactor.Reactor
	ingress     *dispatch.IngressQueue
	egress      *dispatch.EgressQueue
	workersWG   *sync.WaitGroup
	reactorDone chan struct{}

	once sync.Once
}

// Addr returns the server's bound listening address.
func (h *ShutdownHandle) Addr() string {
	return h.reactor.Addr().String()
}

// Shutdown stops the Reactor, closes both queues so every worker observes
// closure and exits, and waits for all of it to finish or ctx to expire.
// Idempotent (spec §6): calling it more than once, or concurrently, is safe
// and every caller observes the same outcome.
func (h *ShutdownHandle) Shutdown(ctx context.Context) error {
	h.once.Do(func() {
		h.reactor.Stop()
		h.ingress.Close()
		h.egress.Close()
	})

	done := make(chan struct{})
	go func() {
		<-h.reactorDone
		h.workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
