// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hbsc-oss/lpmsgsrv/internal/conn"
	"github.com/hbsc-oss/lpmsgsrv/internal/dispatch"
	"github.com/hbsc-oss/lpmsgsrv/internal/slab"
)

// maxEvents bounds how many ready fds a single epoll_wait call returns.
const maxEvents = 256

// Reactor owns the listening socket and every live Connection: spec §4.2.
// It is driven from exactly one goroutine (Run); nothing else may touch its
// connection table, matching spec §5's "no locking needed" ownership rule.
type Reactor struct {
	poller   *poller
	listenFd int
	addr     net.Addr

	conns   map[int]slab.ID
	table   *slab.Table[*conn.Connection]
	ingress *dispatch.IngressQueue
	egress  *dispatch.EgressQueue

	log         *zap.Logger
	pollTimeout time.Duration
	readLimit   int64

	stop chan struct{}
}

// New binds addr and wires a Reactor to the given ingress/egress queues. It
// does not start the event loop; call Run for that. readLimit caps the
// payload length accepted connections will tolerate (0 = unbounded).
func New(addr string, ingress *dispatch.IngressQueue, egress *dispatch.EgressQueue, log *zap.Logger, pollTimeout time.Duration, readLimit int64) (*Reactor, error) {
	fd, laddr, err := listen(addr)
	if err != nil {
		return nil, err
	}

	p, err := newPoller()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := p.addListener(fd); err != nil {
		_ = p.close()
		_ = unix.Close(fd)
		return nil, err
	}

	r := &Reactor{
		poller:      p,
		listenFd:    fd,
		addr:        laddr,
		conns:       make(map[int]slab.ID),
		table:       slab.NewTable[*conn.Connection](1024),
		ingress:     ingress,
		egress:      egress,
		log:         log,
		pollTimeout: pollTimeout,
		readLimit:   readLimit,
		stop:        make(chan struct{}),
	}
	egress.SetNotify(func() {
		if err := p.wake(); err != nil {
			log.Warn("reactor: egress wake failed", zap.Error(err))
		}
	})
	return r, nil
}

// Addr returns the bound listening address.
func (r *Reactor) Addr() net.Addr { return r.addr }

// Stop asks Run to return. Safe to call once from any goroutine; Run exits
// after it finishes the iteration it is currently in, closing the listener
// and every live connection (spec §4.4: "the listening socket is released
// when the Reactor terminates").
func (r *Reactor) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if err := r.poller.wake(); err != nil {
		r.log.Warn("reactor: wake on stop failed", zap.Error(err))
	}
}

// Run drives the event loop until Stop is called. It returns once every
// owned descriptor has been released.
func (r *Reactor) Run() error {
	defer r.shutdown()

	events := make([]unix.EpollEvent, maxEvents)
	timeoutMs := int(r.pollTimeout / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = -1
	}

	for {
		select {
		case <-r.stop:
			return nil
		default:
		}

		r.drainEgress()

		n, err := r.poller.wait(events, timeoutMs)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch {
			case fd == r.poller.wakeFd:
				if err := r.poller.drainWake(); err != nil {
					r.log.Warn("reactor: drain wake failed", zap.Error(err))
				}
			case fd == r.listenFd:
				r.acceptLoop()
			default:
				r.handleConnEvent(fd, ev.Events)
			}
		}
	}
}

// drainEgress moves every response already enqueued by workers into its
// connection's outbound queue. It never blocks (spec §4.2 step 1): a
// non-blocking TryRecv loop stops as soon as the queue reports empty.
func (r *Reactor) drainEgress() {
	for {
		env, ok := r.egress.TryRecv()
		if !ok {
			return
		}
		c, live := r.table.Get(env.ID)
		if !live {
			// Stale ConnectionId: the connection closed before the worker's
			// reply arrived. Drop the envelope (spec §9 "stale ids").
			env.Release()
			continue
		}
		payload := env.Payload()
		err := c.Send(payload)
		env.Release()
		if err != nil {
			r.log.Debug("reactor: send failed, dropping connection", zap.Int("fd", c.Fd()), zap.Error(err))
			r.dropConn(env.ID, c)
			continue
		}
		if err := r.poller.modifyConn(c.Fd(), c.WantsWrite()); err != nil {
			r.log.Warn("reactor: re-register after egress send failed", zap.Int("fd", c.Fd()), zap.Error(err))
		}
	}
}

// acceptLoop accepts every connection already pending on the listener,
// minting a ConnectionId for each and registering it for readable edges.
// Spec §4.2: "accept() in a loop until WouldBlock".
func (r *Reactor) acceptLoop() {
	for {
		fd, _, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			r.log.Warn("reactor: accept failed", zap.Error(err))
			return
		}

		c := conn.New(fd)
		c.SetReadLimit(r.readLimit)
		id := r.table.Insert(c)
		r.conns[fd] = id

		if err := r.poller.addConn(fd, false); err != nil {
			r.log.Warn("reactor: register accepted conn failed", zap.Int("fd", fd), zap.Error(err))
			r.dropConn(id, c)
		}
	}
}

// handleConnEvent dispatches one epoll event for a non-listener fd by
// token, per spec §4.2 step 3.
func (r *Reactor) handleConnEvent(fd int, mask uint32) {
	id, ok := r.conns[fd]
	if !ok {
		return
	}
	c, live := r.table.Get(id)
	if !live {
		return
	}

	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.dropConn(id, c)
		return
	}

	if mask&unix.EPOLLIN != 0 {
		if !r.drainReadable(id, c) {
			return // connection was dropped
		}
	}

	if mask&unix.EPOLLOUT != 0 {
		if !r.drainWritable(id, c) {
			return
		}
	}

	if err := r.poller.modifyConn(c.Fd(), c.WantsWrite()); err != nil {
		r.log.Warn("reactor: re-register interest failed", zap.Int("fd", c.Fd()), zap.Error(err))
	}
}

// drainReadable repeatedly calls HandleRead until it reports WouldBlock,
// dispatching every completed frame to the ingress queue. It returns false
// if the connection was dropped.
func (r *Reactor) drainReadable(id slab.ID, c *conn.Connection) bool {
	for {
		buf, err := c.HandleRead()
		if err != nil {
			if errors.Is(err, conn.ErrWouldBlock) {
				return true
			}
			if err != io.EOF {
				r.log.Debug("reactor: framing error, dropping connection", zap.Int("fd", c.Fd()), zap.Error(err))
			}
			r.dropConn(id, c)
			return false
		}
		if buf == nil {
			continue // zero-length frame
		}
		r.ingress.Dispatch(dispatch.Envelope{ID: id, Buf: buf})
	}
}

// drainWritable repeatedly calls HandleWrite until the outbound queue
// empties or the socket reports WouldBlock. It returns false if the
// connection was dropped.
func (r *Reactor) drainWritable(id slab.ID, c *conn.Connection) bool {
	for c.WantsWrite() {
		err := c.HandleWrite()
		if err == nil {
			continue
		}
		if errors.Is(err, conn.ErrWouldBlock) {
			return true
		}
		r.log.Debug("reactor: socket error, dropping connection", zap.Int("fd", c.Fd()), zap.Error(err))
		r.dropConn(id, c)
		return false
	}
	return true
}

func (r *Reactor) dropConn(id slab.ID, c *conn.Connection) {
	fd := c.Fd()
	if err := r.poller.remove(fd); err != nil {
		r.log.Warn("reactor: poller remove failed", zap.Int("fd", fd), zap.Error(err))
	}
	if err := c.Close(); err != nil {
		r.log.Warn("reactor: close failed", zap.Int("fd", fd), zap.Error(err))
	}
	delete(r.conns, fd)
	r.table.Remove(id)
}

// shutdown releases every descriptor the Reactor owns: the listener, the
// poller (epoll + eventfd), and every still-live connection.
func (r *Reactor) shutdown() {
	r.table.Range(func(id slab.ID, c *conn.Connection) {
		if err := c.Close(); err != nil {
			r.log.Warn("reactor: close during shutdown failed", zap.Int("fd", c.Fd()), zap.Error(err))
		}
	})
	if err := unix.Close(r.listenFd); err != nil {
		r.log.Warn("reactor: close listener failed", zap.Error(err))
	}
	if err := r.poller.close(); err != nil {
		r.log.Warn("reactor: close poller failed", zap.Error(err))
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
