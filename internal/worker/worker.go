// Package worker implements request/response execution: spec §4.3. It is
// the Go translation of original_source's worker.rs readloop /
// handle_input / process_and_reply / serialize_and_write chain, generalized
// from the original's single concrete Req/Resp pair to a generic Handler.
package worker

import (
	"go.uber.org/zap"

	"github.com/hbsc-oss/lpmsgsrv/internal/dispatch"
	"github.com/hbsc-oss/lpmsgsrv/internal/handler"
)

// Worker consumes Envelopes from one ingress shard, invokes a Handler, and
// emits response Envelopes on the shared egress queue. One Worker owns
// exactly one ingress receiver; W workers share one egress sender.
type Worker[Req, Resp any] struct {
	id      int
	ingress <-chan dispatch.Envelope
	egress  *dispatch.EgressQueue
	handler handler.Handler[Req, Resp]
	log     *zap.Logger
}

// New returns a Worker reading from ingress and writing to egress.
func New[Req, Resp any](id int, ingress <-chan dispatch.Envelope, egress *dispatch.EgressQueue, h handler.Handler[Req, Resp], log *zap.Logger) *Worker[Req, Resp] {
	return &Worker[Req, Resp]{id: id, ingress: ingress, egress: egress, handler: h, log: log}
}

// Run processes envelopes until the ingress channel is closed (clean
// shutdown) or a send to egress observes it closed. Per spec §4.3/§7, a
// Deserialize/Process/Serialize failure is logged and the message is
// skipped; it never stops the loop or closes the connection that sent it.
func (w *Worker[Req, Resp]) Run() {
	for env := range w.ingress {
		if !w.handle(env) {
			return
		}
	}
	w.log.Info("ingress closed, worker exiting", zap.Int("worker", w.id))
}

// handle processes one envelope and reports whether the worker should keep
// running (false means the egress queue observed shutdown).
func (w *Worker[Req, Resp]) handle(env dispatch.Envelope) bool {
	req, err := w.handler.Deserialize(env.Payload())
	env.Release()
	if err != nil {
		w.log.Warn("handler deserialize failed", zap.Int("worker", w.id), zap.Error(err))
		return true
	}

	resp, err := w.handler.Process(req)
	if err != nil {
		w.log.Warn("handler process failed", zap.Int("worker", w.id), zap.Error(err))
		return true
	}

	out, err := w.handler.Serialize(resp)
	if err != nil {
		w.log.Warn("handler serialize failed", zap.Int("worker", w.id), zap.Error(err))
		return true
	}

	if !w.egress.Send(dispatch.NewEnvelope(env.ID, out)) {
		w.log.Info("egress closed, worker exiting", zap.Int("worker", w.id))
		return false
	}
	return true
}
