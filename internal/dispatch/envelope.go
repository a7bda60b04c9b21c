// Package dispatch defines the unit exchanged between the reactor and the
// worker pool (Envelope) and the two queue families that carry it:
// IngressQueue (reactor -> workers, sharded) and EgressQueue (workers ->
// reactor, shared). This is the Go channel realization of the original's
// crossbeam_channel-based read_tx/write_tx plumbing (original_source's
// lib.rs bootstrap and worker.rs MsgBuf).
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/hbsc-oss/lpmsgsrv/internal/slab"
)

// Envelope pairs a connection id with an opaque payload buffer. It is
// immutable after construction; payload ownership passes to whoever reads
// an Envelope off a queue, and that reader must call Release when done.
type Envelope struct {
	ID  slab.ID
	Buf *bytebufferpool.ByteBuffer
}

// Payload returns the envelope's bytes.
func (e Envelope) Payload() []byte { return e.Buf.B }

// Release returns the envelope's buffer to the pool. Safe to call on a zero
// Envelope.
func (e Envelope) Release() {
	if e.Buf != nil {
		bytebufferpool.Put(e.Buf)
	}
}

// NewEnvelope wraps payload bytes copied into a pooled buffer, used by
// workers to produce an egress Envelope from a handler's serialized
// response.
func NewEnvelope(id slab.ID, payload []byte) Envelope {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B[:0], payload...)
	return Envelope{ID: id, Buf: buf}
}

// IngressQueue is W single-consumer channels, one per worker, fed
// round-robin by the reactor as frames complete. A consistent per-connection
// assignment is not required (spec §4.2): responses carry the original
// ConnID and route back correctly regardless of which worker produced them.
type IngressQueue struct {
	shards []chan Envelope
	next   uint64 // corrected round-robin counter; see spec §9 on the original's `x += 1 % n` bug
}

// NewIngressQueue creates numWorkers shards, each buffered to bufSize.
func NewIngressQueue(numWorkers, bufSize int) *IngressQueue {
	q := &IngressQueue{shards: make([]chan Envelope, numWorkers)}
	for i := range q.shards {
		q.shards[i] = make(chan Envelope, bufSize)
	}
	return q
}

// Dispatch sends e to the next shard in round-robin order. It blocks if
// that shard's buffer is full, which is an accepted form of backpressure
// (spec §5): a slow worker pool throttles how fast the reactor can drain new
// frames without dropping any.
func (q *IngressQueue) Dispatch(e Envelope) {
	idx := atomic.AddUint64(&q.next, 1) % uint64(len(q.shards))
	q.shards[idx] <- e
}

// Receiver returns the channel a single worker should consume from.
func (q *IngressQueue) Receiver(worker int) <-chan Envelope {
	return q.shards[worker]
}

// NumShards returns the number of ingress shards (== number of workers).
func (q *IngressQueue) NumShards() int { return len(q.shards) }

// Close closes every shard, causing blocked and future receives to observe
// channel closure so workers can exit cleanly (spec §4.4).
func (q *IngressQueue) Close() {
	for _, ch := range q.shards {
		close(ch)
	}
}

// EgressQueue carries worker-produced responses back to the reactor. All
// workers share one EgressQueue; the reactor is its only consumer.
//
// Shutdown is signaled via a separate closed channel rather than closing ch
// directly: many workers may be sending concurrently, and closing a channel
// out from under concurrent senders panics.
type EgressQueue struct {
	ch     chan Envelope
	closed chan struct{}
	once   sync.Once
	notify func()
}

// NewEgressQueue creates an EgressQueue buffered to bufSize.
func NewEgressQueue(bufSize int) *EgressQueue {
	return &EgressQueue{ch: make(chan Envelope, bufSize), closed: make(chan struct{})}
}

// SetNotify installs a callback invoked after every successful Send. The
// reactor uses this to write to an eventfd registered in its epoll set, so
// it wakes promptly instead of sleeping through a long idle period (spec
// §4.2, "strongly preferred design").
func (q *EgressQueue) SetNotify(fn func()) { q.notify = fn }

// Send enqueues e. It reports false if the queue has been closed (shutdown
// in progress), in which case the caller (a worker) should exit cleanly.
func (q *EgressQueue) Send(e Envelope) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- e:
		if q.notify != nil {
			q.notify()
		}
		return true
	case <-q.closed:
		return false
	}
}

// TryRecv performs one non-blocking receive, used by the reactor's
// per-iteration egress drain (spec §4.2 step 1), which must never block.
func (q *EgressQueue) TryRecv() (Envelope, bool) {
	select {
	case e, ok := <-q.ch:
		return e, ok
	default:
		return Envelope{}, false
	}
}

// Close signals shutdown. Idempotent.
func (q *EgressQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}
