// Package handler defines the Handler contract consumed by workers, split
// out from the root package so internal packages (worker) can depend on it
// without an import cycle back to the root package, which re-exports it as
// a type alias for callers.
package handler

// Handler converts raw bytes into a typed request, produces a typed
// response, and serializes that response back to bytes. Implementations
// must be safe to invoke concurrently from many worker goroutines; the
// core shares one Handler by reference across the whole worker pool.
type Handler[Req, Resp any] interface {
	// Deserialize parses payload into a Req. A returned error is logged and
	// the message is dropped; it never tears down the worker or the
	// connection that sent it.
	Deserialize(payload []byte) (Req, error)

	// Process computes the response for req. A returned error is logged and
	// the message is dropped.
	Process(req Req) (Resp, error)

	// Serialize encodes resp as the bytes written back to the connection. A
	// returned error is logged and the message is dropped.
	Serialize(resp Resp) ([]byte, error)
}
