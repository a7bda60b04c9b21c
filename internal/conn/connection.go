// Package conn implements the per-socket framing and buffered-I/O state
// machine: §4.1 of the spec this module was built against. It is adapted
// from the teacher framer package's resumable read/write state (offset and
// length tracking across partial I/O, reusable scratch buffers) narrowed to
// the fixed 8-byte big-endian frame header, and ported from the teacher's
// io.Reader/io.Writer abstraction to direct non-blocking raw-fd syscalls
// (golang.org/x/sys/unix) because the reactor needs the fd itself to drive
// epoll, not a generic stream.
package conn

import (
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/hbsc-oss/lpmsgsrv/internal/wire"
)

// ErrWouldBlock reports that a read or write cannot progress further and
// the caller should resume on the next readiness edge. It is not a failure;
// see spec §7 "transient socket error".
var ErrWouldBlock = errors.New("conn: would block")

// ErrFrameTooLarge reports that a frame's declared length exceeds the
// configured read limit. The reactor treats it like any other framing
// error: the connection is dropped, nothing is deserialized.
var ErrFrameTooLarge = errors.New("conn: frame exceeds read limit")

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// outChunk is one queued outbound message: the wire-encoded header+payload
// plus how much of it has already been written.
type outChunk struct {
	buf *bytebufferpool.ByteBuffer
	off int
}

func (c *outChunk) done() bool { return c.off >= len(c.buf.B) }

// Connection holds the framing and buffering state for one non-blocking TCP
// socket. It is not safe for concurrent use — the reactor goroutine is its
// only caller, matching the single-owner connection map in spec §5.
type Connection struct {
	fd int

	// read side
	remaining  int64 // declared payload length of the frame in progress; -1 means "expect a header"
	header     [wire.HeaderLen]byte
	headerOff  int
	payload    *bytebufferpool.ByteBuffer
	payloadOff int

	// write side: a queue of whole message chunks pending transmission.
	outq []outChunk

	// readLimit caps an accepted frame's declared payload length; 0 means
	// unbounded. Set via SetReadLimit before the first HandleRead call.
	readLimit int64
}

// New wraps fd (already non-blocking) in a Connection ready to read its
// first frame.
func New(fd int) *Connection {
	return &Connection{fd: fd, remaining: -1}
}

// SetReadLimit bounds the payload length this Connection will accept; a
// frame whose header declares more than limit bytes fails with
// ErrFrameTooLarge instead of being allocated. limit <= 0 means unbounded.
func (c *Connection) SetReadLimit(limit int64) { c.readLimit = limit }

// Fd returns the underlying file descriptor.
func (c *Connection) Fd() int { return c.fd }

// WantsWrite reports whether the connection has buffered output and should
// be registered for writable readiness.
func (c *Connection) WantsWrite() bool { return len(c.outq) > 0 }

// Close releases any buffers the connection is holding and closes its
// socket. It does not flush pending output — a connection is only closed on
// error, HUP, peer close, or reactor shutdown.
func (c *Connection) Close() error {
	if c.payload != nil {
		bytebufferpool.Put(c.payload)
		c.payload = nil
	}
	for i := range c.outq {
		bytebufferpool.Put(c.outq[i].buf)
	}
	c.outq = nil
	return unix.Close(c.fd)
}

// HandleRead attempts to complete at most one frame. It returns:
//   - (buf, nil) when a full, non-empty frame was read; the caller owns buf
//     and must return it to bytebufferpool when done with it.
//   - (nil, nil) when a zero-length keepalive frame was consumed — the
//     caller should call HandleRead again without waiting, since more data
//     may already be buffered in the kernel.
//   - (nil, ErrWouldBlock) when the header or payload is still incomplete
//     and no further progress is possible until the next readable edge.
//   - (nil, io.EOF) on a clean close at a message boundary.
//   - (nil, err) for any other error, which the reactor treats as fatal and
//     drops the connection (this includes a FIN arriving mid-frame, which
//     HandleRead reports as io.ErrUnexpectedEOF per spec §6 close semantics).
func (c *Connection) HandleRead() (*bytebufferpool.ByteBuffer, error) {
	if c.remaining < 0 {
		buf, err := c.readHeader()
		if err != nil {
			return nil, err
		}
		if !buf {
			// Header still incomplete; resume on the next edge. This
			// corrects the original's "partial header is a hard error"
			// behavior (spec §9 open question) by buffering and resuming,
			// symmetric to payload handling below.
			return nil, ErrWouldBlock
		}

		length := wire.Length(c.header[:])
		c.headerOff = 0
		if length == 0 {
			// Zero-length frame: legal, no envelope, not EOF (spec §4.1).
			return nil, nil
		}
		if c.readLimit > 0 && length > uint64(c.readLimit) {
			return nil, ErrFrameTooLarge
		}

		c.payload = bytebufferpool.Get()
		c.payload.B = growTo(c.payload.B, int(length))
		c.remaining = int64(length)
		c.payloadOff = 0
	}

	n, err := readOnce(c.fd, c.payload.B[c.payloadOff:c.remaining])
	c.payloadOff += n
	if err != nil {
		if isWouldBlock(err) {
			return nil, ErrWouldBlock
		}
		if err == io.EOF {
			// The peer closed mid-frame: a framing error, not a clean close.
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if int64(c.payloadOff) < c.remaining {
		// Short read: the kernel buffer is empty, so resume on the next edge.
		return nil, ErrWouldBlock
	}

	out := c.payload
	out.B = out.B[:c.payloadOff]
	c.payload = nil
	c.remaining = -1
	c.payloadOff = 0
	return out, nil
}

// readHeader reads into the partially-filled header buffer. It returns
// complete=true once all HeaderLen bytes have arrived.
func (c *Connection) readHeader() (complete bool, err error) {
	n, err := readOnce(c.fd, c.header[c.headerOff:wire.HeaderLen])
	c.headerOff += n
	if err != nil {
		if isWouldBlock(err) {
			return false, nil
		}
		if err == io.EOF {
			if c.headerOff == 0 {
				return false, io.EOF
			}
			return false, io.ErrUnexpectedEOF
		}
		return false, err
	}
	return c.headerOff == wire.HeaderLen, nil
}

// readOnce issues one non-blocking read and normalizes a zero-byte, no-error
// result (orderly shutdown) to io.EOF so callers have a single signal to
// check.
func readOnce(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func growTo(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	return make([]byte, n)
}

// Send enqueues payload for transmission, opportunistically writing it
// immediately if the outbound queue is empty. It never blocks: a write that
// would block is requeued whole (if the header hasn't gone out yet) or with
// its unwritten tail (if it has), per spec §4.1.
func (c *Connection) Send(payload []byte) error {
	chunk := bytebufferpool.Get()
	chunk.B = growTo(chunk.B, wire.HeaderLen+len(payload))
	wire.PutLength(chunk.B, uint64(len(payload)))
	copy(chunk.B[wire.HeaderLen:], payload)

	if len(c.outq) == 0 {
		_, err := c.writeChunk(outChunk{buf: chunk})
		return err
	}

	c.outq = append(c.outq, outChunk{buf: chunk})
	return nil
}

// writeChunk attempts one non-blocking write of chunk starting at its
// offset, queuing whatever remains unwritten at the head of outq. blocked
// reports whether the attempt ended on EAGAIN/EWOULDBLOCK; err is non-nil
// only for fatal socket errors.
func (c *Connection) writeChunk(chunk outChunk) (blocked bool, err error) {
	n, err := unix.Write(c.fd, chunk.buf.B[chunk.off:])
	if err != nil {
		if isWouldBlock(err) {
			c.outq = append([]outChunk{chunk}, c.outq...)
			return true, nil
		}
		bytebufferpool.Put(chunk.buf)
		return false, err
	}

	chunk.off += n
	if chunk.done() {
		bytebufferpool.Put(chunk.buf)
		return false, nil
	}

	// partialWrite is implicit: chunk.off > 0 means the header (and
	// possibly some payload) already went out, so the requeued remainder
	// must never re-emit a header — writeChunk always resumes from
	// chunk.off, which already skips it.
	c.outq = append([]outChunk{chunk}, c.outq...)
	return false, nil
}

// HandleWrite attempts to transmit the chunk at the head of the outbound
// queue. It returns ErrWouldBlock when the reactor should stop looping and
// wait for the next writable edge, nil when it made progress (the caller
// should call again to keep draining), and a non-nil error for fatal socket
// errors, which the reactor treats by dropping the connection.
func (c *Connection) HandleWrite() error {
	if len(c.outq) == 0 {
		return nil
	}
	chunk := c.outq[0]
	c.outq = c.outq[1:]

	blocked, err := c.writeChunk(chunk)
	if err != nil {
		return err
	}
	if blocked {
		return ErrWouldBlock
	}
	return nil
}
