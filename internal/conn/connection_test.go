package conn

import (
	"errors"
	"io"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/hbsc-oss/lpmsgsrv/internal/wire"
)

// socketpair returns two connected, non-blocking Unix-domain stream sockets:
// a deterministic in-process substitute for a TCP connection that still
// exercises real non-blocking syscalls and EAGAIN, unlike an in-memory
// net.Pipe.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func writeFull(t *testing.T, fd int, p []byte) {
	t.Helper()
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if isWouldBlock(err) {
				continue
			}
			t.Fatalf("write: %v", err)
		}
		p = p[n:]
	}
}

func TestHandleRead_FramingRoundTrip(t *testing.T) {
	peer, fd := socketpair(t)

	header := make([]byte, wire.HeaderLen)
	wire.PutLength(header, 5)
	writeFull(t, peer, header)
	writeFull(t, peer, []byte("hello"))
	writeFull(t, peer, []byte("TRAIL"))

	c := New(fd)
	buf, err := c.HandleRead()
	if err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if got := string(buf.B); got != "hello" {
		t.Fatalf("payload = %q, want %q", got, "hello")
	}

	// Trailing bytes from the next message remain available.
	buf2, err := c.HandleRead()
	if err == nil && buf2 != nil {
		t.Fatalf("unexpected full frame from trailing bytes: %q", buf2.B)
	}
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("HandleRead on trailing partial header: err = %v, want ErrWouldBlock", err)
	}
}

func TestHandleRead_ZeroLengthFrameIsNoop(t *testing.T) {
	peer, fd := socketpair(t)
	header := make([]byte, wire.HeaderLen) // all zero => length 0
	writeFull(t, peer, header)

	c := New(fd)
	buf, err := c.HandleRead()
	if err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if buf != nil {
		t.Fatalf("expected no envelope for zero-length frame, got %q", buf.B)
	}

	// No further data; subsequent call must report would-block, not EOF.
	_, err = c.HandleRead()
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("HandleRead after zero-length frame: err = %v, want ErrWouldBlock", err)
	}
}

func TestHandleRead_BackToBackFrames(t *testing.T) {
	peer, fd := socketpair(t)

	for _, msg := range []string{"a", "bb"} {
		header := make([]byte, wire.HeaderLen)
		wire.PutLength(header, uint64(len(msg)))
		writeFull(t, peer, header)
		writeFull(t, peer, []byte(msg))
	}

	c := New(fd)
	var got []string
	for i := 0; i < 2; i++ {
		buf, err := c.HandleRead()
		if err != nil {
			t.Fatalf("HandleRead[%d]: %v", i, err)
		}
		got = append(got, string(buf.B))
	}
	if got[0] != "a" || got[1] != "bb" {
		t.Fatalf("got %v, want [a bb]", got)
	}
}

func TestHandleRead_PartialHeaderResumes(t *testing.T) {
	peer, fd := socketpair(t)

	header := make([]byte, wire.HeaderLen)
	wire.PutLength(header, 3)
	writeFull(t, peer, header[:3])

	c := New(fd)
	_, err := c.HandleRead()
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("HandleRead on split header: err = %v, want ErrWouldBlock", err)
	}

	writeFull(t, peer, header[3:])
	writeFull(t, peer, []byte("xyz"))

	buf, err := c.HandleRead()
	if err != nil {
		t.Fatalf("HandleRead after header completes: %v", err)
	}
	if string(buf.B) != "xyz" {
		t.Fatalf("payload = %q, want xyz", buf.B)
	}
}

func TestHandleRead_PartialPayloadAcrossSegments(t *testing.T) {
	peer, fd := socketpair(t)

	msg := []byte("0123456789")
	header := make([]byte, wire.HeaderLen)
	wire.PutLength(header, uint64(len(msg)))
	writeFull(t, peer, header)
	writeFull(t, peer, msg[:4])

	c := New(fd)
	_, err := c.HandleRead()
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("HandleRead partial payload: err = %v, want ErrWouldBlock", err)
	}

	writeFull(t, peer, msg[4:7])
	_, err = c.HandleRead()
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("HandleRead partial payload (2): err = %v, want ErrWouldBlock", err)
	}

	writeFull(t, peer, msg[7:])
	buf, err := c.HandleRead()
	if err != nil {
		t.Fatalf("HandleRead final chunk: %v", err)
	}
	if string(buf.B) != string(msg) {
		t.Fatalf("payload = %q, want %q", buf.B, msg)
	}
}

func TestHandleRead_FINMidFrameIsError(t *testing.T) {
	peer, fd := socketpair(t)

	header := make([]byte, wire.HeaderLen)
	wire.PutLength(header, 10)
	writeFull(t, peer, header)
	writeFull(t, peer, []byte("12345"))
	unix.Close(peer)

	c := New(fd)
	// Drain until the short payload has been consumed into the connection.
	var err error
	for i := 0; i < 100; i++ {
		_, err = c.HandleRead()
		if !errors.Is(err, ErrWouldBlock) {
			break
		}
	}
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("HandleRead after FIN mid-frame: err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestHandleRead_CleanEOFAtBoundary(t *testing.T) {
	peer, fd := socketpair(t)
	unix.Close(peer)

	c := New(fd)
	_, err := c.HandleRead()
	if err != io.EOF {
		t.Fatalf("HandleRead on clean close: err = %v, want io.EOF", err)
	}
}

func TestSendAndHandleWrite_PartialWriteResume(t *testing.T) {
	fd, peer := socketpair(t)
	// Shrink the receive buffer so a large message cannot be written in one
	// syscall, forcing a partial write that HandleWrite must resume.
	_ = unix.SetsockoptInt(peer, unix.SOL_SOCKET, unix.SO_RCVBUF, 1024)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 1024)

	c := New(fd)
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := c.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Drain the peer concurrently with driving HandleWrite, the way the
	// reactor would on repeated writable edges, until the queue empties.
	done := make(chan struct{})
	var readErr error
	var got []byte
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for len(got) < wire.HeaderLen+len(payload) {
			n, err := unix.Read(peer, buf)
			if err != nil {
				if isWouldBlock(err) {
					continue
				}
				readErr = err
				return
			}
			got = append(got, buf[:n]...)
		}
	}()

	for c.WantsWrite() {
		if err := c.HandleWrite(); err != nil && !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("HandleWrite: %v", err)
		}
	}
	<-done

	if readErr != nil {
		t.Fatalf("reading peer: %v", readErr)
	}
	if wire.Length(got[:wire.HeaderLen]) != uint64(len(payload)) {
		t.Fatalf("header length = %d, want %d", wire.Length(got[:wire.HeaderLen]), len(payload))
	}
	gotPayload := got[wire.HeaderLen:]
	if len(gotPayload) != len(payload) {
		t.Fatalf("payload length = %d, want %d", len(gotPayload), len(payload))
	}
	for i := range payload {
		if gotPayload[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d: got %x want %x", i, gotPayload[i], payload[i])
		}
	}
}

func TestHandleRead_ReadLimitRejectsOversizedFrame(t *testing.T) {
	peer, fd := socketpair(t)

	header := make([]byte, wire.HeaderLen)
	wire.PutLength(header, 1024)
	writeFull(t, peer, header)

	c := New(fd)
	c.SetReadLimit(256)

	_, err := c.HandleRead()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("HandleRead: err = %v, want ErrFrameTooLarge", err)
	}
}

func TestSend_TwoMessagesArriveInOrder(t *testing.T) {
	fd, peer := socketpair(t)
	c := New(fd)

	if err := c.Send([]byte("first")); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	if err := c.Send([]byte("second")); err != nil {
		t.Fatalf("Send second: %v", err)
	}

	for c.WantsWrite() {
		if err := c.HandleWrite(); err != nil && !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("HandleWrite: %v", err)
		}
	}

	buf := make([]byte, 4096)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data := buf[:n]

	h1 := wire.Length(data[:wire.HeaderLen])
	p1 := data[wire.HeaderLen : wire.HeaderLen+int(h1)]
	rest := data[wire.HeaderLen+int(h1):]
	h2 := wire.Length(rest[:wire.HeaderLen])
	p2 := rest[wire.HeaderLen : wire.HeaderLen+int(h2)]

	if string(p1) != "first" || string(p2) != "second" {
		t.Fatalf("got messages %q, %q; want first, second", p1, p2)
	}
}
