// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package reactor implements the non-blocking epoll-driven event loop:
// spec §4.2. poller_linux.go wraps the three syscalls the reactor needs
// (epoll_create1, epoll_ctl, epoll_wait) plus an eventfd used to wake the
// poller promptly when a worker enqueues a response, the strategy spec §9
// calls out as strategy (b) (portable self-pipe/eventfd wakeup).
package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// interestRead/interestWrite are the epoll event masks registered for a
// connection. Connections are always edge-triggered (EPOLLET): spec §4.2
// "edge-triggered obligations" requires callers to drain until WouldBlock
// rather than rely on repeated wakeups.
const (
	interestRead  = unix.EPOLLIN | unix.EPOLLET
	interestWrite = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET
)

// poller is a thin wrapper over an epoll instance and a wakeup eventfd.
type poller struct {
	epfd     int
	wakeFd   int
	wakeBuf  [8]byte
	drainBuf [8]byte
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &poller{epfd: epfd, wakeFd: wakeFd}
	if err := p.add(wakeFd, unix.EPOLLIN); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// addListener registers fd for readable edges only, level-triggered — the
// accept loop below always drains to WouldBlock regardless, and the
// listener never needs writable interest.
func (p *poller) addListener(fd int) error {
	return p.add(fd, unix.EPOLLIN)
}

func (p *poller) addConn(fd int, wantWrite bool) error {
	events := uint32(interestRead)
	if wantWrite {
		events = uint32(interestWrite)
	}
	return p.add(fd, events)
}

// modifyConn updates fd's registered interest to match wantWrite.
func (p *poller) modifyConn(fd int, wantWrite bool) error {
	events := uint32(interestRead)
	if wantWrite {
		events = uint32(interestWrite)
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait blocks for at least one readiness event, or until timeoutMs elapses
// (-1 blocks indefinitely).
func (p *poller) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// wake unblocks a concurrent wait call; used after an egress send and on
// shutdown. Safe to call from any goroutine.
func (p *poller) wake() error {
	binary.LittleEndian.PutUint64(p.wakeBuf[:], 1)
	for {
		_, err := unix.Write(p.wakeFd, p.wakeBuf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// The eventfd counter is already saturated; a wakeup is already
			// pending, so there is nothing more to do.
			return nil
		}
		return err
	}
}

// drainWake consumes the eventfd counter after a wakeup event so it can
// report readable again on the next send.
func (p *poller) drainWake() error {
	for {
		_, err := unix.Read(p.wakeFd, p.drainBuf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (p *poller) close() error {
	err0 := unix.Close(p.wakeFd)
	err1 := unix.Close(p.epfd)
	if err0 != nil {
		return err0
	}
	return err1
}
