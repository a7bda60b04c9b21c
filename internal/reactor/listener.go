// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listen binds addr and returns the raw, non-blocking file descriptor of
// the listening socket. net.Listen does the address resolution and bind;
// SyscallConn hands back the fd so the reactor can drive it directly with
// epoll and unix.Accept4 instead of through net.Listener's blocking Accept.
func listen(addr string) (fd int, laddr net.Addr, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, nil, errors.Wrap(err, "reactor: listen")
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return 0, nil, errors.New("reactor: listen address did not yield a TCP listener")
	}

	raw, err := tcpLn.SyscallConn()
	if err != nil {
		_ = ln.Close()
		return 0, nil, errors.Wrap(err, "reactor: SyscallConn")
	}

	var dupFd int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	})
	laddr = ln.Addr()
	// The net.Listener (and its original fd) is no longer needed once the
	// descriptor is duplicated; the reactor owns dupFd from here on.
	_ = ln.Close()
	if ctrlErr != nil {
		return 0, nil, errors.Wrap(ctrlErr, "reactor: SyscallConn.Control")
	}
	if dupErr != nil {
		return 0, nil, errors.Wrap(dupErr, "reactor: dup listener fd")
	}

	if err := unix.SetNonblock(dupFd, true); err != nil {
		_ = unix.Close(dupFd)
		return 0, nil, errors.Wrap(err, "reactor: set listener non-blocking")
	}
	return dupFd, laddr, nil
}
