// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package connector

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// SocketName is the coordinator's listening socket inside the
	// state directory.
	SocketName = "socket"

	// LockName is the advisory lock file the coordinator holds for its
	// lifetime.
	LockName = "lock"
)

// maxSocketPath is the longest path that fits in sockaddr_un.sun_path
// with its terminating NUL.
var maxSocketPath = len(unix.RawSockaddrUnix{}.Path) - 1

// dial connects to the socket in stateDir. The returned connection is
// close-on-exec.
func dial(stateDir string) (*net.UnixConn, error) {
	path := filepath.Join(stateDir, SocketName)
	if len(path) > maxSocketPath {
		directoryFD, err := unix.Open(stateDir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("opening state directory %s: %w", stateDir, err)
		}
		defer unix.Close(directoryFD)
		path = "/proc/self/fd/" + strconv.Itoa(directoryFD) + "/" + SocketName
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := setCloseOnExec(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func setCloseOnExec(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("accessing coordinator socket: %w", err)
	}
	if err := raw.Control(func(fd uintptr) { unix.CloseOnExec(int(fd)) }); err != nil {
		return fmt.Errorf("marking coordinator socket close-on-exec: %w", err)
	}
	return nil
}

// absent reports whether a dial error means nobody is listening yet,
// which is the only condition that warrants starting the coordinator.
func absent(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}
