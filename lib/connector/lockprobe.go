// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockState is the outcome of probing the coordinator lock file.
type LockState int

const (
	// LockFree means nothing holds the lock: no coordinator is running.
	LockFree LockState = iota
	// LockHeld means a process holds the lock.
	LockHeld
	// LockUnsupported means the filesystem refused the lock query.
	LockUnsupported
	// LockMissing means the lock file does not exist.
	LockMissing
)

func (s LockState) String() string {
	switch s {
	case LockFree:
		return "free"
	case LockHeld:
		return "held"
	case LockUnsupported:
		return "unsupported"
	case LockMissing:
		return "missing"
	default:
		return fmt.Sprintf("LockState(%d)", int(s))
	}
}

// LockProbe is the result of [ProbeLock].
type LockProbe struct {
	State LockState

	// HolderPID is the holder's pid when State is LockHeld. It is -1
	// when the holder is an open file description rather than a
	// process, as with OFD locks.
	HolderPID int

	// Err is the lock query error when State is LockUnsupported.
	Err error
}

// ProbeLock tests whether the lock file in stateDir could be
// write-locked, without taking the lock. Open file description locks
// are queried first; kernels without them fall back to POSIX locks.
func ProbeLock(stateDir string) (LockProbe, error) {
	path := filepath.Join(stateDir, LockName)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.ENOENT) {
		return LockProbe{State: LockMissing}, nil
	}
	if err != nil {
		return LockProbe{}, &os.PathError{Op: "open", Path: path, Err: err}
	}
	defer unix.Close(fd)

	query := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	err = unix.FcntlFlock(uintptr(fd), unix.F_OFD_GETLK, &query)
	if errors.Is(err, unix.EINVAL) {
		query = unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
		err = unix.FcntlFlock(uintptr(fd), unix.F_GETLK, &query)
	}
	if err != nil {
		if errors.Is(err, unix.ENOLCK) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) {
			return LockProbe{State: LockUnsupported, Err: err}, nil
		}
		return LockProbe{}, fmt.Errorf("querying lock on %s: %w", path, err)
	}

	if query.Type == unix.F_UNLCK {
		return LockProbe{State: LockFree}, nil
	}
	return LockProbe{State: LockHeld, HolderPID: int(query.Pid)}, nil
}
