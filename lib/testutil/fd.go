// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package testutil

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// CountOpenFDs returns the number of descriptors open in this process.
// The descriptor used to read /proc/self/fd is excluded.
func CountOpenFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatalf("reading /proc/self/fd: %v", err)
	}
	return len(entries) - 1
}

// IsOpen reports whether fd refers to an open descriptor.
func IsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// Pipe returns a blocking close-on-exec pipe as (read end, write end).
// Ends still open at cleanup are closed. Tests may close either end
// themselves; cleanup skips a number that now refers to another file.
func Pipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	var readStat, writeStat unix.Stat_t
	if err := unix.Fstat(fds[0], &readStat); err != nil {
		t.Fatalf("fstat pipe: %v", err)
	}
	if err := unix.Fstat(fds[1], &writeStat); err != nil {
		t.Fatalf("fstat pipe: %v", err)
	}
	t.Cleanup(func() {
		closeIfSame(fds[0], readStat)
		closeIfSame(fds[1], writeStat)
	})
	return fds[0], fds[1]
}

// closeIfSame closes fd only when it still refers to the same inode;
// the number may have been closed and reused by the test.
func closeIfSame(fd int, want unix.Stat_t) {
	var current unix.Stat_t
	if err := unix.Fstat(fd, &current); err != nil {
		return
	}
	if current.Ino == want.Ino && current.Dev == want.Dev {
		unix.Close(fd)
	}
}
