// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sigmask

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExchangeSet returns the signals blocked around every exchange: the
// ones used for inter-thread notification, including the Go runtime's
// preemption signal.
func ExchangeSet() unix.Sigset_t {
	return NewSet(
		unix.SIGALRM,
		unix.SIGIO,
		unix.SIGINT,
		unix.SIGHUP,
		unix.SIGUSR1,
		unix.SIGUSR2,
		unix.SIGCHLD,
		unix.SIGURG,
	)
}

// NewSet returns a signal set containing signals.
func NewSet(signals ...unix.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	for _, signal := range signals {
		Add(&set, signal)
	}
	return set
}

// Add adds signal to set.
func Add(set *unix.Sigset_t, signal unix.Signal) {
	word, bit := position(set, signal)
	set.Val[word] |= 1 << bit
}

// Contains reports whether signal is in set.
func Contains(set *unix.Sigset_t, signal unix.Signal) bool {
	word, bit := position(set, signal)
	return set.Val[word]&(1<<bit) != 0
}

// position locates signal within the kernel sigset layout. The word
// size of Sigset_t.Val differs between 32- and 64-bit targets.
func position(set *unix.Sigset_t, signal unix.Signal) (int, uint) {
	wordBits := uint(unsafe.Sizeof(set.Val[0]) * 8)
	index := uint(signal) - 1
	return int(index / wordBits), index % wordBits
}

// Guard restores the signal mask that was active before [Block].
type Guard struct {
	previous unix.Sigset_t
	restored bool
}

// Block adds set to the calling thread's signal mask.
func Block(set unix.Sigset_t) (*Guard, error) {
	guard := &Guard{}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &guard.previous); err != nil {
		return nil, fmt.Errorf("blocking signals: %w", err)
	}
	return guard, nil
}

// Restore reinstates the previous mask. Calling it more than once is
// a no-op.
func (g *Guard) Restore() error {
	if g == nil || g.restored {
		return nil
	}
	g.restored = true
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &g.previous, nil); err != nil {
		return fmt.Errorf("restoring signal mask: %w", err)
	}
	return nil
}

// Current returns the calling thread's signal mask.
func Current() (unix.Sigset_t, error) {
	var current unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &current); err != nil {
		return current, fmt.Errorf("reading signal mask: %w", err)
	}
	return current, nil
}
