// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sigmask blocks signals on the calling OS thread for the span
// of a coordinator exchange.
//
// A request and its reply must complete as a unit: a signal handled
// between the write and the read could run code that issues another
// request on the same channel and desynchronize it. [Block] installs
// the mask with pthread_sigmask and returns a [Guard] whose Restore
// puts the previous mask back; callers defer Restore so every return
// path is covered.
//
// The mask is per OS thread. Callers must hold runtime.LockOSThread
// for as long as the guard is live.
package sigmask
