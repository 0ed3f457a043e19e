// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle binds goroutines to coordinator threads.
//
// Each [Thread] runs on its own goroutine locked to its own OS thread
// and owns a request/reply channel plus a wait pipe. Registration
// creates the reply and wait pipes, passes their write ends to the
// coordinator over the process socket, and issues InitThread; only a
// thread whose registration succeeded and whose coordinator speaks the
// same protocol version runs user code. [Process.Run] starts the first
// thread from the request pipe the coordinator queued on the socket;
// [Thread.Go] asks the coordinator for another.
//
// Thread methods must be called from the thread's own goroutine.
// Application failures come back as *protocol.StatusError. Losing the
// coordinator or desynchronizing the stream is fatal to the thread:
// its descriptors are closed, the goroutine exits through
// runtime.Goexit taking its OS thread with it, and [Running.Wait]
// reports the cause. Every way a thread ends (return, [Thread.Exit],
// panic, fatal error) goes through the same teardown.
package lifecycle
