// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordtest runs an in-process coordinator for tests of the
// client runtime.
//
// A [Server] owns the coordinator end of a socketpair and hands the
// other end to the code under test. It behaves the way a real
// coordinator does on the wire: the first request pipe is pushed over
// the socket tagged with the protocol version, each thread's request
// pipe is served by its own goroutine, descriptors the client sends
// are matched to threads by (thread id, descriptor number), and
// GetHandleFD answers come inline or as follow-up descriptors.
//
// Handles are registered with [Server.AddHandle]. Request kinds the
// server does not implement can be given handlers with
// [Server.Handle]; anything else is answered with
// StatusNotSupported. [Server.Count] reports how many requests of a
// kind arrived, which is how tests observe cache hits.
//
// [Server.Kill] simulates coordinator death: every reply and wait pipe
// is closed and the socket shut down.
package coordtest
