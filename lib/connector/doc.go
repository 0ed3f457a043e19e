// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connector establishes the process's single connection to the
// coordinator, starting the coordinator first when nobody is listening.
//
// The coordinator keeps two files in its state directory: the
// listening socket and an advisory lock file held for its lifetime.
// [Connector.Connect] dials the socket and, when it is absent or
// refuses, runs the coordinator binary once per process and waits for
// its exit status: 0 means the socket is ready, 2 means another
// instance holds the lock and is still starting. Attempts are bounded
// and separated by a quadratic backoff that ends early when inotify
// reports the socket appearing.
//
// When attempts run out, the lock file explains why: lockable means
// the coordinator never started, held means a process is wedged while
// holding it, and lock errors mean the filesystem cannot support
// advisory locks at all. Every failure is a [*BootstrapError] carrying
// an actionable hint; none are recoverable.
//
// Socket paths longer than sun_path are reached through an O_PATH
// descriptor for the state directory, so the process working directory
// is never changed.
package connector
