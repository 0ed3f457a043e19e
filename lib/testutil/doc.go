// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for objlink packages.
//
// [SocketDir] creates a short temporary directory in /tmp for Unix
// domain sockets. Socket paths are limited to 108 bytes (sun_path in
// sockaddr_un) and t.TempDir() can exceed that under build systems
// that nest TMPDIR deeply. The directory is removed when the test
// completes.
//
// [RequireReceive] and [RequireClosed] wrap the timeout safety valve
// (select with a time.After fallback) so a hung coordinator exchange
// fails the test instead of hanging the suite. They are the only place
// tests use wall-clock timeouts.
//
// [CountOpenFDs] counts the entries of /proc/self/fd so tests can
// assert that resolving, caching and tearing down descriptors leaks
// nothing. [Pipe] returns a close-on-exec pipe whose ends are closed
// at cleanup unless the test already closed them.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no objlink-internal dependencies.
package testutil
