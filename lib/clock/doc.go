// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that retry and
// backoff loops can be tested without real sleeps.
//
// Code that waits accepts a [Clock] instead of calling time.Now,
// time.After, or time.Sleep directly. Production passes [Real]; tests
// pass [Fake], which stands still until [FakeClock.Advance] is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go connectWithRetry(c)
//	c.WaitForTimers(1)              // the loop is now waiting
//	c.Advance(100 * time.Millisecond)
//
// [FakeClock.Requested] lists every duration waited on, in order, so a
// test can assert a backoff schedule without advancing through it.
package clock
