// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdcache maps coordinator handles to locally owned host
// descriptors so that I/O on a handle does not cost a coordinator
// round trip every time.
//
// [Cache.Resolve] consults the cache first. On a miss it asks the
// coordinator through a [Source] for the descriptor backing the
// handle. The coordinator either names a descriptor already valid in
// this process (inline; transient, so it is duplicated) or pushes one
// over the socket as a follow-up tagged with its canonical handle. A
// follow-up tagged with a different handle means another thread's
// descriptor arrived first; it is discarded and the lookup starts over,
// at most [MaxRaceRetries] times.
//
// One mutex guards the map and is never held across a coordinator
// exchange. Two threads missing on the same handle both fetch a
// descriptor, and the one that inserts second closes its copy and uses
// the entry already present, so exactly one cached descriptor survives.
//
// Callers always receive their own duplicate as an [*os.File]; closing
// it (directly or through [Release]) never disturbs the cache entry.
// Entries go away only through [Cache.Invalidate], driven by the
// coordinator closing or reassigning the handle, or [Cache.Close] at
// process exit. Handles backed by removable media are never cached.
package fdcache
