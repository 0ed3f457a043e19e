// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package fdcache

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/protocol"
)

// MaxRaceRetries bounds how often one Resolve restarts after receiving
// a descriptor for somebody else's handle.
const MaxRaceRetries = 4

// Lookup is the coordinator's answer to a handle→descriptor query.
type Lookup struct {
	// InlineFD is a transient descriptor already valid in this
	// process, or -1.
	InlineFD int

	// FollowUp means the descriptor must be fetched with
	// [Source.ReceiveFD].
	FollowUp bool

	// Removable marks media-backed handles that are never cached.
	Removable bool

	// Access is the access granted on the handle.
	Access protocol.Access
}

// Source performs the coordinator side of resolution. Implementations
// block on the coordinator; the cache never calls them with its lock
// held.
type Source interface {
	// HandleFD asks where the descriptor for handle comes from. A
	// non-success coordinator status is returned as a
	// *protocol.StatusError.
	HandleFD(handle protocol.Handle, access protocol.Access) (Lookup, error)

	// ReceiveFD fetches the follow-up descriptor for handle. When the
	// next pending descriptor belongs to another handle, the source
	// keeps it for that handle's receiver and reports ok false. The
	// caller owns a returned descriptor.
	ReceiveFD(handle protocol.Handle) (fd int, ok bool, err error)
}

// RaceError reports that a handle's follow-up descriptor kept arriving
// tagged with other handles. The stream of descriptor messages is no
// longer trustworthy.
type RaceError struct {
	Handle   protocol.Handle
	Attempts int
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("resolving handle %s: descriptor ownership did not converge after %d attempts", e.Handle, e.Attempts)
}

type entry struct {
	fd     int
	access protocol.Access
}

// Stats counts cache activity.
type Stats struct {
	Hits uint64
	// Misses counts Resolve calls the cache could not serve, once
	// each however many attempts they took.
	Misses uint64
	// Races counts follow-up descriptors left for another handle.
	Races uint64
}

// Cache is the per-process handle→descriptor cache. The zero value is
// not usable; call [New].
type Cache struct {
	mu      sync.Mutex
	entries map[protocol.Handle]entry
	stats   Stats
	closed  bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[protocol.Handle]entry)}
}

// ErrClosed is returned by Resolve after [Cache.Close].
var ErrClosed = errors.New("fd cache is closed")

// Resolve returns a descriptor for handle with at least access. The
// returned file is the caller's own duplicate.
func (c *Cache) Resolve(source Source, handle protocol.Handle, access protocol.Access) (*os.File, error) {
	for attempt := 1; attempt <= MaxRaceRetries; attempt++ {
		file, hit, err := c.lookup(handle, access, attempt == 1)
		if err != nil || hit {
			return file, err
		}

		lookup, err := source.HandleFD(handle, access)
		if err != nil {
			return nil, err
		}

		candidate, retry, err := c.fetch(source, handle, lookup)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}

		if lookup.Removable {
			return os.NewFile(uintptr(candidate), handleName(handle)), nil
		}
		return c.insert(handle, candidate, lookup.Access)
	}
	return nil, &RaceError{Handle: handle, Attempts: MaxRaceRetries}
}

// lookup serves handle from the cache. hit is false on a miss; a miss
// is counted only when countMiss is set, so retries count once.
func (c *Cache) lookup(handle protocol.Handle, access protocol.Access, countMiss bool) (*os.File, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}
	cached, ok := c.entries[handle]
	if !ok {
		if countMiss {
			c.stats.Misses++
		}
		return nil, false, nil
	}
	c.stats.Hits++
	if !cached.access.Covers(access) {
		return nil, false, protocol.StatusAccessDenied.Err(protocol.KindGetHandleFD)
	}
	file, err := duplicate(cached.fd, handle)
	return file, true, err
}

// fetch obtains this attempt's candidate descriptor, owned by the
// caller. retry is true when the pending follow-up descriptor belonged
// to another handle; the source keeps that one for its owner.
func (c *Cache) fetch(source Source, handle protocol.Handle, lookup Lookup) (int, bool, error) {
	if !lookup.FollowUp {
		if lookup.InlineFD < 0 {
			return -1, false, fmt.Errorf("resolving handle %s: coordinator supplied no descriptor", handle)
		}
		fd, err := unix.FcntlInt(uintptr(lookup.InlineFD), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return -1, false, fmt.Errorf("duplicating inline descriptor %d for handle %s: %w", lookup.InlineFD, handle, err)
		}
		return fd, false, nil
	}

	fd, ok, err := source.ReceiveFD(handle)
	if err != nil {
		return -1, false, err
	}
	if !ok {
		c.mu.Lock()
		c.stats.Races++
		c.mu.Unlock()
		return -1, true, nil
	}
	if fd < 0 {
		return -1, false, fmt.Errorf("resolving handle %s: follow-up message carried no descriptor", handle)
	}
	return fd, false, nil
}

// insert caches candidate for handle unless another thread got there
// first, then returns a duplicate of whichever descriptor is cached.
func (c *Cache) insert(handle protocol.Handle, candidate int, access protocol.Access) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		unix.Close(candidate)
		return nil, ErrClosed
	}
	existing, ok := c.entries[handle]
	if ok {
		unix.Close(candidate)
	} else {
		existing = entry{fd: candidate, access: access}
		c.entries[handle] = existing
	}
	return duplicate(existing.fd, handle)
}

// Release closes a descriptor returned by Resolve. The cache entry is
// unaffected.
func Release(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Close()
}

// Invalidate drops the entry for handle and closes its descriptor.
// Reports whether an entry existed.
func (c *Cache) Invalidate(handle protocol.Handle) bool {
	c.mu.Lock()
	cached, ok := c.entries[handle]
	delete(c.entries, handle)
	c.mu.Unlock()

	if ok {
		unix.Close(cached.fd)
	}
	return ok
}

// Cached reports whether handle has an entry.
func (c *Cache) Cached(handle protocol.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[handle]
	return ok
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close closes every cached descriptor. Later Resolve calls fail with
// [ErrClosed]. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[protocol.Handle]entry)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for handle, cached := range entries {
		if err := unix.Close(cached.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing descriptor for handle %s: %w", handle, err))
		}
	}
	return errors.Join(errs...)
}

func duplicate(fd int, handle protocol.Handle) (*os.File, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duplicating cached descriptor for handle %s: %w", handle, err)
	}
	return os.NewFile(uintptr(dup), handleName(handle)), nil
}

func handleName(handle protocol.Handle) string {
	return "handle:" + handle.String()
}
