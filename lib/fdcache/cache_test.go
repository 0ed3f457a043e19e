// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package fdcache

import (
	"errors"
	"os"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/protocol"
	"github.com/bureau-foundation/objlink/lib/testutil"
)

// fakeSource answers lookups from a fixed Lookup and serves follow-up
// descriptors from a queue of (tag, fd) pairs. Descriptors for other
// handles are parked in order, the way the coordinator socket does.
type fakeSource struct {
	mu       sync.Mutex
	lookup   Lookup
	err      error
	queue    []followUp
	parked   []followUp
	lookups  int
	receives int

	// beforeReply, when set, runs inside HandleFD before it returns.
	beforeReply func()
}

type followUp struct {
	handle protocol.Handle
	fd     int
}

func (s *fakeSource) HandleFD(handle protocol.Handle, access protocol.Access) (Lookup, error) {
	s.mu.Lock()
	s.lookups++
	lookup, err := s.lookup, s.err
	hook := s.beforeReply
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return lookup, err
}

func (s *fakeSource) ReceiveFD(handle protocol.Handle) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receives++
	for i, parked := range s.parked {
		if parked.handle == handle {
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			return parked.fd, true, nil
		}
	}
	if len(s.queue) == 0 {
		return -1, false, errors.New("no follow-up queued")
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	if next.handle != handle {
		s.parked = append(s.parked, next)
		return -1, false, nil
	}
	return next.fd, true, nil
}

// parkedFor returns the descriptors parked for handle.
func (s *fakeSource) parkedFor(handle protocol.Handle) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fds []int
	for _, parked := range s.parked {
		if parked.handle == handle {
			fds = append(fds, parked.fd)
		}
	}
	return fds
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups, s.receives
}

// freshFD returns a new descriptor the test hands over to the cache.
func freshFD(t *testing.T) int {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	unix.Close(fds[1])
	return fds[0]
}

func sameFile(t *testing.T, a, b int) bool {
	t.Helper()
	var statA, statB unix.Stat_t
	if err := unix.Fstat(a, &statA); err != nil {
		t.Fatalf("fstat %d: %v", a, err)
	}
	if err := unix.Fstat(b, &statB); err != nil {
		t.Fatalf("fstat %d: %v", b, err)
	}
	return statA.Ino == statB.Ino && statA.Dev == statB.Dev
}

func TestResolveInlineThenCached(t *testing.T) {
	inline, _ := testutil.Pipe(t)
	source := &fakeSource{lookup: Lookup{InlineFD: inline, Access: protocol.AccessRead | protocol.AccessWrite}}
	cache := New()
	defer cache.Close()

	first, err := cache.Resolve(source, 7, protocol.AccessRead)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	defer first.Close()
	if int(first.Fd()) == inline {
		t.Error("Resolve returned the transient inline descriptor itself")
	}
	if !sameFile(t, int(first.Fd()), inline) {
		t.Error("resolved descriptor does not refer to the inline descriptor's file")
	}

	second, err := cache.Resolve(source, 7, protocol.AccessRead)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	defer second.Close()

	if lookups, _ := source.counts(); lookups != 1 {
		t.Errorf("coordinator lookups = %d, want 1", lookups)
	}
	if first.Fd() == second.Fd() {
		t.Error("both callers received the same descriptor number")
	}
	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestResolveFollowUp(t *testing.T) {
	source := &fakeSource{
		lookup: Lookup{InlineFD: -1, FollowUp: true, Access: protocol.AccessRead},
		queue:  []followUp{{handle: 0x20, fd: freshFD(t)}},
	}
	cache := New()
	defer cache.Close()

	file, err := cache.Resolve(source, 0x20, protocol.AccessRead)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	file.Close()
	if !cache.Cached(0x20) {
		t.Error("follow-up descriptor was not cached")
	}
}

func TestResolveRemovableNeverCached(t *testing.T) {
	inline, _ := testutil.Pipe(t)
	source := &fakeSource{lookup: Lookup{InlineFD: inline, Removable: true, Access: protocol.AccessRead}}
	cache := New()
	defer cache.Close()

	for range 3 {
		file, err := cache.Resolve(source, 9, protocol.AccessRead)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if err := Release(file); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if lookups, _ := source.counts(); lookups != 3 {
		t.Errorf("coordinator lookups = %d, want 3", lookups)
	}
	if cache.Len() != 0 {
		t.Errorf("cache holds %d entries, want 0", cache.Len())
	}
}

func TestResolveConvergesUnderRace(t *testing.T) {
	inline, _ := testutil.Pipe(t)
	cache := New()
	defer cache.Close()

	// Both goroutines must be past the cache check before either
	// inserts, so both fetch a descriptor.
	var arrived sync.WaitGroup
	arrived.Add(2)
	source := &fakeSource{
		lookup: Lookup{InlineFD: inline, Access: protocol.AccessRead},
		beforeReply: func() {
			arrived.Done()
			arrived.Wait()
		},
	}

	before := testutil.CountOpenFDs(t)

	type result struct {
		file *os.File
		err  error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			file, err := cache.Resolve(source, 0x30, protocol.AccessRead)
			results <- result{file, err}
		}()
	}
	var files []*os.File
	for range 2 {
		r := <-results
		if r.err != nil {
			t.Fatalf("Resolve: %v", r.err)
		}
		files = append(files, r.file)
	}
	if !sameFile(t, int(files[0].Fd()), int(files[1].Fd())) {
		t.Error("racing resolves returned different files")
	}
	for _, file := range files {
		file.Close()
	}

	if after := testutil.CountOpenFDs(t); after != before+1 {
		t.Errorf("open descriptors went from %d to %d, want exactly one cached descriptor added", before, after)
	}
	if cache.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", cache.Len())
	}
}

func TestResolveRetriesForeignFollowUp(t *testing.T) {
	source := &fakeSource{
		lookup: Lookup{InlineFD: -1, FollowUp: true, Access: protocol.AccessRead},
		queue: []followUp{
			{handle: 0x44, fd: freshFD(t)},
			{handle: 0x40, fd: freshFD(t)},
		},
	}
	cache := New()
	defer cache.Close()

	file, err := cache.Resolve(source, 0x40, protocol.AccessRead)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	file.Close()

	if lookups, receives := source.counts(); lookups != 2 || receives != 2 {
		t.Errorf("lookups=%d receives=%d, want 2 and 2", lookups, receives)
	}
	if cache.Cached(0x44) {
		t.Error("foreign descriptor was cached")
	}
	if stats := cache.Stats(); stats.Races != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 race and 1 miss", stats)
	}

	// The foreign descriptor waits for its own handle.
	if parked := source.parkedFor(0x44); len(parked) != 1 {
		t.Fatalf("parked for 0x0044 = %v, want one descriptor", parked)
	}
	foreign, err := cache.Resolve(source, 0x44, protocol.AccessRead)
	if err != nil {
		t.Fatalf("Resolve(0x0044): %v", err)
	}
	foreign.Close()
	if !cache.Cached(0x44) {
		t.Error("parked descriptor was not delivered to its handle")
	}
	if parked := source.parkedFor(0x44); len(parked) != 0 {
		t.Errorf("parked for 0x0044 after its Resolve = %v, want none", parked)
	}
}

func TestResolveRaceBound(t *testing.T) {
	var queue []followUp
	for range MaxRaceRetries {
		queue = append(queue, followUp{handle: 0x99, fd: freshFD(t)})
	}
	source := &fakeSource{
		lookup: Lookup{InlineFD: -1, FollowUp: true, Access: protocol.AccessRead},
		queue:  queue,
	}
	cache := New()
	defer cache.Close()

	before := testutil.CountOpenFDs(t)
	_, err := cache.Resolve(source, 0x50, protocol.AccessRead)
	var raceErr *RaceError
	if !errors.As(err, &raceErr) {
		t.Fatalf("Resolve error = %v, want *RaceError", err)
	}
	if raceErr.Attempts != MaxRaceRetries {
		t.Errorf("attempts = %d, want %d", raceErr.Attempts, MaxRaceRetries)
	}
	// No foreign descriptor was closed; each waits for handle 0x99.
	if after := testutil.CountOpenFDs(t); after != before {
		t.Errorf("open descriptors went from %d to %d, want unchanged", before, after)
	}
	parked := source.parkedFor(0x99)
	if len(parked) != MaxRaceRetries {
		t.Errorf("parked for 0x0099 = %d descriptors, want %d", len(parked), MaxRaceRetries)
	}
	for _, fd := range parked {
		unix.Close(fd)
	}
	if stats := cache.Stats(); stats.Misses != 1 || stats.Races != MaxRaceRetries {
		t.Errorf("stats = %+v, want 1 miss and %d races", stats, MaxRaceRetries)
	}
}

func TestResolveAccessDeniedOnHit(t *testing.T) {
	inline, _ := testutil.Pipe(t)
	source := &fakeSource{lookup: Lookup{InlineFD: inline, Access: protocol.AccessRead}}
	cache := New()
	defer cache.Close()

	file, err := cache.Resolve(source, 3, protocol.AccessRead)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	file.Close()

	_, err = cache.Resolve(source, 3, protocol.AccessWrite)
	var statusErr *protocol.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != protocol.StatusAccessDenied {
		t.Fatalf("Resolve for write = %v, want access denied", err)
	}
	if lookups, _ := source.counts(); lookups != 1 {
		t.Errorf("coordinator lookups = %d, want 1", lookups)
	}
}

func TestResolveSourceError(t *testing.T) {
	source := &fakeSource{err: protocol.StatusInvalidHandle.Err(protocol.KindGetHandleFD)}
	cache := New()
	defer cache.Close()

	_, err := cache.Resolve(source, 5, protocol.AccessRead)
	var statusErr *protocol.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != protocol.StatusInvalidHandle {
		t.Fatalf("Resolve = %v, want invalid handle", err)
	}
	if cache.Len() != 0 {
		t.Error("failed lookup left an entry")
	}
}

func TestInvalidate(t *testing.T) {
	inline, _ := testutil.Pipe(t)
	source := &fakeSource{lookup: Lookup{InlineFD: inline, Access: protocol.AccessRead}}
	cache := New()
	defer cache.Close()

	file, err := cache.Resolve(source, 0x11, protocol.AccessRead)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer file.Close()

	if !cache.Invalidate(0x11) {
		t.Fatal("Invalidate reported no entry")
	}
	if cache.Invalidate(0x11) {
		t.Error("second Invalidate reported an entry")
	}
	// The caller's duplicate survives invalidation.
	if !testutil.IsOpen(int(file.Fd())) {
		t.Error("caller's descriptor was closed by Invalidate")
	}

	again, err := cache.Resolve(source, 0x11, protocol.AccessRead)
	if err != nil {
		t.Fatalf("Resolve after Invalidate: %v", err)
	}
	again.Close()
	if lookups, _ := source.counts(); lookups != 2 {
		t.Errorf("coordinator lookups = %d, want 2", lookups)
	}
}

func TestClose(t *testing.T) {
	inline, _ := testutil.Pipe(t)
	source := &fakeSource{lookup: Lookup{InlineFD: inline, Access: protocol.AccessRead}}
	cache := New()

	before := testutil.CountOpenFDs(t)
	for _, handle := range []protocol.Handle{1, 2, 3} {
		file, err := cache.Resolve(source, handle, protocol.AccessRead)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", handle, err)
		}
		file.Close()
	}
	if after := testutil.CountOpenFDs(t); after != before+3 {
		t.Fatalf("open descriptors = %d, want %d", after, before+3)
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if after := testutil.CountOpenFDs(t); after != before {
		t.Errorf("open descriptors after Close = %d, want %d", after, before)
	}
	if _, err := cache.Resolve(source, 1, protocol.AccessRead); !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve after Close = %v, want ErrClosed", err)
	}
}
