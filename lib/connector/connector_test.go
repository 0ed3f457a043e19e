// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package connector

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/binhash"
	"github.com/bureau-foundation/objlink/lib/clock"
	"github.com/bureau-foundation/objlink/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type spawnCall struct {
	binary     string
	workingDir string
}

// fakeSpawner records spawn calls and reports a fixed exit code. When
// onSpawn is set it runs before the exit code is returned, standing in
// for the coordinator's startup work.
type fakeSpawner struct {
	mu       sync.Mutex
	calls    []spawnCall
	exitCode int
	err      error
	onSpawn  func()
}

func (s *fakeSpawner) Spawn(binary, workingDir string) (int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spawnCall{binary, workingDir})
	s.mu.Unlock()
	if s.onSpawn != nil {
		s.onSpawn()
	}
	return s.exitCode, s.err
}

func (s *fakeSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// listen creates a listening socket in stateDir, reaching long paths
// the same way dial does.
func listen(t *testing.T, stateDir string) *net.UnixListener {
	t.Helper()
	path := filepath.Join(stateDir, SocketName)
	long := len(path) > maxSocketPath
	if long {
		directoryFD, err := unix.Open(stateDir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			t.Fatalf("opening %s: %v", stateDir, err)
		}
		defer unix.Close(directoryFD)
		path = "/proc/self/fd/" + strconv.Itoa(directoryFD) + "/" + SocketName
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	if long {
		listener.SetUnlinkOnClose(false)
	}
	t.Cleanup(func() { listener.Close() })
	return listener
}

func requireBootstrapError(t *testing.T, err error) *BootstrapError {
	t.Helper()
	var bootstrapErr *BootstrapError
	if !errors.As(err, &bootstrapErr) {
		t.Fatalf("error = %v (%T), want *BootstrapError", err, err)
	}
	return bootstrapErr
}

func isCloseOnExec(t *testing.T, conn *net.UnixConn) bool {
	t.Helper()
	raw, err := conn.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var flags int
	var flagErr error
	if err := raw.Control(func(fd uintptr) {
		flags, flagErr = unix.FcntlInt(fd, unix.F_GETFD, 0)
	}); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if flagErr != nil {
		t.Fatalf("F_GETFD: %v", flagErr)
	}
	return flags&unix.FD_CLOEXEC != 0
}

func TestConnectExistingCoordinator(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	listen(t, stateDir)
	spawner := &fakeSpawner{}

	conn, err := New(Options{Spawner: spawner}).Connect("/", stateDir)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if !isCloseOnExec(t, conn) {
		t.Error("connection is not close-on-exec")
	}
	if spawner.callCount() != 0 {
		t.Errorf("spawned %d times with a coordinator already listening", spawner.callCount())
	}
}

func TestConnectLongStatePath(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	for len(stateDir) <= maxSocketPath {
		stateDir = filepath.Join(stateDir, strings.Repeat("d", 40))
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	listen(t, stateDir)

	workingDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	conn, err := New(Options{Spawner: &fakeSpawner{}}).Connect(workingDir, stateDir)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()

	after, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if after != workingDir {
		t.Errorf("working directory changed from %s to %s", workingDir, after)
	}
}

func TestConnectSpawnsCoordinatorThatBecomesReady(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	t.Setenv(BinaryEnv, "/opt/objlink/objserver")
	spawner := &fakeSpawner{
		exitCode: ExitReady,
		onSpawn:  func() { listen(t, stateDir) },
	}
	fakeClock := clock.Fake(epoch)

	conn, err := New(Options{Clock: fakeClock, Spawner: spawner}).Connect("/srv/game", stateDir)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()

	if len(spawner.calls) != 1 {
		t.Fatalf("spawn calls = %d, want 1", len(spawner.calls))
	}
	call := spawner.calls[0]
	if call.binary != "/opt/objlink/objserver" || call.workingDir != "/srv/game" {
		t.Errorf("spawned %+v, want override binary in /srv/game", call)
	}
	if len(fakeClock.Requested()) != 0 {
		t.Errorf("waited %v before connecting to a ready coordinator", fakeClock.Requested())
	}

	record, err := ReadSpawnRecord(filepath.Join(stateDir, RecordName))
	if err != nil {
		t.Fatalf("ReadSpawnRecord: %v", err)
	}
	if record.SpawnerPID != os.Getpid() || record.WorkingDir != "/srv/game" {
		t.Errorf("record = %+v", record)
	}
	if record.ExitCode == nil || *record.ExitCode != ExitReady {
		t.Errorf("record exit code = %v, want %d", record.ExitCode, ExitReady)
	}
	if !record.Started().Equal(epoch) {
		t.Errorf("record started at %v, want %v", record.Started(), epoch)
	}
}

func TestConnectSpawnsOnceAndBacksOffQuadratically(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	t.Setenv(BinaryEnv, "/opt/objlink/objserver")

	// A stale socket file with nobody listening refuses connections.
	stale := listen(t, stateDir)
	stale.SetUnlinkOnClose(false)
	stale.Close()

	spawner := &fakeSpawner{exitCode: ExitStarting}
	fakeClock := clock.Fake(epoch)
	connector := New(Options{Clock: fakeClock, Spawner: spawner})

	result := make(chan error, 1)
	go func() {
		conn, err := connector.Connect("/", stateDir)
		if conn != nil {
			conn.Close()
		}
		result <- err
	}()

	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		fakeClock.WaitForTimers(1)
		fakeClock.Advance(time.Duration(attempt*attempt) * DefaultBackoffBase)
	}
	err := testutil.RequireReceive(t, result, 10*time.Second, "Connect did not give up")

	bootstrapErr := requireBootstrapError(t, err)
	if !strings.Contains(bootstrapErr.Reason, "did not start listening") {
		t.Errorf("reason = %q", bootstrapErr.Reason)
	}
	if !errors.Is(err, unix.ECONNREFUSED) {
		t.Errorf("error does not carry the last dial failure: %v", err)
	}
	if spawner.callCount() != 1 {
		t.Errorf("spawn calls = %d, want exactly 1", spawner.callCount())
	}

	want := []time.Duration{
		1 * DefaultBackoffBase,
		4 * DefaultBackoffBase,
		9 * DefaultBackoffBase,
		16 * DefaultBackoffBase,
		25 * DefaultBackoffBase,
	}
	if got := fakeClock.Requested(); !slices.Equal(got, want) {
		t.Errorf("backoff schedule = %v, want %v", got, want)
	}

	// A second Connect on the same connector never spawns again.
	connector.options.MaxAttempts = 1
	if _, err := connector.Connect("/", stateDir); err == nil {
		t.Fatal("second Connect succeeded with nothing listening")
	}
	if spawner.callCount() != 1 {
		t.Errorf("spawn calls after second Connect = %d, want 1", spawner.callCount())
	}
}

func TestConnectBackoffEndsWhenSocketAppears(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	fakeClock := clock.Fake(epoch)
	connector := New(Options{
		Clock:            fakeClock,
		BackoffBase:      time.Hour,
		DisableAutoStart: true,
	})

	result := make(chan error, 1)
	go func() {
		conn, err := connector.Connect("/", stateDir)
		if conn != nil {
			conn.Close()
		}
		result <- err
	}()

	fakeClock.WaitForTimers(1)
	listen(t, stateDir)

	if err := testutil.RequireReceive(t, result, 10*time.Second, "inotify did not end the backoff"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectCoordinatorStartupFails(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	t.Setenv(BinaryEnv, "/opt/objlink/objserver")
	spawner := &fakeSpawner{exitCode: 1}

	_, err := New(Options{Clock: clock.Fake(epoch), Spawner: spawner}).Connect("/", stateDir)
	bootstrapErr := requireBootstrapError(t, err)
	if !strings.Contains(bootstrapErr.Reason, "status 1") {
		t.Errorf("reason = %q", bootstrapErr.Reason)
	}
	if bootstrapErr.Hint() == "" {
		t.Error("no hint")
	}
}

func TestConnectSpawnerCannotRun(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	t.Setenv(BinaryEnv, "/opt/objlink/objserver")
	cause := errors.New("exec format error")
	spawner := &fakeSpawner{err: cause}

	_, err := New(Options{Clock: clock.Fake(epoch), Spawner: spawner}).Connect("/", stateDir)
	requireBootstrapError(t, err)
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want it to wrap %v", err, cause)
	}
}

func TestConnectUnexpectedDialError(t *testing.T) {
	// A regular file where the state directory should be.
	stateDir := filepath.Join(testutil.SocketDir(t), "not-a-directory")
	if err := os.WriteFile(stateDir, nil, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	spawner := &fakeSpawner{}

	_, err := New(Options{Clock: clock.Fake(epoch), Spawner: spawner}).Connect("/", stateDir)
	bootstrapErr := requireBootstrapError(t, err)
	if !strings.Contains(bootstrapErr.Reason, "cannot connect") {
		t.Errorf("reason = %q", bootstrapErr.Reason)
	}
	if spawner.callCount() != 0 {
		t.Error("spawned the coordinator for a non-absence error")
	}
}

func TestDiagnoseNeverStarted(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	if err := os.WriteFile(filepath.Join(stateDir, LockName), nil, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	exitCode := 1
	record := SpawnRecord{SpawnerPID: 77, Binary: "/bin/objserver", WorkingDir: "/", StartedAt: epoch.UnixNano(), ExitCode: &exitCode}
	if err := WriteSpawnRecord(filepath.Join(stateDir, RecordName), record); err != nil {
		t.Fatalf("WriteSpawnRecord: %v", err)
	}

	_, err := New(Options{
		Clock:            clock.Fake(epoch.Add(time.Minute)),
		MaxAttempts:      1,
		DisableAutoStart: true,
	}).Connect("/", stateDir)

	bootstrapErr := requireBootstrapError(t, err)
	if !strings.Contains(bootstrapErr.Hint(), "never started") {
		t.Errorf("hint = %q", bootstrapErr.Hint())
	}
	if !strings.Contains(bootstrapErr.Hint(), "process 77") {
		t.Errorf("hint does not mention the recent spawn: %q", bootstrapErr.Hint())
	}
}

func TestDiagnoseStaleSpawnRecordOmitted(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	record := SpawnRecord{SpawnerPID: 77, Binary: "/bin/objserver", StartedAt: epoch.UnixNano()}
	if err := WriteSpawnRecord(filepath.Join(stateDir, RecordName), record); err != nil {
		t.Fatalf("WriteSpawnRecord: %v", err)
	}

	_, err := New(Options{
		Clock:            clock.Fake(epoch.Add(time.Hour)),
		MaxAttempts:      1,
		DisableAutoStart: true,
	}).Connect("/", stateDir)

	if hint := requireBootstrapError(t, err).Hint(); strings.Contains(hint, "process 77") {
		t.Errorf("hint mentions a stale spawn: %q", hint)
	}
}

func TestDiagnoseLockHeld(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	holder, err := os.OpenFile(filepath.Join(stateDir, LockName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer holder.Close()
	lock := unix.Flock_t{Type: unix.F_WRLCK}
	if err := unix.FcntlFlock(holder.Fd(), unix.F_OFD_SETLK, &lock); err != nil {
		t.Skipf("open file description locks unavailable: %v", err)
	}

	_, err = New(Options{MaxAttempts: 1, DisableAutoStart: true}).Connect("/", stateDir)
	bootstrapErr := requireBootstrapError(t, err)
	if !strings.Contains(bootstrapErr.Reason, "held by another open file description") {
		t.Errorf("reason = %q", bootstrapErr.Reason)
	}
}

func TestDiagnoseLocksUnsupported(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	connector := New(Options{Clock: clock.Fake(epoch), MaxAttempts: 1, DisableAutoStart: true})
	var inspected string
	connector.probeLock = func(directory string) (LockProbe, error) {
		inspected = directory
		return LockProbe{State: LockUnsupported, Err: unix.ENOLCK}, nil
	}

	_, err := connector.Connect("/", stateDir)
	bootstrapErr := requireBootstrapError(t, err)
	if inspected != stateDir {
		t.Errorf("inspected lock in %q, want %q", inspected, stateDir)
	}
	if !strings.Contains(bootstrapErr.Reason, "does not support advisory locks") {
		t.Errorf("reason = %q", bootstrapErr.Reason)
	}
	if !strings.Contains(bootstrapErr.Hint(), "local filesystem") {
		t.Errorf("hint = %q", bootstrapErr.Hint())
	}
	if !errors.Is(err, unix.ENOLCK) {
		t.Errorf("error does not carry the lock failure: %v", err)
	}
	if !errors.Is(err, unix.ENOENT) {
		t.Errorf("error does not carry the last dial failure: %v", err)
	}
}

func TestDiagnoseLockUninspectable(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	cause := errors.New("permission denied")
	connector := New(Options{Clock: clock.Fake(epoch), MaxAttempts: 1, DisableAutoStart: true})
	connector.probeLock = func(string) (LockProbe, error) { return LockProbe{}, cause }

	_, err := connector.Connect("/", stateDir)
	bootstrapErr := requireBootstrapError(t, err)
	if !strings.Contains(bootstrapErr.Reason, "cannot be inspected") {
		t.Errorf("reason = %q", bootstrapErr.Reason)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want it to wrap %v", err, cause)
	}
}

func TestProbeLock(t *testing.T) {
	stateDir := testutil.SocketDir(t)

	probe, err := ProbeLock(stateDir)
	if err != nil || probe.State != LockMissing {
		t.Fatalf("ProbeLock without lock file = %+v, %v; want missing", probe, err)
	}

	lockPath := filepath.Join(stateDir, LockName)
	if err := os.WriteFile(lockPath, nil, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	probe, err = ProbeLock(stateDir)
	if err != nil || probe.State != LockFree {
		t.Fatalf("ProbeLock on unlocked file = %+v, %v; want free", probe, err)
	}

	holder, err := os.OpenFile(lockPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer holder.Close()
	lock := unix.Flock_t{Type: unix.F_WRLCK}
	if err := unix.FcntlFlock(holder.Fd(), unix.F_OFD_SETLK, &lock); err != nil {
		t.Skipf("open file description locks unavailable: %v", err)
	}
	probe, err = ProbeLock(stateDir)
	if err != nil || probe.State != LockHeld {
		t.Fatalf("ProbeLock on held file = %+v, %v; want held", probe, err)
	}
	if probe.HolderPID != -1 {
		t.Errorf("holder pid = %d, want -1 for an open file description lock", probe.HolderPID)
	}
}

func TestLocateBinary(t *testing.T) {
	searchDir := t.TempDir()
	installed := filepath.Join(searchDir, "objserver-test")
	if err := os.WriteFile(installed, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	lookPath := func(name string) (string, error) { return "/usr/bin/" + name, nil }

	t.Run("override", func(t *testing.T) {
		t.Setenv(BinaryEnv, "/custom/objserver")
		binary, err := New(Options{ServerBinary: "objserver-test", SearchDirs: []string{searchDir}}).locateBinary()
		if err != nil || binary != "/custom/objserver" {
			t.Errorf("locateBinary = %q, %v", binary, err)
		}
	})
	t.Run("absolute", func(t *testing.T) {
		t.Setenv(BinaryEnv, "")
		binary, err := New(Options{ServerBinary: "/abs/objserver"}).locateBinary()
		if err != nil || binary != "/abs/objserver" {
			t.Errorf("locateBinary = %q, %v", binary, err)
		}
	})
	t.Run("search dir", func(t *testing.T) {
		t.Setenv(BinaryEnv, "")
		binary, err := New(Options{ServerBinary: "objserver-test", SearchDirs: []string{searchDir}, LookPath: lookPath}).locateBinary()
		if err != nil || binary != installed {
			t.Errorf("locateBinary = %q, %v; want %q", binary, err, installed)
		}
	})
	t.Run("path", func(t *testing.T) {
		t.Setenv(BinaryEnv, "")
		binary, err := New(Options{ServerBinary: "objserver-elsewhere", LookPath: lookPath}).locateBinary()
		if err != nil || binary != "/usr/bin/objserver-elsewhere" {
			t.Errorf("locateBinary = %q, %v", binary, err)
		}
	})
	t.Run("missing", func(t *testing.T) {
		t.Setenv(BinaryEnv, "")
		missing := func(name string) (string, error) { return "", errors.New("not found") }
		if _, err := New(Options{ServerBinary: "objserver-nowhere", LookPath: missing}).locateBinary(); err == nil {
			t.Error("locateBinary found a missing binary")
		}
	})
}

func TestExecSpawner(t *testing.T) {
	directory := t.TempDir()
	script := filepath.Join(directory, "objserver")
	content := "#!/bin/sh\npwd > \"$0.cwd\"\nexit 2\n"
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	workingDir := t.TempDir()

	exitCode, err := ExecSpawner{}.Spawn(script, workingDir)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if exitCode != ExitStarting {
		t.Errorf("exit code = %d, want %d", exitCode, ExitStarting)
	}
	recorded, err := os.ReadFile(script + ".cwd")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(recorded)) != workingDir {
		t.Errorf("coordinator ran in %q, want %q", strings.TrimSpace(string(recorded)), workingDir)
	}

	if _, err := (ExecSpawner{}).Spawn(filepath.Join(directory, "missing"), workingDir); err == nil {
		t.Error("Spawn of a missing binary succeeded")
	}
}

func TestEventsName(t *testing.T) {
	event := func(name string, padded int) []byte {
		buffer := make([]byte, unix.SizeofInotifyEvent+padded)
		binary.NativeEndian.PutUint32(buffer[12:16], uint32(padded))
		copy(buffer[unix.SizeofInotifyEvent:], name)
		return buffer
	}
	buffer := append(event("lock", 16), event("socket", 16)...)

	if !eventsName(buffer, "socket") {
		t.Error("second event not found")
	}
	if eventsName(buffer, "sock") {
		t.Error("prefix matched")
	}
	if eventsName(buffer[:len(buffer)-4], "socket") {
		t.Error("truncated event matched")
	}
}

func TestSocketWatchLatchesCreation(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	watch, err := watchSocket(stateDir)
	if err != nil {
		t.Fatalf("watchSocket: %v", err)
	}
	defer watch.Close()

	// Other files are ignored.
	if err := os.WriteFile(filepath.Join(stateDir, LockName), nil, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case <-watch.Created():
		t.Fatal("lock file creation reported as the socket")
	case <-time.After(50 * time.Millisecond):
	}

	// Nobody is waiting when the socket appears; it is still reported.
	listen(t, stateDir)
	testutil.RequireReceive(t, watch.Created(), 10*time.Second, "socket creation was not reported")
}

func TestSocketWatchMissingDirectory(t *testing.T) {
	if _, err := watchSocket(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("watchSocket succeeded on a missing directory")
	}
}

func TestConnectWatchesAcrossBackoffs(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	fakeClock := clock.Fake(epoch)
	connector := New(Options{
		Clock:            fakeClock,
		BackoffBase:      time.Hour,
		DisableAutoStart: true,
	})

	result := make(chan error, 1)
	go func() {
		conn, err := connector.Connect("/", stateDir)
		if conn != nil {
			conn.Close()
		}
		result <- err
	}()

	// Let the first backoff expire; the socket then appears during the
	// second one, which the same watch reports.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Hour)
	fakeClock.WaitForTimers(1)
	listen(t, stateDir)

	if err := testutil.RequireReceive(t, result, 10*time.Second, "second backoff did not end"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestSpawnRecordFingerprintsBinary(t *testing.T) {
	stateDir := testutil.SocketDir(t)
	binaryPath := filepath.Join(t.TempDir(), DefaultBinaryName)
	if err := os.WriteFile(binaryPath, []byte("#!/bin/sh\nexit 1\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(BinaryEnv, binaryPath)

	spawner := &fakeSpawner{exitCode: 1}
	_, err := New(Options{Clock: clock.Fake(epoch), Spawner: spawner}).Connect("/", stateDir)
	var bootstrapErr *BootstrapError
	if !errors.As(err, &bootstrapErr) {
		t.Fatalf("Connect = %v, want *BootstrapError", err)
	}

	record, err := ReadSpawnRecord(filepath.Join(stateDir, RecordName))
	if err != nil {
		t.Fatalf("ReadSpawnRecord: %v", err)
	}
	digest, err := binhash.HashFile(binaryPath)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if record.BinaryDigest != binhash.FormatDigest(digest) {
		t.Errorf("record digest = %q, want %q", record.BinaryDigest, binhash.FormatDigest(digest))
	}
	if description := record.describe(); !strings.Contains(description, "(build "+binhash.ShortDigest(record.BinaryDigest)+")") {
		t.Errorf("description %q does not name the build", description)
	}
}
