// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package connector

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/objlink/lib/binhash"
	"github.com/bureau-foundation/objlink/lib/clock"
)

const (
	// DefaultMaxAttempts bounds connection attempts.
	DefaultMaxAttempts = 6

	// DefaultBackoffBase is multiplied by attempt² between attempts.
	DefaultBackoffBase = 100 * time.Millisecond

	// spawnRecordMaxAge is how old a spawn record may be and still
	// be mentioned in a diagnosis.
	spawnRecordMaxAge = 5 * time.Minute
)

// Options configures a Connector. Zero fields take defaults.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// ServerBinary is the coordinator executable: an absolute path, or
	// a name searched for in SearchDirs, next to the running
	// executable, then via LookPath. Default: objserver.
	ServerBinary string
	SearchDirs   []string

	// LookPath is the last step of binary discovery. Default:
	// exec.LookPath.
	LookPath func(string) (string, error)

	MaxAttempts int
	BackoffBase time.Duration

	// Spawner runs the coordinator. Default: ExecSpawner.
	Spawner Spawner

	// DisableAutoStart keeps the connector from ever spawning the
	// coordinator.
	DisableAutoStart bool
}

// Connector establishes the coordinator connection. The coordinator is
// spawned at most once over the Connector's lifetime, which is the
// process lifetime in normal use.
type Connector struct {
	options Options
	logger  *slog.Logger

	// probeLock inspects the state directory's lock when the
	// coordinator stays unreachable.
	probeLock func(stateDir string) (LockProbe, error)

	mu      sync.Mutex
	spawned bool
}

// New returns a Connector with defaults applied to options.
func New(options Options) *Connector {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.LookPath == nil {
		options.LookPath = exec.LookPath
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	if options.BackoffBase <= 0 {
		options.BackoffBase = DefaultBackoffBase
	}
	if options.Spawner == nil {
		options.Spawner = ExecSpawner{}
	}
	return &Connector{options: options, logger: options.Logger, probeLock: ProbeLock}
}

// Connect returns a close-on-exec connection to the coordinator
// listening in stateDir. previousWorkingDir is where the caller was
// before any directory change and becomes the coordinator's working
// directory if it has to be spawned. Every error is a
// *BootstrapError.
func (c *Connector) Connect(previousWorkingDir, stateDir string) (*net.UnixConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	socketPath := filepath.Join(stateDir, SocketName)
	var (
		lastErr error
		watch   *socketWatch
	)
	defer func() {
		if watch != nil {
			watch.Close()
		}
	}()
	for attempt := 0; attempt < c.options.MaxAttempts; attempt++ {
		if attempt > 0 {
			watch = c.backoff(stateDir, watch, time.Duration(attempt*attempt)*c.options.BackoffBase)
		}

		conn, err := dial(stateDir)
		if err == nil {
			c.logger.Debug("connected to coordinator", "path", socketPath, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		if !absent(err) {
			return nil, &BootstrapError{
				Reason: fmt.Sprintf("cannot connect to coordinator socket %s", socketPath),
				Remedy: "Check the state directory's ownership and permissions: ls -la " + stateDir,
				Err:    err,
			}
		}
		c.logger.Debug("coordinator socket not ready", "path", socketPath, "attempt", attempt, "error", err)

		if c.spawned || c.options.DisableAutoStart {
			continue
		}
		c.spawned = true

		exitCode, err := c.spawn(previousWorkingDir, stateDir)
		if err != nil {
			return nil, err
		}
		switch exitCode {
		case ExitReady:
			conn, err := dial(stateDir)
			if err == nil {
				c.logger.Debug("connected to spawned coordinator", "path", socketPath)
				return conn, nil
			}
			lastErr = err
		case ExitStarting:
			c.logger.Info("another coordinator instance is starting", "state_dir", stateDir)
		default:
			return nil, &BootstrapError{
				Reason: fmt.Sprintf("coordinator exited with status %d during startup", exitCode),
				Remedy: "Run the coordinator by hand to see its error output, or set " + BinaryEnv + " to a working build.",
			}
		}
	}
	return nil, c.diagnose(stateDir, lastErr)
}

// backoff waits for delay or until the socket is created, whichever
// comes first, and returns the watch for the next backoff. The watch is
// installed on first use; until the state directory exists there is
// none and backoff sleeps. A socket file that already exists (stale or
// not yet listening) does not end the wait, but one created since the
// previous backoff does.
func (c *Connector) backoff(stateDir string, watch *socketWatch, delay time.Duration) *socketWatch {
	if watch == nil {
		var err error
		watch, err = watchSocket(stateDir)
		if err != nil {
			c.logger.Debug("cannot watch state directory, sleeping instead", "state_dir", stateDir, "error", err)
			c.options.Clock.Sleep(delay)
			return nil
		}
	}

	select {
	case <-watch.Created():
		c.logger.Debug("coordinator socket created", "state_dir", stateDir)
	case <-c.options.Clock.After(delay):
	}
	return watch
}

// spawn runs the coordinator and returns its exit code. Failure to
// run it at all is a BootstrapError.
func (c *Connector) spawn(previousWorkingDir, stateDir string) (int, error) {
	binary, err := c.locateBinary()
	if err != nil {
		return -1, &BootstrapError{
			Reason: "cannot locate the coordinator binary",
			Remedy: "Install " + DefaultBinaryName + " next to this program or on PATH, or set " + BinaryEnv + " to its full path.",
			Err:    err,
		}
	}

	recordPath := filepath.Join(stateDir, RecordName)
	record := SpawnRecord{
		SpawnerPID: os.Getpid(),
		Binary:     binary,
		WorkingDir: previousWorkingDir,
		StartedAt:  c.options.Clock.Now().UnixNano(),
	}
	if digest, err := binhash.HashFile(binary); err == nil {
		record.BinaryDigest = binhash.FormatDigest(digest)
	} else {
		c.logger.Debug("coordinator binary not fingerprinted", "binary", binary, "error", err)
	}
	c.writeRecord(recordPath, record)

	c.logger.Info("starting coordinator", "binary", binary, "build", binhash.ShortDigest(record.BinaryDigest), "dir", previousWorkingDir, "state_dir", stateDir)
	exitCode, err := c.options.Spawner.Spawn(binary, previousWorkingDir)
	if err != nil {
		return -1, &BootstrapError{
			Reason: fmt.Sprintf("cannot run coordinator %s", binary),
			Remedy: "Check that " + binary + " is executable and built for this machine.",
			Err:    err,
		}
	}
	record.ExitCode = &exitCode
	c.writeRecord(recordPath, record)
	c.logger.Info("coordinator startup finished", "binary", binary, "exit_code", exitCode)
	return exitCode, nil
}

// writeRecord persists the spawn record. It is diagnostic only: the
// state directory may not exist until the coordinator creates it.
func (c *Connector) writeRecord(path string, record SpawnRecord) {
	if err := WriteSpawnRecord(path, record); err != nil {
		c.logger.Debug("spawn record not written", "path", path, "error", err)
	}
}

// diagnose explains exhausted attempts using the lock file.
func (c *Connector) diagnose(stateDir string, lastErr error) error {
	socketPath := filepath.Join(stateDir, SocketName)
	lockPath := filepath.Join(stateDir, LockName)

	spawnNote := ""
	if record, ok := recentSpawnRecord(filepath.Join(stateDir, RecordName), c.options.Clock.Now(), spawnRecordMaxAge); ok {
		spawnNote = "\nLast spawn: " + record.describe() + "."
	}

	probe, err := c.probeLock(stateDir)
	if err != nil {
		return &BootstrapError{
			Reason: fmt.Sprintf("coordinator unreachable at %s and its lock file cannot be inspected", socketPath),
			Remedy: "Check permissions on " + lockPath + "." + spawnNote,
			Err:    errors.Join(lastErr, err),
		}
	}

	c.logger.Error("coordinator unreachable", "path", socketPath, "attempts", c.options.MaxAttempts, "lock", probe.State.String())

	switch probe.State {
	case LockFree, LockMissing:
		remedy := "The coordinator never started."
		if c.options.DisableAutoStart {
			remedy += " Automatic startup is disabled; start " + DefaultBinaryName + " for this state directory first."
		} else {
			remedy += " Run the coordinator by hand to see why it fails, or set " + BinaryEnv + " to a working build."
		}
		return &BootstrapError{
			Reason: fmt.Sprintf("coordinator did not start listening on %s after %d attempts", socketPath, c.options.MaxAttempts),
			Remedy: remedy + spawnNote,
			Err:    lastErr,
		}
	case LockHeld:
		holder := "another open file description"
		if probe.HolderPID > 0 {
			holder = fmt.Sprintf("process %d", probe.HolderPID)
		}
		return &BootstrapError{
			Reason: fmt.Sprintf("coordinator lock %s is held by %s but nothing is listening on %s", lockPath, holder, socketPath),
			Remedy: "A coordinator is running but not accepting connections. Find the holder with: fuser -v " + lockPath +
				"\nStop it, then retry." + spawnNote,
			Err: lastErr,
		}
	default:
		return &BootstrapError{
			Reason: fmt.Sprintf("the filesystem holding %s does not support advisory locks", stateDir),
			Remedy: "Place the state directory on a local filesystem (for example under /tmp or $XDG_RUNTIME_DIR).",
			Err:    errors.Join(lastErr, probe.Err),
		}
	}
}
