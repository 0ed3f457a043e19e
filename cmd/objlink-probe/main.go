// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/codec"
	"github.com/bureau-foundation/objlink/lib/config"
	"github.com/bureau-foundation/objlink/lib/connector"
	"github.com/bureau-foundation/objlink/lib/lifecycle"
	"github.com/bureau-foundation/objlink/lib/process"
	"github.com/bureau-foundation/objlink/lib/protocol"
	"github.com/bureau-foundation/objlink/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// flags holds the parsed command line. Zero values leave the
// configuration untouched.
type flags struct {
	configPath  string
	stateDir    string
	attempts    int
	logFormat   string
	logLevel    string
	spawnRecord string
	resolve     []string
	noAutoStart bool
}

func parseFlags(arguments []string) (flags, *pflag.FlagSet, error) {
	var parsed flags
	flagSet := pflag.NewFlagSet("objlink-probe", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&parsed.configPath, "config", "", "path to config file (default: $OBJLINK_CONFIG, then built-in defaults)")
	flagSet.StringVar(&parsed.stateDir, "state-dir", "", "coordinator state directory (overrides paths.state)")
	flagSet.IntVar(&parsed.attempts, "attempts", 0, "connection attempts before giving up (overrides coordinator.connect_attempts)")
	flagSet.StringVar(&parsed.logFormat, "log-format", "", "log format: text or json (overrides logging.format)")
	flagSet.StringVar(&parsed.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides logging.level)")
	flagSet.StringVar(&parsed.spawnRecord, "spawn-record", "", "decode a spawn record file and exit")
	flagSet.StringSliceVar(&parsed.resolve, "resolve", nil, "handles to resolve for reading, e.g. 0x24,0x28")
	flagSet.BoolVar(&parsed.noAutoStart, "no-auto-start", false, "never spawn the coordinator")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return flags{}, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return flags{}, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return parsed, flagSet, nil
}

func run(arguments []string, stdout io.Writer) error {
	// Handle --version before flag parsing to match the other binaries.
	if len(arguments) > 0 && arguments[0] == "--version" {
		fmt.Fprintf(stdout, "objlink-probe %s\n", version.Info())
		return nil
	}

	parsed, flagSet, err := parseFlags(arguments)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stdout, flagSet)
		return nil
	}

	if parsed.spawnRecord != "" {
		return printSpawnRecord(stdout, parsed.spawnRecord)
	}

	handles, err := parseHandles(parsed.resolve)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	backoff, err := cfg.Backoff()
	if err != nil {
		return err
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining working directory: %w", err)
	}

	dialer := connector.New(connector.Options{
		Logger:           logger,
		ServerBinary:     cfg.Coordinator.Binary,
		SearchDirs:       []string{cfg.Paths.Bin},
		LookPath:         cfg.BinaryPath,
		MaxAttempts:      cfg.Coordinator.ConnectAttempts,
		BackoffBase:      backoff,
		DisableAutoStart: !cfg.Coordinator.AutoStart,
	})
	conn, err := dialer.Connect(workingDir, cfg.Paths.State)
	if err != nil {
		return err
	}
	logger.Info("connected to coordinator", "path", filepath.Join(cfg.Paths.State, connector.SocketName))

	client := lifecycle.NewProcess(conn, lifecycle.ProcessOptions{Logger: logger})
	defer client.Close()

	return client.Run(func(thread *lifecycle.Thread) error {
		logger.Info("thread registered", "pid", thread.PID(), "tid", thread.TID(), "unix_tid", thread.UnixTID())
		fmt.Fprintf(stdout, "client:      %s\n", version.Info())
		fmt.Fprintf(stdout, "state:       %s\n", cfg.Paths.State)
		fmt.Fprintf(stdout, "process id:  %#x\n", thread.PID())
		fmt.Fprintf(stdout, "thread id:   %#x (unix %d)\n", thread.TID(), thread.UnixTID())

		var failures []error
		for _, handle := range handles {
			description, err := describeHandle(thread, handle)
			if err != nil {
				fmt.Fprintf(stdout, "handle %s: %v\n", handle, err)
				failures = append(failures, err)
				continue
			}
			fmt.Fprintf(stdout, "handle %s: %s\n", handle, description)
		}
		return errors.Join(failures...)
	})
}

// loadConfig reads the config file named by --config or OBJLINK_CONFIG,
// falling back to defaults, applies flag overrides, and validates.
func loadConfig(parsed flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case parsed.configPath != "":
		cfg, err = config.LoadFile(parsed.configPath)
	case os.Getenv("OBJLINK_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if parsed.stateDir != "" {
		cfg.Paths.State = parsed.stateDir
	}
	if parsed.attempts != 0 {
		cfg.Coordinator.ConnectAttempts = parsed.attempts
	}
	if parsed.logFormat != "" {
		cfg.Logging.Format = parsed.logFormat
	}
	if parsed.logLevel != "" {
		cfg.Logging.Level = parsed.logLevel
	}
	if parsed.noAutoStart {
		cfg.Coordinator.AutoStart = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}

func parseHandles(values []string) ([]protocol.Handle, error) {
	handles := make([]protocol.Handle, 0, len(values))
	for _, value := range values {
		parsed, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid handle %q: %w", value, err)
		}
		if parsed == 0 {
			return nil, fmt.Errorf("invalid handle %q: zero is not a handle", value)
		}
		handles = append(handles, protocol.Handle(parsed))
	}
	return handles, nil
}

func describeHandle(thread *lifecycle.Thread, handle protocol.Handle) (string, error) {
	file, err := thread.ResolveFD(handle, protocol.AccessRead)
	if err != nil {
		return "", err
	}
	defer thread.ReleaseFD(file)

	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return "", fmt.Errorf("fstat: %w", err)
	}
	return fmt.Sprintf("%s, device %d, inode %d", fileType(stat.Mode), stat.Dev, stat.Ino), nil
}

func fileType(mode uint32) string {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return "regular file"
	case unix.S_IFDIR:
		return "directory"
	case unix.S_IFIFO:
		return "pipe"
	case unix.S_IFSOCK:
		return "socket"
	case unix.S_IFCHR:
		return "character device"
	case unix.S_IFBLK:
		return "block device"
	case unix.S_IFLNK:
		return "symlink"
	default:
		return fmt.Sprintf("mode %#o", mode&unix.S_IFMT)
	}
}

func printSpawnRecord(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading spawn record: %w", err)
	}
	notation, err := codec.Diagnose(data)
	if err != nil {
		return fmt.Errorf("decoding spawn record %s: %w", path, err)
	}
	fmt.Fprintln(w, notation)

	record, err := connector.ReadSpawnRecord(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "spawned by pid %d at %s: %s (in %s)\n",
		record.SpawnerPID, record.Started().UTC().Format(time.RFC3339), record.Binary, record.WorkingDir)
	if record.ExitCode != nil {
		fmt.Fprintf(w, "exit code: %d\n", *record.ExitCode)
	}
	return nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `objlink-probe: connect to the object coordinator and register a thread.

Usage:
  objlink-probe [flags]

Flags:
%s`, flagSet.FlagUsages())
}
