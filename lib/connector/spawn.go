// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package connector

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BinaryEnv overrides coordinator binary discovery with an explicit
// path.
const BinaryEnv = "OBJSERVER"

// DefaultBinaryName is the coordinator executable looked up when no
// override or configured name applies.
const DefaultBinaryName = "objserver"

// Exit codes of the coordinator's startup handshake.
const (
	ExitReady    = 0
	ExitStarting = 2
)

// Spawner runs the coordinator binary in workingDir and waits for it
// to exit, returning its exit code. An error means it could not be run
// at all.
type Spawner interface {
	Spawn(binary, workingDir string) (int, error)
}

// ExecSpawner runs the coordinator with os/exec. Its stdout and stderr
// are the client's.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(binary, workingDir string) (int, error) {
	cmd := exec.Command(binary)
	cmd.Dir = workingDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return ExitReady, nil
}

// locateBinary finds the coordinator executable. The BinaryEnv
// override wins; then an absolute configured binary; then the
// configured name in each search directory, then next to the running
// executable, then through lookPath.
func (c *Connector) locateBinary() (string, error) {
	if override := os.Getenv(BinaryEnv); override != "" {
		return override, nil
	}

	name := c.options.ServerBinary
	if name == "" {
		name = DefaultBinaryName
	}
	if filepath.IsAbs(name) {
		return name, nil
	}

	directories := append([]string(nil), c.options.SearchDirs...)
	if executable, err := os.Executable(); err == nil {
		directories = append(directories, filepath.Dir(executable))
	}
	for _, directory := range directories {
		candidate := filepath.Join(directory, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	path, err := c.options.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in %v or PATH: %w", name, directories, err)
	}
	return path, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}
