// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/objlink/lib/binhash"
	"github.com/bureau-foundation/objlink/lib/codec"
)

// RecordName is the spawn record inside the state directory.
const RecordName = "spawn.cbor"

// SpawnRecord describes the most recent coordinator spawn attempt made
// by any client using a state directory. It is written before the
// coordinator runs and rewritten with its exit code afterwards, so a
// record without an exit code names a spawn that never finished.
type SpawnRecord struct {
	SpawnerPID int    `cbor:"spawner_pid"`
	Binary     string `cbor:"binary"`
	WorkingDir string `cbor:"working_dir"`
	StartedAt  int64  `cbor:"started_at"`
	ExitCode   *int   `cbor:"exit_code,omitempty"`

	// BinaryDigest is the hex BLAKE3 digest of Binary at spawn time,
	// empty when it could not be read.
	BinaryDigest string `cbor:"binary_digest,omitempty"`
}

// Started returns StartedAt as a time.
func (r SpawnRecord) Started() time.Time { return time.Unix(0, r.StartedAt) }

// WriteSpawnRecord atomically replaces the spawn record at path: the
// record goes to a temporary file in the same directory, is fsynced,
// and is renamed into place. Readers never see a partial record.
func WriteSpawnRecord(path string, record SpawnRecord) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding spawn record: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary spawn record: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary spawn record: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary spawn record: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary spawn record: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming spawn record into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// ReadSpawnRecord reads the spawn record at path. A missing file
// returns an error wrapping os.ErrNotExist.
func ReadSpawnRecord(path string) (SpawnRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SpawnRecord{}, err
	}
	var record SpawnRecord
	if err := codec.Unmarshal(data, &record); err != nil {
		return SpawnRecord{}, fmt.Errorf("parsing spawn record %s: %w", path, err)
	}
	return record, nil
}

// recentSpawnRecord returns the record at path when it exists, parses,
// and was started within maxAge of now.
func recentSpawnRecord(path string, now time.Time, maxAge time.Duration) (SpawnRecord, bool) {
	record, err := ReadSpawnRecord(path)
	if err != nil {
		return SpawnRecord{}, false
	}
	if now.Sub(record.Started()) > maxAge {
		return SpawnRecord{}, false
	}
	return record, true
}

// describe renders the record for a diagnostic hint.
func (r SpawnRecord) describe() string {
	outcome := "had not exited"
	if r.ExitCode != nil {
		outcome = fmt.Sprintf("exited with status %d", *r.ExitCode)
	}
	binary := r.Binary
	if r.BinaryDigest != "" {
		binary += " (build " + binhash.ShortDigest(r.BinaryDigest) + ")"
	}
	return fmt.Sprintf("process %d started %s in %s at %s; it %s",
		r.SpawnerPID, binary, r.WorkingDir, r.Started().Format(time.RFC3339), outcome)
}
