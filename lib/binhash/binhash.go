// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 256-bit BLAKE3 digest.
type Digest [32]byte

// HashFile computes the BLAKE3 digest of the file at path.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// FormatDigest returns the lowercase hex encoding of digest.
func FormatDigest(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// ShortDigest returns the first 12 hex characters of a formatted
// digest, or the whole string when it is shorter.
func ShortDigest(formatted string) string {
	if len(formatted) <= 12 {
		return formatted
	}
	return formatted[:12]
}

// ParseDigest parses a 64-character hex digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("hash digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
