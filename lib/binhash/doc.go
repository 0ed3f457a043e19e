// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash fingerprints executables with BLAKE3.
//
// The connector records the digest of the coordinator binary it spawns
// so a failed startup can be traced to an exact build, even after the
// file at that path has been replaced.
//
//   - [HashFile] streams a file through BLAKE3 with constant memory
//   - [FormatDigest] and [ParseDigest] convert to and from hex
//   - [ShortDigest] is the prefix used in log lines and hints
package binhash
