// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration used for every piece
// of state objlink writes to disk, currently the coordinator spawn
// record.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same record always produces the same bytes. The decoder ignores
// unknown fields, letting an older client read a record written by a
// newer one.
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
package codec
