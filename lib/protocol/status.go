// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// Status is the error code carried in every reply header. Zero is
// success; everything else is an application-level failure reported
// by the coordinator after a clean exchange.
type Status uint32

const (
	StatusSuccess        Status = 0x00000000
	StatusBufferOverflow Status = 0x80000005
	StatusInvalidHandle  Status = 0xC0000008
	StatusAccessDenied   Status = 0xC0000022
	StatusNotSupported   Status = 0xC00000BB
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBufferOverflow:
		return "buffer overflow"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusAccessDenied:
		return "access denied"
	case StatusNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("status 0x%08x", uint32(s))
	}
}

// StatusError is a non-success [Status] returned for a request. It is
// the only error kind callers are expected to handle and recover from.
type StatusError struct {
	Kind   Kind
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Status)
}

// Err returns nil for success and a *StatusError otherwise.
func (s Status) Err(kind Kind) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Kind: kind, Status: s}
}
