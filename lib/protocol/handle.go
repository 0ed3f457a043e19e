// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Handle is an opaque, process-scoped object identifier minted by the
// coordinator. The client never interprets the value.
type Handle uint32

func (h Handle) String() string { return fmt.Sprintf("0x%04x", uint32(h)) }

// Access is the access mask requested for or granted on a handle.
type Access uint32

const (
	AccessRead    Access = 1 << 0
	AccessWrite   Access = 1 << 1
	AccessExecute Access = 1 << 2
)

// Covers reports whether every bit of want is present in a.
func (a Access) Covers(want Access) bool { return a&want == want }

// FDHandoffSize is the payload size of a client→coordinator descriptor
// message.
const FDHandoffSize = 8

// FDTagSize is the payload size of a coordinator→client descriptor
// message.
const FDTagSize = 4

// FDHandoff accompanies a descriptor sent to the coordinator: the
// sending thread and the descriptor's number in the client process, so
// the coordinator can match it against a later request that refers to
// that number.
type FDHandoff struct {
	ThreadID int32
	FD       int32
}

// Bytes returns the wire encoding of h.
func (h FDHandoff) Bytes() []byte {
	buffer := make([]byte, FDHandoffSize)
	binary.NativeEndian.PutUint32(buffer[0:4], uint32(h.ThreadID))
	binary.NativeEndian.PutUint32(buffer[4:8], uint32(h.FD))
	return buffer
}

// DecodeFDHandoff parses an [FDHandoff]. Coordinator side.
func DecodeFDHandoff(buffer []byte) (FDHandoff, error) {
	if len(buffer) != FDHandoffSize {
		return FDHandoff{}, fmt.Errorf("fd handoff is %d bytes, want %d", len(buffer), FDHandoffSize)
	}
	return FDHandoff{
		ThreadID: int32(binary.NativeEndian.Uint32(buffer[0:4])),
		FD:       int32(binary.NativeEndian.Uint32(buffer[4:8])),
	}, nil
}

// EncodeFDTag returns the payload of a coordinator→client descriptor
// message. The tag is the canonical handle the descriptor belongs to,
// or the protocol version for the initial request-channel handoff.
func EncodeFDTag(tag uint32) []byte {
	buffer := make([]byte, FDTagSize)
	binary.NativeEndian.PutUint32(buffer, tag)
	return buffer
}

// DecodeFDTag parses the payload of a coordinator→client descriptor
// message.
func DecodeFDTag(buffer []byte) (uint32, error) {
	if len(buffer) != FDTagSize {
		return 0, fmt.Errorf("fd tag is %d bytes, want %d", len(buffer), FDTagSize)
	}
	return binary.NativeEndian.Uint32(buffer), nil
}
