// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Version is the protocol revision this client speaks. The coordinator
// reports its own revision when handing over the first request channel
// and again in the [InitThreadReply]; any difference is fatal.
const Version uint32 = 871

const (
	// RequestHeaderSize is the fixed size of every request header.
	RequestHeaderSize = 64

	// ReplyHeaderSize is the fixed size of every reply header.
	ReplyHeaderSize = 64

	// RequestFixedSize is the room left for kind-specific fields in a
	// request header after kind, request_size and reply_size.
	RequestFixedSize = RequestHeaderSize - 12

	// ReplyFixedSize is the room left for kind-specific fields in a
	// reply header after error and reply_size.
	ReplyFixedSize = ReplyHeaderSize - 8

	// MaxPayloadSize bounds both the trailing request data and the
	// reply payload. A header announcing more is a protocol violation.
	MaxPayloadSize = 1 << 24
)

// RequestHeader is the fixed-size prefix of every request.
type RequestHeader struct {
	Kind Kind

	// RequestSize is the sum of the lengths of the trailing segments.
	RequestSize uint32

	// ReplySize is the capacity of the buffer the client will read
	// the reply payload into.
	ReplySize uint32

	Fixed [RequestFixedSize]byte
}

// Bytes returns the wire encoding of h.
func (h *RequestHeader) Bytes() []byte {
	buffer := make([]byte, RequestHeaderSize)
	binary.NativeEndian.PutUint32(buffer[0:4], uint32(h.Kind))
	binary.NativeEndian.PutUint32(buffer[4:8], h.RequestSize)
	binary.NativeEndian.PutUint32(buffer[8:12], h.ReplySize)
	copy(buffer[12:], h.Fixed[:])
	return buffer
}

// DecodeRequestHeader parses a request header. Used by the coordinator
// side of the protocol (and its test double).
func DecodeRequestHeader(buffer []byte) (RequestHeader, error) {
	if len(buffer) != RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("request header is %d bytes, want %d", len(buffer), RequestHeaderSize)
	}
	var header RequestHeader
	header.Kind = Kind(binary.NativeEndian.Uint32(buffer[0:4]))
	header.RequestSize = binary.NativeEndian.Uint32(buffer[4:8])
	header.ReplySize = binary.NativeEndian.Uint32(buffer[8:12])
	copy(header.Fixed[:], buffer[12:])
	return header, nil
}

// ReplyHeader is the fixed-size prefix of every reply.
type ReplyHeader struct {
	Status Status

	// ReplySize is the length of the payload following the header.
	ReplySize uint32

	Fixed [ReplyFixedSize]byte
}

// Bytes returns the wire encoding of h.
func (h *ReplyHeader) Bytes() []byte {
	buffer := make([]byte, ReplyHeaderSize)
	binary.NativeEndian.PutUint32(buffer[0:4], uint32(h.Status))
	binary.NativeEndian.PutUint32(buffer[4:8], h.ReplySize)
	copy(buffer[8:], h.Fixed[:])
	return buffer
}

// DecodeReplyHeader parses a reply header.
func DecodeReplyHeader(buffer []byte) (ReplyHeader, error) {
	if len(buffer) != ReplyHeaderSize {
		return ReplyHeader{}, fmt.Errorf("reply header is %d bytes, want %d", len(buffer), ReplyHeaderSize)
	}
	var header ReplyHeader
	header.Status = Status(binary.NativeEndian.Uint32(buffer[0:4]))
	header.ReplySize = binary.NativeEndian.Uint32(buffer[4:8])
	copy(header.Fixed[:], buffer[8:])
	return header, nil
}

// Reply is a completed exchange: the header and the payload, which
// aliases the caller's reply buffer.
type Reply struct {
	Header ReplyHeader
	Data   []byte
}

// fields reads and writes consecutive 32-bit words of a fixed area.
type fields []byte

func (f fields) put(index int, value uint32) {
	binary.NativeEndian.PutUint32(f[index*4:index*4+4], value)
}

func (f fields) get(index int) uint32 {
	return binary.NativeEndian.Uint32(f[index*4 : index*4+4])
}
