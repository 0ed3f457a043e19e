// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
)

// Kind identifies a request type. The numbering is owned by the
// coordinator's versioned schema; this package names only the kinds
// the client runtime issues on its own behalf.
type Kind int32

const (
	KindInitThread  Kind = 1
	KindNewThread   Kind = 2
	KindGetHandleFD Kind = 3
	KindCloseHandle Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindInitThread:
		return "init_thread"
	case KindNewThread:
		return "new_thread"
	case KindGetHandleFD:
		return "get_handle_fd"
	case KindCloseHandle:
		return "close_handle"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Request is one request kind. The codec calls EncodeFixed with a
// zeroed slice of exactly [RequestFixedSize] bytes and sends Segments
// after the header, in order. Segments may be empty.
type Request interface {
	Kind() Kind
	EncodeFixed(fixed []byte)
	Segments() [][]byte
}

// NewRequestHeader builds the header for request, announcing
// replyCapacity as the reply buffer size. Returns an error when the
// trailing data exceeds [MaxPayloadSize].
func NewRequestHeader(request Request, replyCapacity int) (RequestHeader, error) {
	var total int
	for _, segment := range request.Segments() {
		total += len(segment)
	}
	if total > MaxPayloadSize {
		return RequestHeader{}, fmt.Errorf("%s: %d bytes of request data exceeds %d", request.Kind(), total, MaxPayloadSize)
	}
	if replyCapacity < 0 || replyCapacity > MaxPayloadSize {
		return RequestHeader{}, fmt.Errorf("%s: reply capacity %d out of range", request.Kind(), replyCapacity)
	}
	header := RequestHeader{
		Kind:        request.Kind(),
		RequestSize: uint32(total),
		ReplySize:   uint32(replyCapacity),
	}
	request.EncodeFixed(header.Fixed[:])
	return header, nil
}

// Generic carries a request kind this package does not model. Fixed is
// copied verbatim into the header.
type Generic struct {
	RequestKind Kind
	Fixed       [RequestFixedSize]byte
	Data        [][]byte
}

func (g *Generic) Kind() Kind { return g.RequestKind }
func (g *Generic) EncodeFixed(fixed []byte) { copy(fixed, g.Fixed[:]) }
func (g *Generic) Segments() [][]byte { return g.Data }

// InitThread registers the calling OS thread with the coordinator.
// ReplyFD and WaitFD are the client-side numbers of the pipe write ends
// that were pushed over the socket beforehand; the coordinator matches
// them against the descriptors it received from the same thread.
type InitThread struct {
	UnixPID int32
	UnixTID int32
	ReplyFD int32
	WaitFD  int32

	// EnvSize is the size of the inherited environment block, recorded
	// by the coordinator for the process.
	EnvSize uint32
}

func (r *InitThread) Kind() Kind { return KindInitThread }

func (r *InitThread) EncodeFixed(fixed []byte) {
	f := fields(fixed)
	f.put(0, uint32(r.UnixPID))
	f.put(1, uint32(r.UnixTID))
	f.put(2, uint32(r.ReplyFD))
	f.put(3, uint32(r.WaitFD))
	f.put(4, r.EnvSize)
}

func (r *InitThread) Segments() [][]byte { return nil }

// InitThreadReply is the typed reply to [InitThread].
type InitThreadReply struct {
	// PID and TID are the coordinator-assigned identifiers for the
	// process and thread.
	PID uint32
	TID uint32

	// Version is the coordinator's protocol revision.
	Version uint32
}

// DecodeInitThread extracts the [InitThreadReply] fields.
func DecodeInitThread(header ReplyHeader) InitThreadReply {
	f := fields(header.Fixed[:])
	return InitThreadReply{
		PID:     f.get(0),
		TID:     f.get(1),
		Version: f.get(2),
	}
}

// Encode writes the reply fields into header. Coordinator side.
func (r InitThreadReply) Encode(header *ReplyHeader) {
	f := fields(header.Fixed[:])
	f.put(0, r.PID)
	f.put(1, r.TID)
	f.put(2, r.Version)
}

// NewThread asks the coordinator for a fresh request channel for a
// thread about to be created. The coordinator answers with the new
// thread's handle and pushes the request-pipe write end over the
// socket.
type NewThread struct {
	Suspended bool
}

func (r *NewThread) Kind() Kind { return KindNewThread }

func (r *NewThread) EncodeFixed(fixed []byte) {
	var flags uint32
	if r.Suspended {
		flags |= 1
	}
	fields(fixed).put(0, flags)
}

func (r *NewThread) Segments() [][]byte { return nil }

// NewThreadReply is the typed reply to [NewThread].
type NewThreadReply struct {
	Handle Handle
	TID    uint32
}

// DecodeNewThread extracts the [NewThreadReply] fields.
func DecodeNewThread(header ReplyHeader) NewThreadReply {
	f := fields(header.Fixed[:])
	return NewThreadReply{Handle: Handle(f.get(0)), TID: f.get(1)}
}

// Encode writes the reply fields into header. Coordinator side.
func (r NewThreadReply) Encode(header *ReplyHeader) {
	f := fields(header.Fixed[:])
	f.put(0, uint32(r.Handle))
	f.put(1, r.TID)
}

// GetHandleFD asks for the host descriptor backing a handle.
type GetHandleFD struct {
	Handle Handle
	Access Access
}

func (r *GetHandleFD) Kind() Kind { return KindGetHandleFD }

func (r *GetHandleFD) EncodeFixed(fixed []byte) {
	f := fields(fixed)
	f.put(0, uint32(r.Handle))
	f.put(1, uint32(r.Access))
}

func (r *GetHandleFD) Segments() [][]byte { return nil }

const (
	handleFDFollowUp  = 1 << 0
	handleFDRemovable = 1 << 1
)

// GetHandleFDReply is the typed reply to [GetHandleFD]. Exactly one of
// InlineFD >= 0 or FollowUp describes where the descriptor comes from.
type GetHandleFDReply struct {
	// InlineFD is a descriptor number already valid in the client
	// process, or -1. It is transient: the client must duplicate it.
	InlineFD int32

	// FollowUp means the descriptor is pushed over the socket after
	// this reply, tagged with its canonical handle.
	FollowUp bool

	// Removable marks handles backed by ejectable media. Their
	// descriptors are never cached.
	Removable bool

	// Access is the access granted on the handle.
	Access Access

	// Options are the object's open options, opaque to the client.
	Options uint32
}

// DecodeGetHandleFD extracts the [GetHandleFDReply] fields.
func DecodeGetHandleFD(header ReplyHeader) GetHandleFDReply {
	f := fields(header.Fixed[:])
	flags := f.get(1)
	return GetHandleFDReply{
		InlineFD:  int32(f.get(0)),
		FollowUp:  flags&handleFDFollowUp != 0,
		Removable: flags&handleFDRemovable != 0,
		Access:    Access(f.get(2)),
		Options:   f.get(3),
	}
}

// Encode writes the reply fields into header. Coordinator side.
func (r GetHandleFDReply) Encode(header *ReplyHeader) {
	var flags uint32
	if r.FollowUp {
		flags |= handleFDFollowUp
	}
	if r.Removable {
		flags |= handleFDRemovable
	}
	f := fields(header.Fixed[:])
	f.put(0, uint32(r.InlineFD))
	f.put(1, flags)
	f.put(2, uint32(r.Access))
	f.put(3, r.Options)
}

// CloseHandle releases a handle.
type CloseHandle struct {
	Handle Handle
}

func (r *CloseHandle) Kind() Kind { return KindCloseHandle }

func (r *CloseHandle) EncodeFixed(fixed []byte) {
	fields(fixed).put(0, uint32(r.Handle))
}

func (r *CloseHandle) Segments() [][]byte { return nil }

// DecodeHandle reads the handle stored in the first word of a
// request's fixed fields. Coordinator side, for the handle-carrying
// kinds.
func DecodeHandle(header RequestHeader) Handle {
	return Handle(fields(header.Fixed[:]).get(0))
}

// DecodeAccess reads the access mask of a [GetHandleFD] request.
func DecodeAccess(header RequestHeader) Access {
	return Access(fields(header.Fixed[:]).get(1))
}

// DecodeInitThreadRequest parses an [InitThread] request header.
// Coordinator side.
func DecodeInitThreadRequest(header RequestHeader) InitThread {
	f := fields(header.Fixed[:])
	return InitThread{
		UnixPID: int32(f.get(0)),
		UnixTID: int32(f.get(1)),
		ReplyFD: int32(f.get(2)),
		WaitFD:  int32(f.get(3)),
		EnvSize: f.get(4),
	}
}
