// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package fdpass

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/protocol"
	"github.com/bureau-foundation/objlink/lib/wire"
)

// Conn is the subset of [*net.UnixConn] used for descriptor passing.
type Conn interface {
	ReadMsgUnix(b, oob []byte) (n, oobn, flags int, addr *net.UnixAddr, err error)
	WriteMsgUnix(b, oob []byte, addr *net.UnixAddr) (n, oobn int, err error)
	Close() error
}

// Socket is the process-wide coordinator socket.
//
// Descriptor messages share one stream. A message read on behalf of one
// receiver that carries another receiver's tag is parked rather than
// dropped; the parked queue followed by the unread stream is the
// complete message order. Reads must be serialized by the caller.
type Socket struct {
	conn Conn

	mu     sync.Mutex
	parked []Received
	closed bool
}

// NewSocket wraps an established coordinator connection. The Socket
// takes ownership of conn.
func NewSocket(conn Conn) *Socket {
	return &Socket{conn: conn}
}

// Received is the outcome of [Socket.ReceiveFD].
type Received struct {
	// FD is the received descriptor, or -1 when the message carried
	// none. The caller owns it.
	FD int

	// Tag is the 32-bit word sent with the message.
	Tag uint32
}

// Handle interprets Tag as the canonical handle of FD.
func (r Received) Handle() protocol.Handle { return protocol.Handle(r.Tag) }

// SendFD passes fd to the coordinator on behalf of thread threadID.
// The caller keeps its own copy of fd.
func (s *Socket) SendFD(threadID int, fd int) error {
	payload := protocol.FDHandoff{ThreadID: int32(threadID), FD: int32(fd)}.Bytes()
	rights := syscall.UnixRights(fd)

	for {
		written, oobWritten, err := s.conn.WriteMsgUnix(payload, rights, nil)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
			return wire.ErrCoordinatorGone
		}
		if err != nil {
			return &wire.ProtocolError{Op: "send fd", Err: err}
		}
		if written != len(payload) || oobWritten != len(rights) {
			return &wire.ProtocolError{Op: "send fd", Want: len(payload), Got: written}
		}
		return nil
	}
}

// oobSize fits one SCM_RIGHTS message with a few descriptors; a
// coordinator that sends more than expected has the extras closed.
var oobSize = syscall.CmsgSpace(4 * 4)

// ReceiveFD reads one descriptor message from the coordinator.
func (s *Socket) ReceiveFD() (Received, error) {
	payload := make([]byte, protocol.FDTagSize)
	oob := make([]byte, oobSize)

	var (
		count, oobCount, flags int
		err                    error
	)
	for {
		count, oobCount, flags, _, err = s.conn.ReadMsgUnix(payload, oob)
		if !errors.Is(err, syscall.EINTR) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
			return Received{FD: -1}, wire.ErrCoordinatorGone
		}
		return Received{FD: -1}, &wire.ProtocolError{Op: "receive fd", Err: err}
	}

	descriptors, parseErr := parseRights(oob[:oobCount])

	// From here on every error path must close what arrived.
	fail := func(err error) (Received, error) {
		for _, fd := range descriptors {
			unix.Close(fd)
		}
		return Received{FD: -1}, err
	}

	if count == 0 && oobCount == 0 {
		return fail(wire.ErrCoordinatorGone)
	}
	if parseErr != nil {
		return fail(&wire.ProtocolError{Op: "receive fd", Err: parseErr})
	}
	if flags&syscall.MSG_CTRUNC != 0 {
		return fail(&wire.ProtocolError{Op: "receive fd", Err: errors.New("control message truncated")})
	}
	if count != protocol.FDTagSize {
		return fail(&wire.ProtocolError{Op: "receive fd", Want: protocol.FDTagSize, Got: count})
	}
	tag, err := protocol.DecodeFDTag(payload)
	if err != nil {
		return fail(&wire.ProtocolError{Op: "receive fd", Err: err})
	}

	if len(descriptors) == 0 {
		return Received{FD: -1, Tag: tag}, nil
	}
	for _, extra := range descriptors[1:] {
		unix.Close(extra)
	}
	fd := descriptors[0]
	unix.CloseOnExec(fd)
	return Received{FD: fd, Tag: tag}, nil
}

// MaxForeign bounds how many messages for other receivers
// [Socket.ReceiveTagged] parks before giving up on its own.
const MaxForeign = 16

// Park holds received until a receiver claims its tag. After Close the
// descriptor is closed instead.
func (s *Socket) Park(received Received) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		closeReceived(received)
		return
	}
	s.parked = append(s.parked, received)
}

// Claim removes and returns the oldest parked message carrying tag.
func (s *Socket) Claim(tag uint32) (Received, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, received := range s.parked {
		if received.Tag == tag {
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			return received, true
		}
	}
	return Received{FD: -1}, false
}

// Next returns the oldest pending descriptor message, parked or not.
func (s *Socket) Next() (Received, error) {
	s.mu.Lock()
	if len(s.parked) > 0 {
		received := s.parked[0]
		s.parked = s.parked[1:]
		s.mu.Unlock()
		return received, nil
	}
	s.mu.Unlock()
	return s.ReceiveFD()
}

// ReceiveTagged returns the oldest message carrying tag, parking every
// message for another receiver read along the way.
func (s *Socket) ReceiveTagged(tag uint32) (Received, error) {
	if received, ok := s.Claim(tag); ok {
		return received, nil
	}
	for range MaxForeign {
		received, err := s.ReceiveFD()
		if err != nil {
			return received, err
		}
		if received.Tag == tag {
			return received, nil
		}
		s.Park(received)
	}
	return Received{FD: -1}, &wire.ProtocolError{
		Op:  "receive fd",
		Err: fmt.Errorf("no descriptor tagged %#04x after %d foreign messages", tag, MaxForeign),
	}
}

// Discard closes every parked message carrying tag and reports how
// many there were.
func (s *Socket) Discard(tag uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.parked[:0]
	discarded := 0
	for _, received := range s.parked {
		if received.Tag == tag {
			closeReceived(received)
			discarded++
			continue
		}
		kept = append(kept, received)
	}
	clear(s.parked[len(kept):])
	s.parked = kept
	return discarded
}

// Parked reports how many messages wait for their receiver.
func (s *Socket) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parked)
}

func closeReceived(received Received) {
	if received.FD >= 0 {
		unix.Close(received.FD)
	}
}

// parseRights extracts every descriptor in oob. On a parse error the
// descriptors found so far are still returned so they can be closed.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var descriptors []int
	for i := range messages {
		if messages[i].Header.Level != syscall.SOL_SOCKET || messages[i].Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		fds, err := syscall.ParseUnixRights(&messages[i])
		if err != nil {
			return descriptors, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
		}
		descriptors = append(descriptors, fds...)
	}
	return descriptors, nil
}

// Close closes the coordinator socket and every parked descriptor.
func (s *Socket) Close() error {
	s.mu.Lock()
	for _, received := range s.parked {
		closeReceived(received)
	}
	s.parked = nil
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
