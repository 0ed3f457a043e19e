// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package wire

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/protocol"
)

// SendRequest writes header followed by segments to fd. With no
// segments the header goes out in one write; otherwise header and
// segments go out in one writev.
func SendRequest(fd int, header protocol.RequestHeader, segments [][]byte) error {
	encoded := header.Bytes()
	expected := len(encoded)
	for _, segment := range segments {
		expected += len(segment)
	}

	var (
		written int
		err     error
	)
	for {
		if len(segments) == 0 {
			written, err = unix.Write(fd, encoded)
		} else {
			vector := make([][]byte, 0, len(segments)+1)
			vector = append(vector, encoded)
			vector = append(vector, segments...)
			written, err = unix.Writev(fd, vector)
		}
		// EINTR is only returned when nothing was transferred.
		if err != unix.EINTR {
			break
		}
	}

	if err == unix.EPIPE {
		return ErrCoordinatorGone
	}
	if err != nil {
		return &ProtocolError{Op: "write request", Err: err}
	}
	if written != expected {
		return &ProtocolError{Op: "write request", Want: expected, Got: written}
	}
	return nil
}

// WaitReply reads one reply from fd. The payload is read into buffer,
// which must be large enough for the size the header announces.
// Returns [ErrCoordinatorGone] when the pipe is closed before the
// first byte of the reply. A pipe closed later is a [*ProtocolError]:
// a partial reply is never returned.
func WaitReply(fd int, buffer []byte) (protocol.Reply, error) {
	headerBytes := make([]byte, protocol.ReplyHeaderSize)
	received, err := readFull(fd, headerBytes)
	if err != nil {
		if err == io.EOF && received == 0 {
			return protocol.Reply{}, ErrCoordinatorGone
		}
		return protocol.Reply{}, &ProtocolError{Op: "read reply header", Want: len(headerBytes), Got: received, Err: err}
	}

	header, err := protocol.DecodeReplyHeader(headerBytes)
	if err != nil {
		return protocol.Reply{}, &ProtocolError{Op: "read reply header", Err: err}
	}

	size := int(header.ReplySize)
	if size > len(buffer) {
		return protocol.Reply{}, &ProtocolError{
			Op:  "read reply payload",
			Err: fmt.Errorf("reply announces %d bytes but the buffer holds %d", size, len(buffer)),
		}
	}
	if size == 0 {
		return protocol.Reply{Header: header, Data: buffer[:0]}, nil
	}

	received, err = readFull(fd, buffer[:size])
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return protocol.Reply{}, &ProtocolError{Op: "read reply payload", Want: size, Got: received, Err: err}
	}
	return protocol.Reply{Header: header, Data: buffer[:size]}, nil
}

// readFull reads until buffer is full. Returns io.EOF when the writer
// closed the pipe first, with the count read so far.
func readFull(fd int, buffer []byte) (int, error) {
	done := 0
	for done < len(buffer) {
		count, err := unix.Read(fd, buffer[done:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, err
		}
		if count == 0 {
			return done, io.EOF
		}
		done += count
	}
	return done, nil
}
