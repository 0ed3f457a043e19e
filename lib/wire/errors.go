// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// ErrCoordinatorGone reports that the coordinator end of a channel was
// closed: a broken pipe on write or end-of-file before any byte of a
// reply. The thread cannot coordinate resource ownership any more and
// must terminate.
var ErrCoordinatorGone = errors.New("coordinator is gone")

// ErrChannelClosed is returned by a channel that was closed or already
// failed. No I/O is attempted.
var ErrChannelClosed = errors.New("thread channel is closed")

// ProtocolError is a transfer whose byte count disagrees with the
// announced message size, or any other transport failure that leaves
// the stream in an unknown position.
type ProtocolError struct {
	// Op names the transfer: "write request", "read reply header",
	// "read reply payload".
	Op string

	// Want and Got are byte counts. Both are zero when Err alone
	// describes the failure.
	Want int
	Got  int

	Err error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil && e.Want == 0 && e.Got == 0:
		return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("protocol error: %s: transferred %d of %d bytes: %v", e.Op, e.Got, e.Want, e.Err)
	default:
		return fmt.Sprintf("protocol error: %s: transferred %d of %d bytes", e.Op, e.Got, e.Want)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends the thread: the coordinator is gone
// or the stream is desynchronized. Application-level status errors and
// argument errors are not fatal.
func IsFatal(err error) bool {
	var protocolError *ProtocolError
	return errors.Is(err, ErrCoordinatorGone) || errors.Is(err, ErrChannelClosed) || errors.As(err, &protocolError)
}
