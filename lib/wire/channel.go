// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package wire

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/objlink/lib/protocol"
	"github.com/bureau-foundation/objlink/lib/sigmask"
)

// Channel is the request/reply pipe pair of one thread. It owns both
// descriptors.
type Channel struct {
	mu sync.Mutex

	requestFD int
	replyFD   int
	signals   unix.Sigset_t

	// failure is the terminal error once the channel is dead.
	failure error
	closed  bool
}

// NewChannel takes ownership of requestFD (written by the client) and
// replyFD (read by the client).
func NewChannel(requestFD, replyFD int) *Channel {
	return &Channel{
		requestFD: requestFD,
		replyFD:   replyFD,
		signals:   sigmask.ExchangeSet(),
	}
}

// Exchange sends request and waits for its reply, with the
// notification signals blocked on the calling OS thread throughout.
// The reply payload is read into buffer, whose length is announced to
// the coordinator as the reply capacity.
//
// A non-success status in the reply is not an error here; the caller
// inspects Reply.Header.Status. Errors are transport or protocol
// failures ([IsFatal]) or an invalid request.
func (c *Channel) Exchange(request protocol.Request, buffer []byte) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.failure != nil {
		return protocol.Reply{}, ErrChannelClosed
	}

	header, err := protocol.NewRequestHeader(request, len(buffer))
	if err != nil {
		return protocol.Reply{}, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	guard, err := sigmask.Block(c.signals)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer guard.Restore()

	if err := SendRequest(c.requestFD, header, request.Segments()); err != nil {
		c.failure = err
		return protocol.Reply{}, err
	}

	reply, err := WaitReply(c.replyFD, buffer)
	if err != nil {
		c.failure = err
		return protocol.Reply{}, err
	}
	return reply, nil
}

// Err returns the error that killed the channel, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Close closes both descriptors. Later exchanges return
// [ErrChannelClosed]. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	requestErr := unix.Close(c.requestFD)
	replyErr := unix.Close(c.replyFD)
	if requestErr != nil {
		return requestErr
	}
	return replyErr
}
