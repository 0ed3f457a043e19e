// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire moves requests and replies over a thread's private
// channel to the coordinator.
//
// A thread channel is a pair of pipes: the client writes requests into
// one and reads replies from the other. [SendRequest] writes a request
// header and its trailing segments with a single write or writev, so
// the message reaches the pipe as one unit. [WaitReply] reads the
// fixed reply header and then exactly the payload it announces,
// looping over partial reads. A byte count that does not match the
// announced size is a [*ProtocolError]; there is no resend, because a
// second copy of half a message would desynchronize the stream.
//
// [Channel.Exchange] is the composed operation: lock the goroutine to
// its OS thread, block the notification signals (package sigmask),
// send, wait, restore. Exactly one exchange runs at a time per
// channel, and a reply is always consumed in full before the next
// request goes out.
//
// A closed pipe means the coordinator exited. That is reported as
// [ErrCoordinatorGone] the first time it is observed; the channel is
// then dead and every later call fails fast with [ErrChannelClosed]
// without touching the descriptors.
package wire
