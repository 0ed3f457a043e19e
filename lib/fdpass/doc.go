// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdpass moves single file descriptors between a client
// process and the coordinator as SCM_RIGHTS ancillary data on the
// coordinator socket.
//
// Client→coordinator messages carry the sending thread's id and the
// descriptor's number in the client ([protocol.FDHandoff]) so a later
// request can refer to the descriptor by number. Coordinator→client
// messages carry a 32-bit tag: the canonical handle the descriptor
// belongs to, or the protocol version for the very first request
// channel. A message may arrive without a descriptor; that is a
// legitimate "nothing to hand over" answer, not an error.
//
// Every received descriptor is close-on-exec before it is returned. A
// zero-byte read means the coordinator closed the socket and is
// reported as [wire.ErrCoordinatorGone].
package fdpass
