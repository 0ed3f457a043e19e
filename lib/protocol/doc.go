// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire contract between an objlink client
// and the coordinator ("object server").
//
// Every exchange on a thread channel is one request followed by
// exactly one reply:
//
//   - A [RequestHeader] of [RequestHeaderSize] bytes: the request
//     [Kind], the total size of the trailing data segments, the size
//     of the caller's reply buffer, and kind-specific fixed fields.
//     Zero or more trailing segments follow, back to back.
//   - A [ReplyHeader] of [ReplyHeaderSize] bytes: the [Status] and the
//     size of the one trailing payload, plus kind-specific fixed
//     fields. The payload follows.
//
// Headers use the host's native byte order; client and coordinator
// always run on the same machine. Both sides are pinned to a single
// [Version] which is checked for exact equality during thread
// initialization. There is no backward compatibility logic.
//
// Requests are a tagged variant: each kind the client itself issues is
// a struct implementing [Request] ([InitThread], [NewThread],
// [GetHandleFD], [CloseHandle]). Kinds owned by higher-level callers
// travel as [Generic] without this package interpreting their fields.
//
// File descriptors travel separately, as SCM_RIGHTS ancillary data on
// the coordinator socket. [FDHandoff] is the client→coordinator
// payload; the coordinator→client payload is a single 32-bit word
// (see [DecodeFDTag]).
package protocol
