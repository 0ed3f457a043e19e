// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Objlink-probe connects to the object coordinator, registering one
// thread, and reports what the coordinator answered. It starts the
// coordinator when auto-start is enabled and no coordinator is
// listening.
//
// With --resolve it also resolves the given handles to descriptors
// and prints what each descriptor refers to. With --spawn-record it
// only decodes a spawn record left in a state directory and prints it
// in CBOR diagnostic notation; nothing is contacted.
//
// Exit codes:
//
//	0  connected and registered
//	1  error (bootstrap failure, registration refused, bad flags)
package main
