// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for objlink
// binaries: reporting a fatal error to stderr before the structured
// logger exists, and exiting.
//
// Errors that know how the user can fix them expose a Hint() string
// method; [Report] prints the hint on its own line after the error.
package process
