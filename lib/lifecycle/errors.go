// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"

	"github.com/bureau-foundation/objlink/lib/protocol"
)

// RegistrationError reports that the coordinator refused a thread or
// speaks another protocol version. The thread never runs user code.
type RegistrationError struct {
	// Stage is "handshake" for the version tag on the first request
	// pipe, "init" for the InitThread exchange.
	Stage string

	// Status is the coordinator's refusal, when it sent one.
	Status protocol.Status

	// ClientVersion and CoordinatorVersion differ on a version
	// mismatch and are both zero otherwise.
	ClientVersion      uint32
	CoordinatorVersion uint32
}

func (e *RegistrationError) Error() string {
	if e.ClientVersion != e.CoordinatorVersion {
		return fmt.Sprintf("thread registration (%s): coordinator speaks protocol %d, client speaks %d",
			e.Stage, e.CoordinatorVersion, e.ClientVersion)
	}
	return fmt.Sprintf("thread registration (%s): coordinator refused: %s", e.Stage, e.Status)
}

// Hint suggests a remedy for version mismatches.
func (e *RegistrationError) Hint() string {
	if e.ClientVersion != e.CoordinatorVersion {
		return "The client and coordinator were built from different releases. Stop the running coordinator so a matching one is started."
	}
	return ""
}

// PanicError is the termination cause of a thread whose function
// panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("thread panicked: %v", e.Value)
}
