// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import "fmt"

// BootstrapError reports that no coordinator connection could be
// established. The process cannot continue.
type BootstrapError struct {
	// Reason is a one-line description of what went wrong.
	Reason string

	// Remedy tells the user what to do about it. May be empty.
	Remedy string

	// Err is the underlying cause, if any.
	Err error
}

func (e *BootstrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Hint returns the remedy, for process.Report.
func (e *BootstrapError) Hint() string { return e.Remedy }
