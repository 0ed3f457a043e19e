// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "fmt"

// State is a thread's position in its lifecycle. States only move
// forward.
type State int32

const (
	Unregistered State = iota
	Registering
	Active
	Exiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Exiting:
		return "exiting"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
