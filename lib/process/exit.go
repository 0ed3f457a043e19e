// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

type hinter interface {
	Hint() string
}

// Report writes "error: err" to w, followed by "hint: ..." when any
// error in the chain carries a non-empty hint.
func Report(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	var withHint hinter
	if errors.As(err, &withHint) {
		if hint := withHint.Hint(); hint != "" {
			fmt.Fprintf(w, "hint: %s\n", hint)
		}
	}
}

// Fatal reports err to stderr and exits with code 1. Use it in main()
// for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	Report(os.Stderr, err)
	os.Exit(1)
}
