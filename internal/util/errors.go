// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package util

import "fmt"

// Wrapf wraps *errp with a message formatted from format and args, in the
// manner of fmt.Errorf's %w verb, but only if *errp is non-nil. It is meant
// to be called via defer, at the top of a function using a named error
// return:
//
//	func f() (err error) {
//		defer util.Wrapf(&err, "f(%d)", x)
//		...
//	}
func Wrapf(errp *error, format string, args ...any) {
	if *errp != nil {
		*errp = fmt.Errorf(format+": %w", append(args, *errp)...)
	}
}
