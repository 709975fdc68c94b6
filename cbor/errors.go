// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"errors"
	"fmt"
)

// ErrNestingTooDeep is wrapped by the DecodeError returned for input nesting
// more than MaxNestingDepth arrays, maps, and tags.
var ErrNestingTooDeep = errors.New("nesting too deep")

// DecodeError is returned for malformed CBOR input. Offset is the position in
// the input of the first byte of the token that could not be decoded.
type DecodeError struct {
	Offset   int64
	Expected string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("cbor: decode error at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("cbor: decode error at offset %d (expected %s): %v", e.Offset, e.Expected, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ShiftError moves the offset of a DecodeError found in err by n bytes. It is
// used when nested input was decoded from a sub-slice starting at offset n.
func ShiftError(err error, n int64) error {
	var de *DecodeError
	if errors.As(err, &de) {
		de.Offset += n
	}
	return err
}
