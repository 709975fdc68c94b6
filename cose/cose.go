// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package cose implements the parts of CBOR Object Signing and Encryption
// (COSE, RFC 9052/9053) used by mobile documents: COSE_Key for EC2 keys and
// COSE_Sign1 with ECDSA.
package cose

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/svipe/go-mdl/cbor"
)

/*
COSE Tags

	+-------+---------------+---------------+---------------------------+
	| CBOR  | cose-type     | Data Item     | Semantics                 |
	| Tag   |               |               |                           |
	+-------+---------------+---------------+---------------------------+
	| 18    | cose-sign1    | COSE_Sign1    | COSE Single Signer Data   |
	|       |               |               | Object                    |
	+-------+---------------+---------------+---------------------------+
*/
const Sign1TagNum uint64 = 18

// Label is used for [HeaderMap]s and can be either an int64 or a string.
type Label struct {
	Int64 int64
	Str   string
}

func (l Label) String() string {
	if l.Int64 != 0 {
		return strconv.FormatInt(l.Int64, 10)
	}
	return l.Str
}

// MarshalCBOR implements cbor.Marshaler.
func (l Label) MarshalCBOR() ([]byte, error) {
	// 0 is a reserved label
	if l.Int64 != 0 {
		return cbor.Marshal(l.Int64)
	}
	return cbor.Marshal(l.Str)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Label) UnmarshalCBOR(b []byte) error {
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case int64:
		if v == 0 {
			return &cbor.DecodeError{Expected: "label", Err: errors.New("label 0 is reserved")}
		}
		l.Int64 = v
		l.Str = ""
	case string:
		l.Int64 = 0
		l.Str = v
	default:
		return &cbor.DecodeError{Expected: "label", Err: fmt.Errorf("unexpected label type: %T", v)}
	}
	return nil
}

// offsetBy moves the offset of a decode error by n bytes.
func offsetBy(err error, n int) error {
	var de *cbor.DecodeError
	if errors.As(err, &de) {
		de.Offset += int64(n)
	}
	return err
}

// bstrHeadLen is the encoded size of the head of a byte string of n bytes.
func bstrHeadLen(n int) int {
	switch {
	case n < 24:
		return 1
	case n <= 0xff:
		return 2
	case n <= 0xffff:
		return 3
	default:
		return 5
	}
}
