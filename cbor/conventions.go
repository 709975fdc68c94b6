// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"fmt"
	"time"
)

// Tag numbers used by mobile documents.
const (
	DateTimeTag    = 0
	EpochTimeTag   = 1
	EncodedCBORTag = 24
	FullDateTag    = 1004
)

// Bstr marshals and unmarshals CBOR data that is a byte array of the CBOR
// encoding of its underlying value.
//
//	CDDL: bstr .cbor T
//
// This is a common convention in COSE and acts as a sort of type erasure. If
// type erasure is indeed desired, then use a type alias:
// `type bstr = cbor.Bstr[cbor.RawBytes]`.
type Bstr[T any] struct{ Val T }

// NewBstr is shorthand for struct initialization and is useful, because it
// often does not require writing the type parameter.
func NewBstr[T any](v T) *Bstr[T] { return &Bstr[T]{Val: v} }

// MarshalCBOR implements Marshaler.
func (b Bstr[T]) MarshalCBOR() ([]byte, error) {
	data, err := Marshal(b.Val)
	if err != nil {
		return nil, err
	}
	if data == nil { // possibly due to bad Marshaler implementation
		data = []byte{}
	}
	return Marshal(data)
}

// UnmarshalCBOR implements Unmarshaler.
func (b *Bstr[T]) UnmarshalCBOR(p []byte) error {
	var data []byte
	if err := Unmarshal(p, &data); err != nil {
		return err
	}
	if data == nil {
		return nil // decoded null or undefined
	}
	return ShiftError(Unmarshal(data, &b.Val), headLen(len(data)))
}

// Encoded is embedded CBOR: a byte string holding the encoding of T, wrapped
// in tag 24.
//
//	CDDL: #6.24(bstr .cbor T)
//
// Raw keeps the exact bytes that were decoded (or last marshaled) so that
// digests and session transcripts can be computed over them without
// re-encoding.
type Encoded[T any] struct {
	Val T
	Raw []byte
}

// NewEncoded marshals v and returns it as embedded CBOR.
func NewEncoded[T any](v T) (*Encoded[T], error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Encoded[T]{Val: v, Raw: raw}, nil
}

// MarshalCBOR implements Marshaler. When Raw is set, it is written as-is.
func (e Encoded[T]) MarshalCBOR() ([]byte, error) {
	raw := e.Raw
	if raw == nil {
		var err error
		if raw, err = Marshal(e.Val); err != nil {
			return nil, err
		}
	}
	return Marshal(Tag[[]byte]{Num: EncodedCBORTag, Val: raw})
}

// UnmarshalCBOR implements Unmarshaler.
func (e *Encoded[T]) UnmarshalCBOR(p []byte) error {
	var tag Tag[[]byte]
	if err := Unmarshal(p, &tag); err != nil {
		return err
	}
	if tag.Num != EncodedCBORTag {
		return &DecodeError{Offset: 0, Expected: "tag 24", Err: fmt.Errorf("unexpected tag number %d", tag.Num)}
	}
	// Tag head plus byte string head precede the embedded item
	offset := int64(len(head(tagMajorType, EncodedCBORTag))) + headLen(len(tag.Val))
	if err := Unmarshal(tag.Val, &e.Val); err != nil {
		return ShiftError(err, offset)
	}
	e.Raw = tag.Val
	return nil
}

// Bytes returns the embedded encoding, marshaling Val if it was never
// decoded.
func (e *Encoded[T]) Bytes() ([]byte, error) {
	if e.Raw != nil {
		return e.Raw, nil
	}
	raw, err := Marshal(e.Val)
	if err != nil {
		return nil, err
	}
	e.Raw = raw
	return raw, nil
}

// Timestamp is a tdate or time value.
//
//	tdate = #6.0(tstr) ; RFC 3339 without fractional seconds
//	time  = #6.1(int)
//
// Timestamps always encode as tdate, which is what mobile security objects
// require.
type Timestamp time.Time

// MarshalCBOR implements Marshaler.
func (ts Timestamp) MarshalCBOR() ([]byte, error) {
	if time.Time(ts).IsZero() {
		return Marshal(nil)
	}
	return Marshal(Tag[string]{
		Num: DateTimeTag,
		Val: time.Time(ts).UTC().Truncate(time.Second).Format(time.RFC3339),
	})
}

// UnmarshalCBOR implements Unmarshaler.
func (ts *Timestamp) UnmarshalCBOR(data []byte) error {
	// Parse into a null or tag structure
	var tag *Tag[RawBytes]
	if err := Unmarshal(data, &tag); err != nil {
		return err
	}

	// If value is null, set timestamp to zero value
	if tag == nil {
		*ts = Timestamp(time.Time{})
		return nil
	}

	offset := int64(len(head(tagMajorType, tag.Num)))
	switch tag.Number() {
	case DateTimeTag:
		var value string
		if err := Unmarshal([]byte(tag.Val), &value); err != nil {
			return ShiftError(err, offset)
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return &DecodeError{Offset: offset, Expected: "RFC 3339 date-time", Err: err}
		}
		*ts = Timestamp(t.UTC())
		return nil

	case EpochTimeTag:
		var sec int64
		if err := Unmarshal([]byte(tag.Val), &sec); err != nil {
			return ShiftError(err, offset)
		}
		*ts = Timestamp(time.Unix(sec, 0).UTC())
		return nil
	}

	return &DecodeError{Offset: 0, Expected: "tag 0 or 1", Err: fmt.Errorf("unknown tag number %d", tag.Number())}
}

// headLen is the size of the head of a byte string of n bytes.
func headLen(n int) int64 {
	return int64(len(head(byteStringMajorType, uint64(n))))
}
