// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// MaxArrayDecodeLength limits the max size of an array, string, byte slice, or
// map (where each key-value pair counts as two items).
const MaxArrayDecodeLength = 100_000

// MaxNestingDepth limits how deeply arrays, maps, and tags may nest.
const MaxNestingDepth = 256

// Major types (high 3 bits)
const (
	unsignedIntMajorType byte = 0x00
	negativeIntMajorType byte = 0x01
	byteStringMajorType  byte = 0x02
	textStringMajorType  byte = 0x03
	arrayMajorType       byte = 0x04
	mapMajorType         byte = 0x05
	tagMajorType         byte = 0x06
	simpleMajorType      byte = 0x07
)

// Additional info (low 5 bits)
const (
	oneByteAdditional    byte = 0x18
	twoBytesAdditional   byte = 0x19
	fourBytesAdditional  byte = 0x1a
	eightBytesAdditional byte = 0x1b
	indefiniteAdditional byte = 0x1f
)

// Well-known simple values
const (
	falseVal     byte = 0x14
	trueVal      byte = 0x15
	nullVal      byte = 0x16
	undefinedVal byte = 0x17
	halfFloat    byte = 0x19
	singleFloat  byte = 0x1a
	doubleFloat  byte = 0x1b
)

// Bitmasks
const (
	threeBitMask byte = 0x07
	fiveBitMask  byte = 0x1f
)

var majorTypeNames = [...]string{
	unsignedIntMajorType: "unsigned integer",
	negativeIntMajorType: "negative integer",
	byteStringMajorType:  "byte string",
	textStringMajorType:  "text string",
	arrayMajorType:       "array",
	mapMajorType:         "map",
	tagMajorType:         "tag",
	simpleMajorType:      "simple value",
}

// ErrUnsupportedType means that a value of this type cannot be encoded or
// decoded into.
type ErrUnsupportedType struct {
	typeName string
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported type: %s", e.typeName)
}

// Marshaler is the interface implemented by types that can marshal themselves
// into valid CBOR.
type Marshaler interface {
	MarshalCBOR() ([]byte, error)
}

// Unmarshaler is the interface implemented by types that can unmarshal a CBOR
// description of themselves. The data is invalid upon the function returning.
type Unmarshaler interface {
	UnmarshalCBOR([]byte) error
}

// RawBytes encodes and decodes untransformed. When encoding, it must contain
// valid CBOR.
type RawBytes []byte

// MarshalCBOR implements Marshaler.
func (b RawBytes) MarshalCBOR() ([]byte, error) {
	if b == nil {
		return []byte{}, nil
	}
	return b, nil
}

// UnmarshalCBOR implements Unmarshaler.
func (b *RawBytes) UnmarshalCBOR(p []byte) error { *b = bytes.Clone(p); return nil }

// Tag is a tagged CBOR type.
type Tag[T any] struct {
	Num uint64 // 0..(2**64)-1
	Val T
}

func (Tag[T]) isTag() {}

// Number returns the underlying Num field and is used to implement the TagData
// interface.
func (t Tag[T]) Number() uint64 { return t.Num }

// Value returns the underlying Val field and is used to implement the TagData
// interface.
func (t Tag[T]) Value() any { return t.Val }

// TagData allows read-only access to a Tag without value type information.
type TagData interface {
	isTag() // no external types can implement a Tag
	Number() uint64
	Value() any
}

// Marshal any type into CBOR.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal any CBOR data. v must be a pointer type. Any failure caused by the
// input is reported as a *DecodeError.
func Unmarshal(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		// Running out of input anywhere in a byte slice means it was truncated
		var de *DecodeError
		if errors.As(err, &de) && errors.Is(de.Err, io.EOF) {
			de.Err = io.ErrUnexpectedEOF
		}
		return err
	}
	if r.Len() > 0 {
		return &DecodeError{
			Offset:   dec.InputOffset(),
			Expected: "end of input",
			Err:      fmt.Errorf("unmarshal did not consume all data, had extra %d bytes", r.Len()),
		}
	}
	return nil
}

// countingReader tracks the number of bytes consumed so that errors can name
// the offset of the failing token.
type countingReader struct {
	r io.Reader
	n int64

	// rec, when set, receives a copy of every byte read
	rec *bytes.Buffer
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.rec != nil {
		_, _ = c.rec.Write(p[:n])
	}
	return n, err
}

// Decoder iteratively consumes a reader, decoding CBOR types.
type Decoder struct {
	r *countingReader

	// depth is the number of arrays, maps, and tags currently open
	depth int

	// remaining reports the unread input size, or -1 when it is unknown
	remaining func() int
}

// NewDecoder returns a new Decoder. The [io.Reader] is not copied.
//
// If r reports its unread length (as [bytes.Reader] and [bytes.Buffer] do),
// declared lengths are checked against it before allocating.
func NewDecoder(r io.Reader) *Decoder {
	remaining := func() int { return -1 }
	if l, ok := r.(interface{ Len() int }); ok {
		remaining = l.Len
	}
	return &Decoder{r: &countingReader{r: r}, remaining: remaining}
}

// InputOffset returns the number of bytes consumed so far.
func (d *Decoder) InputOffset() int64 { return d.r.n }

// Decode a single CBOR item from the internal [io.Reader].
func (d *Decoder) Decode(v any) error {
	start := d.r.n

	// Use UnmarshalCBOR when value is an interface implementing Unmarshaler
	for rv := reflect.ValueOf(v); (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && !rv.IsNil(); rv = rv.Elem() {
		if u, ok := rv.Interface().(Unmarshaler); ok {
			b, err := d.decodeRaw()
			if err != nil {
				return d.wrap(start, "data item", err)
			}
			return unmarshalerError(start, rv.Type(), u.UnmarshalCBOR(b))
		}
	}

	// Ensure that v is a pointer type
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("type for decoding must be a non-nil pointer value, got %T", v)
	}
	deref := rv.Elem()

	// If v points to a nil slice or map, allocate an empty one
	switch deref.Kind() {
	case reflect.Slice:
		deref.Set(reflect.MakeSlice(deref.Type(), 0, 0))
	case reflect.Map:
		deref.Set(reflect.MakeMap(deref.Type()))
	}

	return d.decodeVal(deref)
}

// wrap attaches offset information to err unless it already carries some.
func (d *Decoder) wrap(start int64, expected string, err error) error {
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Offset: start, Expected: expected, Err: err}
}

// unmarshalerError converts errors returned by UnmarshalCBOR so that offsets
// are relative to the outer input.
func unmarshalerError(start int64, t reflect.Type, err error) error {
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		de.Offset += start
		return err
	}
	return &DecodeError{Offset: start, Expected: t.String(), Err: err}
}

// Decode one item to bytes
func (d *Decoder) decodeRaw() ([]byte, error) {
	start := d.r.n
	highThreeBits, lowFiveBits, additional, err := d.typeInfo()
	if err != nil {
		return nil, err
	}
	return d.decodeRawVal(start, highThreeBits, lowFiveBits, additional)
}

// decodeRawVal returns the encoding of an item whose head was already read.
// The rest of the item is copied as it is consumed, so each input byte is
// copied once no matter how deeply the item nests.
func (d *Decoder) decodeRawVal(start int64, highThreeBits, lowFiveBits byte, additional []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(highThreeBits<<5 | lowFiveBits)
	buf.Write(additional)

	d.r.rec = &buf
	defer func() { d.r.rec = nil }()

	if err := d.skip(start, highThreeBits, lowFiveBits, additional); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// skip consumes the remainder of an item whose head was already read. Open
// containers are tracked on an explicit stack of pending item counts.
func (d *Decoder) skip(start int64, highThreeBits, lowFiveBits byte, additional []byte) error {
	var pending []int
	for {
		switch highThreeBits {
		case byteStringMajorType, textStringMajorType:
			length, err := d.decodeLen(start, highThreeBits, lowFiveBits, additional)
			if err != nil {
				return err
			}
			if err := d.discard(length); err != nil {
				return &DecodeError{Offset: start, Expected: majorTypeNames[highThreeBits], Err: err}
			}

		case arrayMajorType, mapMajorType, tagMajorType:
			items := 1
			if highThreeBits != tagMajorType {
				length, err := d.decodeLen(start, highThreeBits, lowFiveBits, additional)
				if err != nil {
					return err
				}
				items = length
			}
			if items > 0 {
				if d.depth+len(pending) >= MaxNestingDepth {
					return errNestingTooDeep(start)
				}
				pending = append(pending, items)
			}
		}

		for len(pending) > 0 && pending[len(pending)-1] == 0 {
			pending = pending[:len(pending)-1]
		}
		if len(pending) == 0 {
			return nil
		}
		pending[len(pending)-1]--

		start = d.r.n
		var err error
		if highThreeBits, lowFiveBits, additional, err = d.typeInfo(); err != nil {
			return err
		}
	}
}

func (d *Decoder) discard(n int) error {
	if _, err := io.CopyN(io.Discard, d.r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func errNestingTooDeep(start int64) error {
	return &DecodeError{Offset: start, Expected: "data item", Err: ErrNestingTooDeep}
}

// decodeLen returns the number of items (or bytes) that follow a head and
// checks it against the decode limits and any known input size.
func (d *Decoder) decodeLen(start int64, highThreeBits, lowFiveBits byte, additional []byte) (int, error) {
	length := toU64(additional)
	if lowFiveBits < oneByteAdditional {
		length = uint64(lowFiveBits)
	}
	if highThreeBits == mapMajorType {
		if length > math.MaxInt/2 {
			return 0, &DecodeError{Offset: start, Expected: "map", Err: fmt.Errorf("length exceeds max size: %d", length)}
		}
		length *= 2
	}
	expected := majorTypeNames[highThreeBits]
	if length > math.MaxInt32 {
		return 0, &DecodeError{Offset: start, Expected: expected, Err: fmt.Errorf("length exceeds max size: %d", length)}
	}
	isContainer := highThreeBits == arrayMajorType || highThreeBits == mapMajorType
	if isContainer && length >= MaxArrayDecodeLength {
		return 0, &DecodeError{Offset: start, Expected: expected, Err: fmt.Errorf("length exceeds max size: %d", length)}
	}
	// Every byte of a string and every nested item takes at least one byte
	if remaining := d.remaining(); remaining >= 0 && int(length) > remaining {
		return 0, &DecodeError{
			Offset:   start,
			Expected: expected,
			Err:      fmt.Errorf("declared length %d exceeds remaining input (%d bytes): %w", length, remaining, io.ErrUnexpectedEOF),
		}
	}
	return int(length), nil
}

func (d *Decoder) readN(n int) ([]byte, error) {
	// Only allocate up front when the input is known to hold n bytes
	if d.remaining() < 0 {
		var buf bytes.Buffer
		if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return append([]byte{}, buf.Bytes()...), nil
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// Decode one item into a settable value
func (d *Decoder) decodeVal(rv reflect.Value) error {
	start := d.r.n
	return d.wrap(start, expectedToken(rv.Type()), d.decodeValAt(start, rv))
}

//nolint:gocyclo // Dispatch will always have naturally high complexity.
func (d *Decoder) decodeValAt(start int64, rv reflect.Value) error {
	// Read initial bytes
	highThreeBits, lowFiveBits, additional, err := d.typeInfo()
	if err != nil {
		return err
	}

	// Allow rv to be a pointer for nullable types
	//
	// i.e. Pass a **int to Unmarshal in order to read either an int or null
	if rv.Kind() == reflect.Pointer {
		// If the value to decode is null, set the pointer to nil
		if highThreeBits == simpleMajorType && (lowFiveBits == nullVal || lowFiveBits == undefinedVal) {
			rv.SetZero()
			return nil
		}

		// The value to decode is not null, so allocate if the pointer is nil
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}

		// Check one more time if the type implements Unmarshaler. This check was
		// deferred until memory allocation for the underlying type was done.
		if u, ok := rv.Interface().(Unmarshaler); ok {
			b, err := d.decodeRawVal(start, highThreeBits, lowFiveBits, additional)
			if err != nil {
				return err
			}
			return unmarshalerError(start, rv.Type(), u.UnmarshalCBOR(b))
		}

		// Dereference the pointer
		rv = rv.Elem()
	}

	switch highThreeBits {
	case arrayMajorType, mapMajorType, tagMajorType:
		if d.depth >= MaxNestingDepth {
			return errNestingTooDeep(start)
		}
		d.depth++
		defer func() { d.depth-- }()
	}

	// If the low five bits are 0..23 then use them in additional so that a
	// single additional byte can contain any value 0-255
	if lowFiveBits < oneByteAdditional {
		additional = []byte{lowFiveBits}
	}

	// Dispatch decoding by major type
	switch highThreeBits {
	case unsignedIntMajorType:
		if u64 := toU64(additional); u64 > math.MaxInt64 {
			allocateInterface(rv, reflect.TypeOf(uint64(0)))
		} else {
			allocateInterface(rv, reflect.TypeOf(int64(0)))
		}
		return d.decodePositive(rv, additional)
	case negativeIntMajorType:
		allocateInterface(rv, reflect.TypeOf(int64(0)))
		return d.decodeNegative(rv, additional)
	case byteStringMajorType:
		allocateInterface(rv, reflect.TypeOf([]byte(nil)))
		return d.decodeByteSlice(start, rv, highThreeBits, lowFiveBits, additional)
	case textStringMajorType:
		allocateInterface(rv, reflect.TypeOf(""))
		return d.decodeByteSlice(start, rv, highThreeBits, lowFiveBits, additional)
	case arrayMajorType:
		allocateInterface(rv, reflect.TypeOf([]any(nil)))
		return d.decodeArray(start, rv, lowFiveBits, additional)
	case mapMajorType:
		allocateInterface(rv, reflect.TypeOf(map[any]any(nil)))
		return d.decodeMap(start, rv, lowFiveBits, additional)
	case tagMajorType:
		allocateInterface(rv, reflect.TypeOf(Tag[RawBytes]{}))
		return d.decodeTag(rv, additional)
	case simpleMajorType:
		if lowFiveBits == falseVal || lowFiveBits == trueVal {
			allocateInterface(rv, reflect.TypeOf(false))
		}
		return d.decodeSimple(rv, lowFiveBits)
	}

	panic("unreachable")
}

// expectedToken names the CBOR token kind a Go type decodes from.
func expectedToken(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Implements(reflect.TypeOf((*TagData)(nil)).Elem()) {
		return "tag"
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "unsigned integer"
	case reflect.String:
		return "text string"
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return "byte string"
		}
		return "array"
	case reflect.Struct:
		return "array"
	case reflect.Map:
		return "map"
	case reflect.Bool:
		return "boolean"
	default:
		return "data item"
	}
}

// Initialize the memory of a value if it is a nil interface type.
func allocateInterface(maybeUnsetVal reflect.Value, newType reflect.Type) {
	if maybeUnsetVal.Kind() != reflect.Interface || !maybeUnsetVal.IsNil() {
		return
	}

	switch newType.Kind() {
	case reflect.Map:
		// Explicitly allocate for maps because the zero value is nil.
		maybeUnsetVal.Set(reflect.MakeMap(newType))
	case reflect.Slice:
		// This slice will need to be created again with its correct length,
		// but for now we still allocate it in order to pass type information.
		maybeUnsetVal.Set(reflect.MakeSlice(newType, 0, 0))
	default:
		maybeUnsetVal.Set(reflect.New(newType).Elem())
	}
}

// kindOf returns the kind of the value or, for a non-nil interface, of the
// value it holds.
func kindOf(rv reflect.Value) reflect.Kind {
	if rv.Kind() == reflect.Interface && !rv.IsNil() {
		return rv.Elem().Kind()
	}
	return rv.Kind()
}

// setVal sets rv, converting to the held type when rv is an interface. Setting
// cannot be done with reflect.Value.SetXXX because the reflect.Value may be an
// interface and its Elem() is not settable.
func setVal(rv, newVal reflect.Value) {
	if rv.Kind() == reflect.Interface {
		newVal = newVal.Convert(rv.Elem().Type())
	}
	rv.Set(newVal.Convert(rv.Type()))
}

func (d *Decoder) decodePositive(rv reflect.Value, additional []byte) error {
	u64 := toU64(additional)

	kind := kindOf(rv)
	switch kind {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return fmt.Errorf("%w: only primitive (u)int(N) types supported",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}
	if overflows(u64, kind) {
		return fmt.Errorf("%w: value overflows",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}

	setVal(rv, reflect.ValueOf(u64))
	return nil
}

func overflows(u64 uint64, kind reflect.Kind) bool {
	switch kind {
	case reflect.Uint:
		return u64 > math.MaxUint
	case reflect.Uint8:
		return u64 > math.MaxUint8
	case reflect.Uint16:
		return u64 > math.MaxUint16
	case reflect.Uint32:
		return u64 > math.MaxUint32
	case reflect.Uint64:
		return false
	case reflect.Int:
		return u64 > math.MaxInt
	case reflect.Int8:
		return u64 > math.MaxInt8
	case reflect.Int16:
		return u64 > math.MaxInt16
	case reflect.Int32:
		return u64 > math.MaxInt32
	case reflect.Int64:
		return u64 > math.MaxInt64
	}
	panic("programming error - invalid kind for overflow check")
}

func (d *Decoder) decodeNegative(rv reflect.Value, additional []byte) error {
	u64 := toU64(additional)

	kind := kindOf(rv)
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return fmt.Errorf("%w: only primitive int(N) types supported",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}
	if u64 > math.MaxInt64 || overflowsInt(-int64(u64)-1, kind) {
		return fmt.Errorf("%w: value overflows",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}

	setVal(rv, reflect.ValueOf(-int64(u64)-1))
	return nil
}

func overflowsInt(i64 int64, kind reflect.Kind) bool {
	switch kind {
	case reflect.Int:
		return i64 < math.MinInt
	case reflect.Int8:
		return i64 < math.MinInt8
	case reflect.Int16:
		return i64 < math.MinInt16
	case reflect.Int32:
		return i64 < math.MinInt32
	case reflect.Int64:
		return false
	}
	panic("programming error - invalid kind for overflow check")
}

func (d *Decoder) decodeByteSlice(start int64, rv reflect.Value, highThreeBits, lowFiveBits byte, additional []byte) error {
	length, err := d.decodeLen(start, highThreeBits, lowFiveBits, additional)
	if err != nil {
		return err
	}
	bs, err := d.readN(length)
	if err != nil {
		return fmt.Errorf("error reading byte/text string: %w", err)
	}

	switch kind := kindOf(rv); {
	case highThreeBits == byteStringMajorType && kind == reflect.Slice && elemKind(rv) == reflect.Uint8:
		setVal(rv, reflect.ValueOf(bs))
		return nil
	case highThreeBits == textStringMajorType && kind == reflect.String:
		setVal(rv, reflect.ValueOf(string(bs)))
		return nil
	}

	return fmt.Errorf("%w: cannot decode %s",
		ErrUnsupportedType{typeName: rv.Type().String()}, majorTypeNames[highThreeBits])
}

func elemKind(rv reflect.Value) reflect.Kind {
	t := rv.Type()
	if rv.Kind() == reflect.Interface && !rv.IsNil() {
		t = rv.Elem().Type()
	}
	return t.Elem().Kind()
}

func (d *Decoder) decodeArray(start int64, rv reflect.Value, lowFiveBits byte, additional []byte) error {
	length, err := d.decodeLen(start, arrayMajorType, lowFiveBits, additional)
	if err != nil {
		return err
	}
	switch kindOf(rv) {
	case reflect.Struct:
		return d.decodeArrayToStruct(rv, length)
	case reflect.Slice:
		if elemKind(rv) == reflect.Uint8 {
			break
		}
		return d.decodeArrayToSlice(rv, length)
	}
	return fmt.Errorf("%w: expected a slice or struct type",
		ErrUnsupportedType{typeName: rv.Type().String()})
}

func (d *Decoder) decodeArrayToStruct(rv reflect.Value, length int) error {
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("%w: expected a struct type",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}

	// Get order of fields and drop the trailing omittable field if necessary
	indices, omittable := fieldOrder(rv.Type())
	if length == len(indices)-1 && len(indices) > 0 && omittable(indices[len(indices)-1]) {
		indices = indices[:len(indices)-1]
	}
	if length != len(indices) {
		return fmt.Errorf("%w: struct has an incorrect number of fields: has %d, expected %d",
			ErrUnsupportedType{typeName: rv.Type().String()}, len(indices), length)
	}

	// Decode each item into the appropriate field
	for _, idx := range indices {
		f := rv.FieldByIndex(idx)
		newVal := reflect.New(f.Type())
		if err := d.Decode(newVal.Interface()); err != nil {
			return fmt.Errorf("error decoding struct field %s: %w", rv.Type().FieldByIndex(idx).Name, err)
		}
		f.Set(newVal.Elem())
	}

	return nil
}

func (d *Decoder) decodeArrayToSlice(rv reflect.Value, length int) error {
	// At this point the reflect.Value is either a reflect.Slice or a
	// reflect.Interface. If it is a slice, then it is mutable - it came from a
	// reference. If it is an interface, however, it came from a reference to
	// the interface and the underlying value is not addressable, so it must
	// be set to a slice created with the correct size.
	slice := rv
	if slice.Kind() == reflect.Interface {
		slice.Set(reflect.MakeSlice(slice.Elem().Type(), length, length))
		slice = slice.Elem()
	} else {
		slice.Set(reflect.MakeSlice(slice.Type(), length, length))
	}

	// Decode each item into the correctly sized slice
	itemType := slice.Type().Elem()
	for i := range length {
		newVal := reflect.New(itemType)
		if err := d.Decode(newVal.Interface()); err != nil {
			return fmt.Errorf("error decoding array item %d: %w", i, err)
		}
		slice.Index(i).Set(newVal.Elem())
	}

	return nil
}

func (d *Decoder) decodeMap(start int64, rv reflect.Value, lowFiveBits byte, additional []byte) error {
	if rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map {
		return fmt.Errorf("%w: expected a map type",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}
	length, err := d.decodeLen(start, mapMajorType, lowFiveBits, additional)
	if err != nil {
		return err
	}

	// Create or clear map
	if rv.IsNil() {
		rv.Set(reflect.MakeMap(rv.Type()))
	}
	rv.Clear()

	// Iteratively decode each key-value pair
	keyType, valType := rv.Type().Key(), rv.Type().Elem()
	for i := range length / 2 {
		keyStart := d.r.n
		newKey := reflect.New(keyType)
		if err := d.Decode(newKey.Interface()); err != nil {
			return fmt.Errorf("error decoding map key %d: %w", i, err)
		}

		actualKeyType := keyType
		if keyType.Kind() == reflect.Interface {
			if !newKey.Elem().Elem().IsValid() {
				return &DecodeError{Offset: keyStart, Expected: "map key", Err: errors.New("map key cannot be null or undefined")}
			}
			actualKeyType = newKey.Elem().Elem().Type()
		}
		if !actualKeyType.Comparable() {
			return &DecodeError{Offset: keyStart, Expected: "map key", Err: fmt.Errorf("map key type (%s) not comparable", actualKeyType)}
		}
		if rv.MapIndex(newKey.Elem()).IsValid() {
			return &DecodeError{Offset: keyStart, Expected: "map key", Err: errors.New("duplicate map key")}
		}

		newVal := reflect.New(valType)
		if err := d.Decode(newVal.Interface()); err != nil {
			return fmt.Errorf("error decoding map val %d: %w", i, err)
		}
		rv.SetMapIndex(newKey.Elem(), newVal.Elem())
	}

	return nil
}

func (d *Decoder) decodeTag(rv reflect.Value, additional []byte) error {
	if _, ok := rv.Interface().(TagData); !ok {
		return fmt.Errorf("%w: expected a cbor.Tag type (or interface wrapping it)",
			ErrUnsupportedType{typeName: rv.Type().String()})
	}

	// If the value is an interface wrapping a Tag, then a new struct with
	// addressable fields must be created and set.
	var iface reflect.Value
	if rv.Kind() == reflect.Interface {
		newVal := reflect.New(rv.Elem().Type())
		iface, rv = rv, newVal.Elem()
	}

	num := toU64(additional)
	rv.FieldByName("Num").SetUint(num)

	valField := rv.FieldByName("Val")
	if err := d.Decode(valField.Addr().Interface()); err != nil {
		return fmt.Errorf("error decoding tag %d value: %w", num, err)
	}

	if iface.IsValid() {
		iface.Set(rv)
	}

	return nil
}

func (d *Decoder) decodeSimple(rv reflect.Value, lowFiveBits byte) error {
	switch lowFiveBits {
	case falseVal, trueVal:
		if kindOf(rv) != reflect.Bool {
			return fmt.Errorf("%w: must be a bool",
				ErrUnsupportedType{typeName: rv.Type().String()})
		}
		setVal(rv, reflect.ValueOf(lowFiveBits == trueVal))
	case nullVal, undefinedVal:
		switch rv.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
			rv.SetZero()
		default:
			return fmt.Errorf("%w: must be a pointer, interface, slice, or map to decode null/undefined",
				ErrUnsupportedType{typeName: rv.Type().String()})
		}
	case halfFloat, singleFloat, doubleFloat:
		return ErrUnsupportedType{typeName: "float"}
	default:
		return ErrUnsupportedType{typeName: "simple value " + strconv.Itoa(int(lowFiveBits))}
	}
	return nil
}

func (d *Decoder) typeInfo() (highThreeBits, lowFiveBits byte, additional []byte, _ error) {
	start := d.r.n
	var first [1]byte
	if n, err := d.r.Read(first[:]); n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return 0, 0, nil, &DecodeError{Offset: start, Expected: "data item", Err: err}
	}

	highThreeBits = first[0] >> 5
	lowFiveBits = first[0] & fiveBitMask

	// If the low five bits indicate, read 1, 2, 4, or 8 additional bytes
	switch lowFiveBits {
	case oneByteAdditional:
		additional = make([]byte, 1)
	case twoBytesAdditional:
		additional = make([]byte, 2)
	case fourBytesAdditional:
		additional = make([]byte, 4)
	case eightBytesAdditional:
		additional = make([]byte, 8)
	case 0x1c, 0x1d, 0x1e:
		return 0, 0, nil, &DecodeError{
			Offset:   start,
			Expected: majorTypeNames[highThreeBits],
			Err:      fmt.Errorf("reserved additional info %#x", lowFiveBits),
		}
	case indefiniteAdditional:
		return 0, 0, nil, &DecodeError{
			Offset:   start,
			Expected: "definite length " + majorTypeNames[highThreeBits],
			Err:      errors.New("indefinite length items are not supported"),
		}
	default:
		return highThreeBits, lowFiveBits, nil, nil
	}

	if _, err := io.ReadFull(d.r, additional); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, &DecodeError{Offset: start, Expected: majorTypeNames[highThreeBits], Err: err}
	}
	return highThreeBits, lowFiveBits, additional, nil
}

// Encoder allows for setting encoding options when marshaling CBOR data.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new Encoder. The [io.Writer] is not automatically
// flushed.
//
// Maps are always written in Core Deterministic form: keys sorted bytewise
// lexically by their encoding.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) write(b []byte) error {
	_, err := e.w.Write(b)
	return err
}

// Encode CBOR data to the underlying [io.Writer].
//
//nolint:gocyclo // Dispatch will always have naturally high complexity.
func (e *Encoder) Encode(v any) error {
	// Reflection does not keep the underlying value in scope, so this is
	// needed to keep finalizers from running and possibly modifying the value
	// being encoded (such as zeroing secrets).
	defer runtime.KeepAlive(v)

	// Use reflection to dereference pointers, get concrete types out of
	// interfaces, and unwrap named types
	rv := reflect.ValueOf(v)
	for (rv.Kind() == reflect.Pointer && !rv.IsNil()) || rv.Kind() == reflect.Interface {
		if m, ok := rv.Interface().(Marshaler); ok {
			return e.encodeMarshaler(m)
		}
		rv = rv.Elem()
	}
	if rv.IsValid() {
		v = rv.Interface()
	}

	if m, ok := v.(Marshaler); ok && !holdsNilPtr(v) {
		return e.encodeMarshaler(m)
	}

	// Dispatch encoding by reflected data type
	switch {
	case func() bool { _, ok := v.(TagData); return ok }():
		return e.encodeTag(v.(TagData))
	case rv.CanInt() || rv.CanUint():
		return e.encodeNumber(rv)
	case rv.Kind() == reflect.String,
		(rv.Kind() == reflect.Array || rv.Kind() == reflect.Slice) && rv.Type().Elem().Kind() == reflect.Uint8:
		return e.encodeTextOrBinary(rv)
	case rv.Kind() == reflect.Array || rv.Kind() == reflect.Slice:
		return e.encodeArray(rv)
	case rv.Kind() == reflect.Struct:
		return e.encodeStruct(rv)
	case rv.Kind() == reflect.Map:
		return e.encodeMap(rv)
	case rv.Kind() == reflect.Bool:
		return e.encodeBool(rv.Bool())
	case (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil():
		return e.encodeNull()
	case !rv.IsValid():
		return e.encodeNull()
	default:
		return ErrUnsupportedType{typeName: rv.Type().String()}
	}
}

func (e *Encoder) encodeMarshaler(m Marshaler) error {
	b, err := m.MarshalCBOR()
	if err != nil {
		return err
	}
	return e.write(b)
}

func holdsNilPtr(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// head encodes a major type and argument in shortest form.
func head(majorType byte, arg uint64) []byte {
	b := (majorType & threeBitMask) << 5
	switch {
	case arg < uint64(oneByteAdditional):
		return []byte{b | byte(arg)}
	case arg <= math.MaxUint8:
		return []byte{b | oneByteAdditional, byte(arg)}
	case arg <= math.MaxUint16:
		return binary.BigEndian.AppendUint16([]byte{b | twoBytesAdditional}, uint16(arg))
	case arg <= math.MaxUint32:
		return binary.BigEndian.AppendUint32([]byte{b | fourBytesAdditional}, uint32(arg))
	default:
		return binary.BigEndian.AppendUint64([]byte{b | eightBytesAdditional}, arg)
	}
}

// panics if more than 8 bytes given
func toU64(b []byte) uint64 {
	if len(b) > 8 {
		panic("too many bytes to decode into a uint64 without overflowing")
	}
	var padded [8]byte
	copy(padded[8-len(b):], b)
	return binary.BigEndian.Uint64(padded[:])
}

func (e *Encoder) encodeNumber(rv reflect.Value) error {
	switch {
	case rv.CanUint():
		return e.write(head(unsignedIntMajorType, rv.Uint()))
	case rv.CanInt():
		if v := rv.Int(); v >= 0 {
			return e.write(head(unsignedIntMajorType, uint64(v)))
		} else {
			return e.write(head(negativeIntMajorType, uint64(-(v + 1))))
		}
	}
	return ErrUnsupportedType{typeName: rv.Type().String()}
}

func (e *Encoder) encodeTextOrBinary(rv reflect.Value) error {
	var b []byte
	var majorType byte
	switch rv.Kind() {
	case reflect.String:
		majorType = textStringMajorType
		b = []byte(rv.String())
	case reflect.Slice:
		majorType = byteStringMajorType
		b = rv.Bytes()
	case reflect.Array:
		majorType = byteStringMajorType
		b = make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
	}

	if err := e.write(head(majorType, uint64(len(b)))); err != nil {
		return err
	}
	return e.write(b)
}

func (e *Encoder) encodeArray(rv reflect.Value) error {
	if err := e.write(head(arrayMajorType, uint64(rv.Len()))); err != nil {
		return err
	}
	for i := range rv.Len() {
		if err := e.Encode(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func isEmpty(v reflect.Value) bool {
	return v.IsZero() ||
		(v.Kind() == reflect.Slice && v.Len() == 0) ||
		(v.Kind() == reflect.Map && v.Len() == 0)
}

func (e *Encoder) encodeStruct(rv reflect.Value) error {
	indices, omittable := fieldOrder(rv.Type())

	// Only a trailing omittable field may be left out, otherwise decoding
	// would be ambiguous
	if n := len(indices); n > 0 && omittable(indices[n-1]) && isEmpty(rv.FieldByIndex(indices[n-1])) {
		indices = indices[:n-1]
	}

	if err := e.write(head(arrayMajorType, uint64(len(indices)))); err != nil {
		return err
	}
	for _, idx := range indices {
		if err := e.Encode(rv.FieldByIndex(idx).Interface()); err != nil {
			return fmt.Errorf("error encoding struct field %s: %w", rv.Type().FieldByIndex(idx).Name, err)
		}
	}
	return nil
}

func (e *Encoder) encodeMap(rv reflect.Value) error {
	if err := e.write(head(mapMajorType, uint64(rv.Len()))); err != nil {
		return err
	}

	// Marshal all keys
	keys := rv.MapKeys()
	marshaledKeys := make([][]byte, len(keys))
	for i, key := range keys {
		b, err := Marshal(key.Interface())
		if err != nil {
			return err
		}
		marshaledKeys[i] = b
	}

	// Sort keys deterministically
	indices := make([]int, len(keys))
	for i := range keys {
		indices[i] = i
	}
	sort.Slice(indices, func(i, j int) bool {
		return bytes.Compare(marshaledKeys[indices[i]], marshaledKeys[indices[j]]) < 0
	})

	// Append each key-value pair by encoding key then value
	for _, i := range indices {
		if err := e.write(marshaledKeys[i]); err != nil {
			return err
		}
		if err := e.Encode(rv.MapIndex(keys[i]).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeTag(tag TagData) error {
	if err := e.write(head(tagMajorType, tag.Number())); err != nil {
		return err
	}
	return e.Encode(tag.Value())
}

func (e *Encoder) encodeBool(truthy bool) error {
	b := simpleMajorType << 5
	if truthy {
		b |= trueVal
	} else {
		b |= falseVal
	}
	return e.write([]byte{b})
}

func (e *Encoder) encodeNull() error {
	return e.write([]byte{simpleMajorType<<5 | nullVal})
}

type weightedField struct {
	index     []int
	weight    int
	omittable bool
}

// Handle weighting/skipping options in struct tags. Lowest weight is encoded
// first, ties keep declaration order.
func fieldOrder(t reflect.Type) (indices [][]int, omittable func([]int) bool) {
	fields := collectFieldWeights(nil, t)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].weight < fields[j].weight })

	for _, f := range fields {
		indices = append(indices, f.index)
	}
	return indices, func(idx []int) bool {
		for _, f := range fields {
			if slices.Equal(f.index, idx) {
				return f.omittable
			}
		}
		return false
	}
}

func collectFieldWeights(parents []int, t reflect.Type) (fields []weightedField) {
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		// Extract cbor tag value before the first comma separator (if any)
		val, options, _ := strings.Cut(f.Tag.Get("cbor"), ",")
		if val == "-" {
			continue
		}
		weight, _ := strconv.Atoi(val)

		index := append(slices.Clone(parents), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			fields = append(fields, collectFieldWeights(index, f.Type)...)
			continue
		}

		fields = append(fields, weightedField{
			index:     index,
			weight:    weight,
			omittable: slices.Contains(strings.Split(options, ","), "omitempty"),
		})
	}
	return fields
}
