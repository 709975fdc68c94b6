// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"bytes"
	"errors"
	"fmt"
)

// RawMap is a CBOR map whose values stay encoded until the caller knows which
// type each one decodes into. This is the shape of most mobile document
// structures, which are integer-keyed maps with heterogeneous values.
//
// Errors returned by [RawMap.Decode] carry offsets relative to the start of
// the map, so an Unmarshaler built on RawMap reports positions in the
// original input.
type RawMap[K comparable] struct {
	keys    []K
	values  map[K]RawBytes
	offsets map[K]int64
}

// UnmarshalCBOR implements Unmarshaler.
func (m *RawMap[K]) UnmarshalCBOR(data []byte) error {
	d := NewDecoder(bytes.NewReader(data))
	highThreeBits, lowFiveBits, additional, err := d.typeInfo()
	if err != nil {
		return err
	}
	if highThreeBits != mapMajorType {
		return &DecodeError{Offset: 0, Expected: "map", Err: fmt.Errorf("got %s", majorTypeNames[highThreeBits])}
	}
	length, err := d.decodeLen(0, highThreeBits, lowFiveBits, additional)
	if err != nil {
		return err
	}
	d.depth++

	*m = RawMap[K]{
		values:  make(map[K]RawBytes, length/2),
		offsets: make(map[K]int64, length/2),
	}
	for range length / 2 {
		keyStart := d.InputOffset()
		var key K
		if err := d.Decode(&key); err != nil {
			return d.wrap(keyStart, "map key", err)
		}
		if _, dup := m.values[key]; dup {
			return &DecodeError{Offset: keyStart, Expected: "map key", Err: errors.New("duplicate map key")}
		}

		valStart := d.InputOffset()
		raw, err := d.decodeRaw()
		if err != nil {
			return d.wrap(valStart, "data item", err)
		}
		m.keys = append(m.keys, key)
		m.values[key] = raw
		m.offsets[key] = valStart
	}
	return nil
}

// Keys returns the keys in the order they were encoded.
func (m *RawMap[K]) Keys() []K { return append([]K(nil), m.keys...) }

// Has reports whether key is present.
func (m *RawMap[K]) Has(key K) bool {
	_, ok := m.values[key]
	return ok
}

// Raw returns the encoded value of key or nil if it is absent.
func (m *RawMap[K]) Raw(key K) RawBytes { return m.values[key] }

// Offset returns the position of the value of key within the map.
func (m *RawMap[K]) Offset(key K) int64 { return m.offsets[key] }

// Decode unmarshals the value of key into v. It returns false if key is not
// present.
func (m *RawMap[K]) Decode(key K, v any) (bool, error) {
	raw, ok := m.values[key]
	if !ok {
		return false, nil
	}
	return true, ShiftError(Unmarshal(raw, v), m.offsets[key])
}

// Errorf returns a *DecodeError positioned at the value of key.
func (m *RawMap[K]) Errorf(key K, expected, format string, args ...any) error {
	return &DecodeError{Offset: m.offsets[key], Expected: expected, Err: fmt.Errorf(format, args...)}
}
