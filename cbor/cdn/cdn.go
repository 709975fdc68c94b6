// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package cdn renders CBOR in Diagnostic Notation (RFC 8949 section 8).
//
// Binary values are written in base16 and embedded CBOR (tag 24) is expanded
// using the << >> notation of RFC 8610 appendix G.3 when its contents are well
// formed.
//
//	s, _ := cdn.FromCBOR(engagementBytes)
//	// {0: "1.0", 1: [1, 24(<<{1: 2, -1: 1, -2: h'...', -3: h'...'}>>)], ...}
//
// Map entries are written in the deterministic order of their encoded keys.
package cdn

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/svipe/go-mdl/cbor"
)

// Sentinel errors
var (
	ErrInvalidInput        = errors.New("cdn: unexpected input")
	ErrInvalidEncodingType = errors.New("cdn: invalid encoding type")
)

// FromCBOR re-encodes CBOR bytes as a diagnostic string.
func FromCBOR(c []byte) (string, error) {
	var v any
	if err := cbor.Unmarshal(c, &v); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	var b bytes.Buffer
	if err := encodeValue(&b, v); err != nil {
		return "", err
	}

	return b.String(), nil
}

// String is FromCBOR for log output. Input that is not valid CBOR is written
// as base16.
func String(c []byte) string {
	s, err := FromCBOR(c)
	if err != nil {
		return "h'" + hex.EncodeToString(c) + "'"
	}
	return s
}

func encodeValue(b *bytes.Buffer, v any) error { //nolint:gocyclo
	switch v := v.(type) {
	default:
		return fmt.Errorf("%w: %T", ErrInvalidEncodingType, v)

	case []byte:
		_, _ = b.WriteString("h'")
		_, _ = hex.NewEncoder(b).Write(v)
		_, _ = b.WriteString("'")

	case string:
		d, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, _ = b.Write(d)

	case bool:
		_, _ = b.WriteString(strconv.FormatBool(v))

	case nil:
		_, _ = b.WriteString("null")

	case int64:
		_, _ = b.WriteString(strconv.FormatInt(v, 10))

	case uint64:
		_, _ = b.WriteString(strconv.FormatUint(v, 10))

	case []any:
		_, _ = b.WriteString("[")
		for index, element := range v {
			if index > 0 {
				_, _ = b.WriteString(", ")
			}
			if err := encodeValue(b, element); err != nil {
				return err
			}
		}
		_, _ = b.WriteString("]")

	case map[any]any:
		return encodeMap(b, v)

	case cbor.Tag[cbor.RawBytes]:
		_, _ = b.WriteString(strconv.FormatUint(v.Num, 10))
		_, _ = b.WriteString("(")

		var val any
		if err := cbor.Unmarshal(v.Val, &val); err != nil {
			return err
		}
		if embedded, ok := val.([]byte); ok && v.Num == cbor.EncodedCBORTag {
			if s, err := FromCBOR(embedded); err == nil {
				_, _ = b.WriteString("<<" + s + ">>)")
				return nil
			}
		}
		if err := encodeValue(b, val); err != nil {
			return err
		}

		_, _ = b.WriteString(")")
	}

	return nil
}

func encodeMap(b *bytes.Buffer, m map[any]any) error {
	type entry struct {
		sortKey []byte
		key     any
		val     any
	}
	entries := make([]entry, 0, len(m))
	for key, val := range m {
		sortKey, err := cbor.Marshal(key)
		if err != nil {
			return err
		}
		entries = append(entries, entry{sortKey: sortKey, key: key, val: val})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].sortKey, entries[j].sortKey) < 0
	})

	_, _ = b.WriteString("{")
	for i, e := range entries {
		if i > 0 {
			_, _ = b.WriteString(", ")
		}
		if err := encodeValue(b, e.key); err != nil {
			return err
		}
		_, _ = b.WriteString(": ")
		if err := encodeValue(b, e.val); err != nil {
			return err
		}
	}
	_, _ = b.WriteString("}")
	return nil
}
