// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package verify

import (
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/svipe/go-mdl/cbor"
)

// IssuerSignedItem is one disclosed data element.
//
//	IssuerSignedItem = {
//	    "digestID": uint,
//	    "random": bstr,
//	    "elementIdentifier": tstr,
//	    "elementValue": any
//	}
type IssuerSignedItem struct {
	DigestID          uint64
	Random            []byte
	ElementIdentifier string
	ElementValue      cbor.RawBytes
}

// IssuerSignedItemBytes is #6.24(bstr .cbor IssuerSignedItem). Its encoding,
// tag included, is what the mobile security object digests.
type IssuerSignedItemBytes = cbor.Encoded[IssuerSignedItem]

// NewIssuerSignedItem encodes value and salts the item with 16 random bytes.
func NewIssuerSignedItem(digestID uint64, identifier string, value any) (*IssuerSignedItemBytes, error) {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("error encoding element %q: %w", identifier, err)
	}
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	return cbor.NewEncoded(IssuerSignedItem{
		DigestID:          digestID,
		Random:            random,
		ElementIdentifier: identifier,
		ElementValue:      raw,
	})
}

// Value decodes the element value.
func (item IssuerSignedItem) Value() (any, error) {
	var v any
	if err := cbor.Unmarshal(item.ElementValue, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalCBOR implements cbor.Marshaler.
func (item IssuerSignedItem) MarshalCBOR() ([]byte, error) {
	random := item.Random
	if random == nil {
		random = []byte{}
	}
	value := item.ElementValue
	if len(value) == 0 {
		value = cbor.RawBytes{0xf6} // null
	}
	return cbor.Marshal(map[string]any{
		"digestID":          item.DigestID,
		"random":            random,
		"elementIdentifier": item.ElementIdentifier,
		"elementValue":      value,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (item *IssuerSignedItem) UnmarshalCBOR(data []byte) error {
	var m cbor.RawMap[string]
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}
	var out IssuerSignedItem
	for _, f := range []struct {
		key string
		v   any
	}{
		{"digestID", &out.DigestID},
		{"random", &out.Random},
		{"elementIdentifier", &out.ElementIdentifier},
	} {
		if ok, err := m.Decode(f.key, f.v); err != nil {
			return err
		} else if !ok {
			return &cbor.DecodeError{Expected: "IssuerSignedItem", Err: fmt.Errorf("%s is missing", f.key)}
		}
	}
	if !m.Has("elementValue") {
		return &cbor.DecodeError{Expected: "IssuerSignedItem", Err: errors.New("elementValue is missing")}
	}
	out.ElementValue = m.Raw("elementValue")
	*item = out
	return nil
}

// NameSpace groups the items of one name space, e.g. "org.iso.18013.5.1".
type NameSpace struct {
	Name  string
	Items []IssuerSignedItemBytes
}

// IssuerNameSpaces keeps name spaces in the order they were encoded.
//
//	IssuerNameSpaces = { + NameSpace => [ + IssuerSignedItemBytes ] }
type IssuerNameSpaces []NameSpace

// DecodeIssuerNameSpaces decodes name spaces. Offsets of decode errors are
// positions in data.
func DecodeIssuerNameSpaces(data []byte) (IssuerNameSpaces, error) {
	var ns IssuerNameSpaces
	if err := cbor.Unmarshal(data, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// MarshalCBOR implements cbor.Marshaler.
func (ns IssuerNameSpaces) MarshalCBOR() ([]byte, error) {
	m := make(map[string][]IssuerSignedItemBytes, len(ns))
	for _, n := range ns {
		if _, dup := m[n.Name]; dup {
			return nil, fmt.Errorf("duplicate name space %q", n.Name)
		}
		m[n.Name] = n.Items
	}
	return cbor.Marshal(m)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (ns *IssuerNameSpaces) UnmarshalCBOR(data []byte) error {
	var m cbor.RawMap[string]
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}
	keys := m.Keys()
	if len(keys) == 0 {
		return &cbor.DecodeError{Expected: "non-empty map", Err: errors.New("no name spaces")}
	}
	out := make(IssuerNameSpaces, 0, len(keys))
	for _, name := range keys {
		var items []IssuerSignedItemBytes
		if _, err := m.Decode(name, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			return m.Errorf(name, "non-empty array", "name space %q has no items", name)
		}
		out = append(out, NameSpace{Name: name, Items: items})
	}
	*ns = out
	return nil
}

// Attributes decodes every element value by name space and identifier.
func (ns IssuerNameSpaces) Attributes() (map[string]map[string]any, error) {
	attrs := make(map[string]map[string]any, len(ns))
	for _, n := range ns {
		values := make(map[string]any, len(n.Items))
		for _, item := range n.Items {
			v, err := item.Val.Value()
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", n.Name, item.Val.ElementIdentifier, err)
			}
			values[item.Val.ElementIdentifier] = v
		}
		attrs[n.Name] = values
	}
	return attrs, nil
}

// digest hashes the tagged encoding of an item.
func digest(h crypto.Hash, item IssuerSignedItemBytes) ([]byte, error) {
	data, err := cbor.Marshal(item)
	if err != nil {
		return nil, err
	}
	d := h.New()
	_, _ = d.Write(data)
	return d.Sum(nil), nil
}
