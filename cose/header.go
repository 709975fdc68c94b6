// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"github.com/svipe/go-mdl/cbor"
)

// Header is a type for embedding protected and unprotected headers into COSE
// structures.
type Header struct {
	Protected   HeaderMap
	Unprotected HeaderMap

	// protected holds the serialized protected header exactly as it was
	// received or signed, since signatures cover those bytes
	protected []byte
}

// HeaderMap is used for protected and unprotected headers, which must have an
// int or string key and any value.
type HeaderMap map[Label]any

// Parse is a helper to get values from the header map as the expected type.
// Because a HeaderMap unmarshals values to an any interface, their type
// follows the rules of the CBOR unmarshaler. Parse marshals a value back to
// CBOR and then unmarshals it into the provided pointer type v.
func (hm HeaderMap) Parse(l Label, v any) (bool, error) {
	if hm == nil || hm[l] == nil {
		return false, nil
	}
	data, err := cbor.Marshal(hm[l])
	if err != nil {
		return true, err
	}
	return true, cbor.Unmarshal(data, v)
}

// HeaderParser decodes headers and is a read-only interface.
type HeaderParser interface {
	// Parse gets values from the header map as the expected type. v must be a
	// pointer type, where the underlying value will be set.
	Parse(l Label, v any) (bool, error)
}

/*
Common labels

	+-----------+-------+----------------+-------------------------------+
	| Name      | Label | Value Type     | Description                   |
	+-----------+-------+----------------+-------------------------------+
	| alg       | 1     | int / tstr     | Cryptographic algorithm       |
	| crit      | 2     | [+ label]      | Critical headers              |
	| content   | 3     | tstr / uint    | Content type of the payload   |
	| type      |       |                |                               |
	| kid       | 4     | bstr           | Key identifier                |
	| x5chain   | 33    | COSE_X509      | Certificate chain, leaf first |
	+-----------+-------+----------------+-------------------------------+
*/
var (
	AlgLabel         = Label{Int64: 1}
	CritLabel        = Label{Int64: 2}
	ContentTypeLabel = Label{Int64: 3}
	KidLabel         = Label{Int64: 4}
	X5ChainLabel     = Label{Int64: 33}
)

// serializedProtected returns the protected header bytes covered by a
// signature. An empty protected header is a zero-length byte string.
func (hdr Header) serializedProtected() ([]byte, error) {
	if hdr.protected != nil {
		return hdr.protected, nil
	}
	if len(hdr.Protected) == 0 {
		return []byte{}, nil
	}
	return cbor.Marshal(hdr.Protected)
}

func decodeHeaderMap(data []byte) (HeaderMap, error) {
	hm := make(HeaderMap)
	if len(data) == 0 {
		return hm, nil
	}
	if err := cbor.Unmarshal(data, &hm); err != nil {
		return nil, err
	}
	return hm, nil
}

// normalize re-decodes the header maps so that values hold the same Go types
// they will have after a round trip through CBOR.
func (hdr *Header) normalize() error {
	protected, err := hdr.serializedProtected()
	if err != nil {
		return err
	}
	if hdr.Protected, err = decodeHeaderMap(protected); err != nil {
		return err
	}
	hdr.protected = protected

	unprotected, err := cbor.Marshal(hdr.Unprotected)
	if err != nil {
		return err
	}
	hdr.Unprotected = make(HeaderMap)
	return cbor.Unmarshal(unprotected, &hdr.Unprotected)
}
