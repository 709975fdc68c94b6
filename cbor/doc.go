// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

/*
Package cbor implements the subset of RFC 8949 Concise Binary Object
Representation (CBOR) used by mobile documents and COSE.

Not supported:

  - Indefinite length arrays, maps, byte strings, or text strings
  - Simple values other than bool, null, and undefined
  - Floats
  - Numbers greater than 64 bits
  - Decoding structs with more than one omittable field
  - Encoding/decoding structs to/from CBOR maps
  - UTF-8 validation of strings

Structures that are CBOR maps on the wire (engagements, COSE keys, mDL
options) implement [Marshaler] and [Unmarshaler] and convert to and from Go
maps themselves.

# Encoding

Encoding is always Core Deterministic (RFC 8949 section 4.2.1): arguments use
the shortest form and map keys are sorted by the bytewise lexical order of
their encodings. Encoding the same value twice always yields the same bytes.

	var w bytes.Buffer
	enc := cbor.NewEncoder(&w)

	_ = enc.Encode(true)                             // 0xf5
	_ = enc.Encode((*int)(nil))                      // 0xf6
	_ = enc.Encode(-1)                               // 0x20
	_ = enc.Encode([]byte{0x01, 0x02})               // 0x42 0x01 0x02
	_ = enc.Encode(struct{ A int }{A: 1})            // 0x81 0x01
	_ = enc.Encode(map[any]int{"a": 1, 10: 2, 1: 3}) // keys ordered 1, 10, "a"
	_ = enc.Encode(cbor.Tag[string]{Num: 42, Val: "life"})

Embedded CBOR (tag 24) is written with [Encoded]:

	key, _ := cbor.NewEncoded(coseKey) // #6.24(bstr .cbor COSE_Key)

# Decoding

Decoding can be done with [Decoder.Decode] or [Unmarshal]. Unmarshal fails if
any bytes follow the first data item.

	var s struct{ A int; B string }
	_ = cbor.Unmarshal([]byte{0x82, 0x01, 0x64, 0x49, 0x45, 0x54, 0x46}, &s)

Every failure caused by the input is a [*DecodeError] naming the offset of the
failing token and the kind of token that was expected. Declared lengths are
checked against [MaxArrayDecodeLength] and against the unread input before
anything is allocated.

When decoding into an any/empty interface type, the following CBOR to Go type
mapping is used:

	Unsigned     -> int64 (uint64 above math.MaxInt64)
	Negative     -> int64
	Byte String  -> []byte
	Text String  -> string
	Array        -> []interface{}
	Map          -> map[interface{}]interface{}
	Tag          -> cbor.Tag[cbor.RawBytes]
	Simple(Bool) -> bool
	Null         -> nil
*/
package cbor
