// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package verify

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cose"
)

// Digest algorithm identifiers of a mobile security object.
const (
	SHA256 = "SHA-256"
	SHA384 = "SHA-384"
	SHA512 = "SHA-512"
)

// MSOVersion is the only mobile security object version.
const MSOVersion = "1.0"

// ValidityInfo bounds when a mobile security object may be relied upon.
type ValidityInfo struct {
	Signed         time.Time
	ValidFrom      time.Time
	ValidUntil     time.Time
	ExpectedUpdate time.Time // optional
}

// MobileSecurityObject is the payload signed by the issuer.
//
//	MobileSecurityObject = {
//	    "version": tstr,
//	    "digestAlgorithm": tstr,
//	    "valueDigests": { + NameSpace => { + DigestID => Digest } },
//	    "deviceKeyInfo": { "deviceKey": COSE_Key, * tstr => any },
//	    "docType": tstr,
//	    "validityInfo": ValidityInfo
//	}
type MobileSecurityObject struct {
	Version         string
	DigestAlgorithm string
	ValueDigests    map[string]map[uint64][]byte
	DeviceKey       cose.Key
	DocType         string
	ValidityInfo    ValidityInfo
}

// DecodeMobileSecurityObject decodes the payload of an issuerAuth signature,
// which is MobileSecurityObjectBytes (#6.24 wrapped).
func DecodeMobileSecurityObject(payload []byte) (*MobileSecurityObject, error) {
	var enc cbor.Encoded[MobileSecurityObject]
	if err := cbor.Unmarshal(payload, &enc); err != nil {
		return nil, err
	}
	return &enc.Val, nil
}

// Payload encodes the object as MobileSecurityObjectBytes, ready to sign.
func (mso *MobileSecurityObject) Payload() ([]byte, error) {
	enc, err := cbor.NewEncoded(*mso)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(enc)
}

// Hash returns the hash function named by the digest algorithm.
func (mso *MobileSecurityObject) Hash() (crypto.Hash, error) {
	switch mso.DigestAlgorithm {
	case SHA256:
		return crypto.SHA256, nil
	case SHA384:
		return crypto.SHA384, nil
	case SHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported digest algorithm %q", mso.DigestAlgorithm)
	}
}

// AddDigests records the digest of every item of ns.
func (mso *MobileSecurityObject) AddDigests(ns IssuerNameSpaces) error {
	h, err := mso.Hash()
	if err != nil {
		return err
	}
	if mso.ValueDigests == nil {
		mso.ValueDigests = make(map[string]map[uint64][]byte)
	}
	for _, n := range ns {
		ids := mso.ValueDigests[n.Name]
		if ids == nil {
			ids = make(map[uint64][]byte)
			mso.ValueDigests[n.Name] = ids
		}
		for _, item := range n.Items {
			if _, dup := ids[item.Val.DigestID]; dup {
				return fmt.Errorf("%s: duplicate digest ID %d", n.Name, item.Val.DigestID)
			}
			if ids[item.Val.DigestID], err = digest(h, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckDigests verifies that every disclosed item has a matching digest.
func (mso *MobileSecurityObject) CheckDigests(ns IssuerNameSpaces) error {
	h, err := mso.Hash()
	if err != nil {
		return err
	}
	for _, n := range ns {
		ids, ok := mso.ValueDigests[n.Name]
		if !ok {
			return fmt.Errorf("name space %q is not signed", n.Name)
		}
		for _, item := range n.Items {
			want, ok := ids[item.Val.DigestID]
			if !ok {
				return fmt.Errorf("%s/%s: no digest with ID %d", n.Name, item.Val.ElementIdentifier, item.Val.DigestID)
			}
			got, err := digest(h, item)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("%s/%s: digest mismatch", n.Name, item.Val.ElementIdentifier)
			}
		}
	}
	return nil
}

// CheckValidity reports whether now falls within the validity period.
func (mso *MobileSecurityObject) CheckValidity(now time.Time) error {
	vi := mso.ValidityInfo
	if now.Before(vi.ValidFrom) {
		return fmt.Errorf("valid from %s", vi.ValidFrom.Format(time.RFC3339))
	}
	if now.After(vi.ValidUntil) {
		return fmt.Errorf("expired at %s", vi.ValidUntil.Format(time.RFC3339))
	}
	return nil
}

// MarshalCBOR implements cbor.Marshaler.
func (mso MobileSecurityObject) MarshalCBOR() ([]byte, error) {
	validity := map[string]any{
		"signed":     cbor.Timestamp(mso.ValidityInfo.Signed),
		"validFrom":  cbor.Timestamp(mso.ValidityInfo.ValidFrom),
		"validUntil": cbor.Timestamp(mso.ValidityInfo.ValidUntil),
	}
	if !mso.ValidityInfo.ExpectedUpdate.IsZero() {
		validity["expectedUpdate"] = cbor.Timestamp(mso.ValidityInfo.ExpectedUpdate)
	}
	digests := mso.ValueDigests
	if digests == nil {
		digests = map[string]map[uint64][]byte{}
	}
	return cbor.Marshal(map[string]any{
		"version":         mso.Version,
		"digestAlgorithm": mso.DigestAlgorithm,
		"valueDigests":    digests,
		"deviceKeyInfo":   map[string]any{"deviceKey": mso.DeviceKey.PublicPart()},
		"docType":         mso.DocType,
		"validityInfo":    validity,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (mso *MobileSecurityObject) UnmarshalCBOR(data []byte) error {
	var m cbor.RawMap[string]
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}
	var out MobileSecurityObject
	for _, f := range []struct {
		key string
		v   any
	}{
		{"version", &out.Version},
		{"digestAlgorithm", &out.DigestAlgorithm},
		{"valueDigests", &out.ValueDigests},
		{"docType", &out.DocType},
	} {
		if ok, err := m.Decode(f.key, f.v); err != nil {
			return err
		} else if !ok {
			return &cbor.DecodeError{Expected: "MobileSecurityObject", Err: fmt.Errorf("%s is missing", f.key)}
		}
	}

	var keyInfo cbor.RawMap[string]
	if ok, err := m.Decode("deviceKeyInfo", &keyInfo); err != nil {
		return err
	} else if !ok {
		return &cbor.DecodeError{Expected: "MobileSecurityObject", Err: errors.New("deviceKeyInfo is missing")}
	}
	if ok, err := keyInfo.Decode("deviceKey", &out.DeviceKey); err != nil {
		return cbor.ShiftError(err, m.Offset("deviceKeyInfo"))
	} else if !ok {
		return m.Errorf("deviceKeyInfo", "DeviceKeyInfo", "deviceKey is missing")
	}

	var validity cbor.RawMap[string]
	if ok, err := m.Decode("validityInfo", &validity); err != nil {
		return err
	} else if !ok {
		return &cbor.DecodeError{Expected: "MobileSecurityObject", Err: errors.New("validityInfo is missing")}
	}
	for _, f := range []struct {
		key      string
		v        *time.Time
		optional bool
	}{
		{"signed", &out.ValidityInfo.Signed, false},
		{"validFrom", &out.ValidityInfo.ValidFrom, false},
		{"validUntil", &out.ValidityInfo.ValidUntil, false},
		{"expectedUpdate", &out.ValidityInfo.ExpectedUpdate, true},
	} {
		var ts cbor.Timestamp
		if ok, err := validity.Decode(f.key, &ts); err != nil {
			return cbor.ShiftError(err, m.Offset("validityInfo"))
		} else if !ok && !f.optional {
			return m.Errorf("validityInfo", "ValidityInfo", "%s is missing", f.key)
		}
		*f.v = time.Time(ts)
	}

	*mso = out
	return nil
}
