// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mdl

import (
	"errors"
	"fmt"

	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cose"
)

// CipherSuite1 is the only cipher suite defined for mobile documents: ECDH
// with the curve of the device key, HKDF-SHA-256 and AES-256-GCM.
const CipherSuite1 int64 = 1

// Security holds the cipher suite identifier and the ephemeral public device
// key (EDeviceKey) of an engagement.
//
//	Security = [
//	    int,              ; cipher suite identifier
//	    EDeviceKeyBytes   ; #6.24(bstr .cbor COSE_Key)
//	]
//
// Security values are immutable.
type Security struct {
	cipherSuite int64
	deviceKey   cbor.Encoded[cose.Key]
}

// CipherSuiteIdent returns the cipher suite identifier.
func (s *Security) CipherSuiteIdent() int64 { return s.cipherSuite }

// CoseKey returns a copy of the ephemeral device key.
func (s *Security) CoseKey() *cose.Key { return s.deviceKey.Val.PublicPart() }

// DeviceKeyBytes returns the encoded COSE_Key exactly as it appears in the
// engagement.
func (s *Security) DeviceKeyBytes() []byte {
	raw, _ := s.deviceKey.Bytes()
	return append([]byte(nil), raw...)
}

type security struct {
	CipherSuite int64
	DeviceKey   cbor.Encoded[cose.Key]
}

// MarshalCBOR implements cbor.Marshaler.
func (s Security) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(security{CipherSuite: s.cipherSuite, DeviceKey: s.deviceKey})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s *Security) UnmarshalCBOR(data []byte) error {
	var sec security
	if err := cbor.Unmarshal(data, &sec); err != nil {
		return err
	}
	if sec.DeviceKey.Val.IsPrivate() {
		return &DecodeError{Expected: "public COSE_Key", Err: errors.New("device key contains a private part")}
	}
	s.cipherSuite = sec.CipherSuite
	s.deviceKey = sec.DeviceKey
	return nil
}

// SecurityBuilder builds a [Security] descriptor.
type SecurityBuilder struct {
	cipherSuite int64
	key         *cose.Key
}

// NewSecurityBuilder returns a builder defaulting to [CipherSuite1].
func NewSecurityBuilder() *SecurityBuilder {
	return &SecurityBuilder{cipherSuite: CipherSuite1}
}

// SetCoseKey sets the ephemeral device key. Only its public part is kept.
func (b *SecurityBuilder) SetCoseKey(key *cose.Key) *SecurityBuilder {
	b.key = key
	return b
}

// SetCipherSuiteIdent sets the cipher suite identifier.
func (b *SecurityBuilder) SetCipherSuiteIdent(ident int64) *SecurityBuilder {
	b.cipherSuite = ident
	return b
}

// Build validates the key and returns the descriptor.
func (b *SecurityBuilder) Build() (*Security, error) {
	if b.key == nil {
		return nil, NewConfigurationError("Security", "coseKey", "device key is required")
	}
	if b.cipherSuite <= 0 {
		return nil, NewConfigurationError("Security", "cipherSuiteIdent", fmt.Sprintf("invalid identifier %d", b.cipherSuite))
	}
	if _, err := b.key.ECDH(); err != nil {
		return nil, NewConfigurationError("Security", "coseKey", err.Error())
	}
	encoded, err := cbor.NewEncoded(*b.key.PublicPart())
	if err != nil {
		return nil, fmt.Errorf("error encoding device key: %w", err)
	}
	return &Security{cipherSuite: b.cipherSuite, deviceKey: *encoded}, nil
}
