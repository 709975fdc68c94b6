// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/svipe/go-mdl/cbor"
)

const sig1Context = "Signature1"

// Sign1 is a COSE_Sign1 signature structure, which is used when only one
// signature is being placed on a message.
//
//	COSE_Sign1 = [
//	    Headers,
//	    payload : bstr / nil,
//	    signature : bstr
//	]
//
// Decoding accepts both the tagged (18) and untagged forms. Marshaling
// produces the untagged form; use [Sign1.Tag] for the tagged one.
type Sign1 struct {
	Header
	Payload   []byte // nil when detached
	Signature []byte // non-empty byte string
}

type sign1 struct {
	Protected   []byte
	Unprotected HeaderMap
	Payload     *[]byte
	Signature   []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (s1 Sign1) MarshalCBOR() ([]byte, error) {
	protected, err := s1.serializedProtected()
	if err != nil {
		return nil, fmt.Errorf("error serializing protected header: %w", err)
	}
	unprotected := s1.Unprotected
	if unprotected == nil {
		unprotected = HeaderMap{}
	}
	var payload *[]byte
	if s1.Payload != nil {
		payload = &s1.Payload
	}
	return cbor.Marshal(sign1{
		Protected:   protected,
		Unprotected: unprotected,
		Payload:     payload,
		Signature:   s1.Signature,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s1 *Sign1) UnmarshalCBOR(data []byte) error {
	var msg sign1
	start := 0
	if len(data) > 0 && data[0]>>5 == 6 {
		var tag cbor.Tag[sign1]
		if err := cbor.Unmarshal(data, &tag); err != nil {
			return err
		}
		if tag.Num != Sign1TagNum {
			return &cbor.DecodeError{
				Expected: "COSE_Sign1",
				Err:      fmt.Errorf("mismatched tag number %d for Sign1, expected %d", tag.Num, Sign1TagNum),
			}
		}
		msg = tag.Val
		start = len(data) - len(untag(data))
	} else if err := cbor.Unmarshal(data, &msg); err != nil {
		return err
	}

	if len(msg.Signature) == 0 {
		return &cbor.DecodeError{Offset: int64(start), Expected: "COSE_Sign1", Err: errors.New("empty signature")}
	}

	// The protected header follows the one byte array head
	protected, err := decodeHeaderMap(msg.Protected)
	if err != nil {
		return offsetBy(err, start+1+bstrHeadLen(len(msg.Protected)))
	}

	*s1 = Sign1{
		Header: Header{
			Protected:   protected,
			Unprotected: msg.Unprotected,
			protected:   msg.Protected,
		},
		Signature: msg.Signature,
	}
	if msg.Payload != nil {
		s1.Payload = *msg.Payload
	}
	return nil
}

// untag strips the head of a tag from a well-formed tagged item.
func untag(data []byte) []byte {
	switch data[0] & 0x1f {
	case 24:
		return data[2:]
	case 25:
		return data[3:]
	case 26:
		return data[5:]
	case 27:
		return data[9:]
	default:
		return data[1:]
	}
}

// Sign1Tag encodes to a CBOR tag while ensuring the right tag number.
type Sign1Tag Sign1

// Tag is a helper for accessing the tag value.
func (s1 *Sign1) Tag() *Sign1Tag { return (*Sign1Tag)(s1) }

// Untag is a helper for accessing the tag value.
func (t *Sign1Tag) Untag() *Sign1 { return (*Sign1)(t) }

// MarshalCBOR implements cbor.Marshaler.
func (t Sign1Tag) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(cbor.Tag[Sign1]{Num: Sign1TagNum, Val: Sign1(t)})
}

// UnmarshalCBOR implements cbor.Unmarshaler. The tag is required.
func (t *Sign1Tag) UnmarshalCBOR(data []byte) error {
	if len(data) == 0 || data[0]>>5 != 6 {
		return &cbor.DecodeError{Expected: "tag 18", Err: errors.New("COSE_Sign1 is not tagged")}
	}
	return (*Sign1)(t).UnmarshalCBOR(data)
}

// Algorithm returns the algorithm in the protected header. If no algorithm is
// set or the value is not an int, then 0 is returned.
func (s1 *Sign1) Algorithm() SignatureAlgorithm {
	var alg int64
	if ok, err := s1.Protected.Parse(AlgLabel, &alg); !ok || err != nil {
		return 0
	}
	return SignatureAlgorithm(alg)
}

// X5Chain returns the DER certificates of the x5chain header, leaf first. The
// header may hold a single byte string or an array of them and is looked up in
// the unprotected header first.
func (s1 *Sign1) X5Chain() ([][]byte, error) {
	for _, hm := range []HeaderMap{s1.Unprotected, s1.Protected} {
		switch v := hm[X5ChainLabel].(type) {
		case nil:
			continue
		case []byte:
			return [][]byte{v}, nil
		case []any:
			if len(v) == 0 {
				return nil, errors.New("x5chain header is an empty array")
			}
			chain := make([][]byte, len(v))
			for i, cert := range v {
				der, ok := cert.([]byte)
				if !ok {
					return nil, fmt.Errorf("x5chain entry %d: expected byte string, got %T", i, cert)
				}
				chain[i] = der
			}
			return chain, nil
		default:
			return nil, fmt.Errorf("x5chain header: unexpected type %T", v)
		}
	}
	return nil, nil
}

// DSCertificateBytes returns the leaf (document signer) certificate of the
// x5chain header or nil if there is none.
func (s1 *Sign1) DSCertificateBytes() []byte {
	chain, err := s1.X5Chain()
	if err != nil || len(chain) == 0 {
		return nil
	}
	return chain[0]
}

// Certificates parses the x5chain header.
func (s1 *Sign1) Certificates() ([]*x509.Certificate, error) {
	chain, err := s1.X5Chain()
	if err != nil {
		return nil, err
	}
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		if certs[i], err = x509.ParseCertificate(der); err != nil {
			return nil, fmt.Errorf("x5chain entry %d: %w", i, err)
		}
	}
	return certs, nil
}

// Sign using a single private key. Unless it is transported independently of
// the message, payload may be nil and s1.Payload is signed. The algorithm is
// chosen from the curve of the key and set in the protected header.
func (s1 *Sign1) Sign(key crypto.Signer, payload, externalAAD []byte) error {
	if payload == nil {
		payload = s1.Payload
	}
	if payload == nil {
		return errors.New("payload was transported independently but not given as an argument to Sign")
	}

	alg, err := AlgorithmFor(key.Public())
	if err != nil {
		return err
	}
	if s1.Protected == nil {
		s1.Protected = make(HeaderMap)
	}
	s1.Protected[AlgLabel] = int64(alg)
	s1.protected = nil
	if err := s1.normalize(); err != nil {
		return fmt.Errorf("error encoding headers: %w", err)
	}

	tbs, err := s1.toBeSigned(payload, externalAAD)
	if err != nil {
		return err
	}
	digest := alg.HashFunc().New()
	_, _ = digest.Write(tbs)
	der, err := key.Sign(rand.Reader, digest.Sum(nil), alg.HashFunc())
	if err != nil {
		return fmt.Errorf("error signing: %w", err)
	}

	// Encode signature following RFC 9053 section 2.1
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
		input = cryptobyte.String(der)
	)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return errors.New("signer returned a malformed ECDSA signature")
	}
	n := (key.Public().(*ecdsa.PublicKey).Params().N.BitLen() + 7) / 8
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	s.FillBytes(sig[n:])
	s1.Signature = sig

	return nil
}

// Verify using a single public key. Unless it was transported independently of
// the message, payload may be nil.
func (s1 *Sign1) Verify(key crypto.PublicKey, payload, externalAAD []byte) (bool, error) {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("unsupported key type for verifying: %T", key)
	}

	if payload == nil {
		payload = s1.Payload
	}
	if payload == nil {
		return false, errors.New("payload was transported independently but not given as an argument to Verify")
	}

	alg := s1.Algorithm()
	if alg.HashFunc() == 0 {
		return false, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	if alg.curve() != pub.Curve {
		return false, fmt.Errorf("%s cannot be verified with a %s key", alg, pub.Params().Name)
	}

	// Decode signature following RFC 9053 section 2.1
	n := (pub.Params().N.BitLen() + 7) / 8
	if len(s1.Signature) != 2*n {
		return false, fmt.Errorf("signature length must be %d, got %d", 2*n, len(s1.Signature))
	}
	r := new(big.Int).SetBytes(s1.Signature[:n])
	s := new(big.Int).SetBytes(s1.Signature[n:])

	tbs, err := s1.toBeSigned(payload, externalAAD)
	if err != nil {
		return false, err
	}
	digest := alg.HashFunc().New()
	_, _ = digest.Write(tbs)
	return ecdsa.Verify(pub, digest.Sum(nil), r, s), nil
}

// toBeSigned serializes the Sig_structure.
//
//	Sig_structure = [
//	    context : "Signature1",
//	    body_protected : empty_or_serialized_map,
//	    external_aad : bstr,
//	    payload : bstr
//	]
func (s1 *Sign1) toBeSigned(payload, externalAAD []byte) ([]byte, error) {
	protected, err := s1.serializedProtected()
	if err != nil {
		return nil, err
	}
	if externalAAD == nil {
		externalAAD = []byte{}
	}
	return cbor.Marshal([]any{sig1Context, protected, externalAAD, payload})
}
