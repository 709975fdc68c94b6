// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/svipe/go-mdl/cbor"
)

// KeyType is the "kty" value of a COSE_Key.
//
//	+-----------+-------+-----------------------------------------------+
//	| Name      | Value | Description                                   |
//	+-----------+-------+-----------------------------------------------+
//	| OKP       | 1     | Octet Key Pair                                |
//	| EC2       | 2     | Elliptic Curve Keys w/ x- and y-coordinate    |
//	|           |       | pair                                          |
//	+-----------+-------+-----------------------------------------------+
type KeyType int64

// Key types
const (
	OKPKeyType KeyType = 1
	EC2KeyType KeyType = 2
)

// Curve is a COSE elliptic curve identifier.
//
//	+---------+-------+----------+------------------------------------+
//	| Name    | Value | Key Type | Description                        |
//	+---------+-------+----------+------------------------------------+
//	| P-256   | 1     | EC2      | NIST P-256 also known as secp256r1 |
//	| P-384   | 2     | EC2      | NIST P-384 also known as secp384r1 |
//	| P-521   | 3     | EC2      | NIST P-521 also known as secp521r1 |
//	+---------+-------+----------+------------------------------------+
type Curve int64

// Curves
const (
	P256 Curve = 1
	P384 Curve = 2
	P521 Curve = 3
)

func (c Curve) String() string {
	switch c {
	case P256:
		return "P-256"
	case P384:
		return "P-384"
	case P521:
		return "P-521"
	default:
		return fmt.Sprintf("Curve(%d)", int64(c))
	}
}

func (c Curve) elliptic() elliptic.Curve {
	switch c {
	case P256:
		return elliptic.P256()
	case P384:
		return elliptic.P384()
	case P521:
		return elliptic.P521()
	default:
		return nil
	}
}

func (c Curve) ecdh() ecdh.Curve {
	switch c {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	case P521:
		return ecdh.P521()
	default:
		return nil
	}
}

// size is the length in bytes of a coordinate or private scalar.
func (c Curve) size() int {
	if e := c.elliptic(); e != nil {
		return (e.Params().BitSize + 7) / 8
	}
	return 0
}

func curveOf(c elliptic.Curve) (Curve, error) {
	switch c {
	case elliptic.P256():
		return P256, nil
	case elliptic.P384():
		return P384, nil
	case elliptic.P521():
		return P521, nil
	default:
		return 0, fmt.Errorf("unsupported curve: %s", c.Params().Name)
	}
}

// Key labels
const (
	ktyLabel int64 = 1
	kidLabel int64 = 2
	algLabel int64 = 3
	crvLabel int64 = -1
	xLabel   int64 = -2
	yLabel   int64 = -3
	dLabel   int64 = -4
)

// Key is an EC2 COSE_Key.
//
//	COSE_Key = {
//	    1 => tstr / int,          ; kty
//	    ? 2 => bstr,              ; kid
//	    ? 3 => tstr / int,        ; alg
//	    -1 => int,                ; crv
//	    -2 => bstr,               ; x
//	    -3 => bstr / bool,        ; y
//	    ? -4 => bstr,             ; d
//	}
//
// A compressed y coordinate (bool) is expanded when decoding. Private keys are
// only ever encoded when D is set, which callers must avoid for keys sent to
// a peer; use [Key.PublicPart].
type Key struct {
	Type  KeyType
	ID    []byte
	Alg   SignatureAlgorithm
	Curve Curve
	X     []byte
	Y     []byte
	D     []byte
}

// NewKey converts an *ecdsa.PublicKey, *ecdsa.PrivateKey, *ecdh.PublicKey, or
// *ecdh.PrivateKey into a COSE_Key.
func NewKey(k any) (*Key, error) {
	switch key := k.(type) {
	case *ecdsa.PublicKey:
		crv, err := curveOf(key.Curve)
		if err != nil {
			return nil, err
		}
		n := crv.size()
		return &Key{
			Type:  EC2KeyType,
			Curve: crv,
			X:     key.X.FillBytes(make([]byte, n)),
			Y:     key.Y.FillBytes(make([]byte, n)),
		}, nil

	case *ecdsa.PrivateKey:
		ck, err := NewKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		ck.D = key.D.FillBytes(make([]byte, ck.Curve.size()))
		return ck, nil

	case *ecdh.PublicKey:
		crv, err := ecdhCurve(key.Curve())
		if err != nil {
			return nil, err
		}
		// Uncompressed point: 0x04 || X || Y
		point := key.Bytes()
		n := crv.size()
		return &Key{
			Type:  EC2KeyType,
			Curve: crv,
			X:     bytes.Clone(point[1 : 1+n]),
			Y:     bytes.Clone(point[1+n:]),
		}, nil

	case *ecdh.PrivateKey:
		ck, err := NewKey(key.PublicKey())
		if err != nil {
			return nil, err
		}
		ck.D = bytes.Clone(key.Bytes())
		return ck, nil

	default:
		return nil, fmt.Errorf("unsupported key type: %T", k)
	}
}

func ecdhCurve(c ecdh.Curve) (Curve, error) {
	switch c {
	case ecdh.P256():
		return P256, nil
	case ecdh.P384():
		return P384, nil
	case ecdh.P521():
		return P521, nil
	default:
		return 0, fmt.Errorf("unsupported ECDH curve: %s", c)
	}
}

// GenerateKey creates a new ephemeral private key on the given curve.
func GenerateKey(crv Curve) (*Key, error) {
	c := crv.ecdh()
	if c == nil {
		return nil, fmt.Errorf("unsupported curve: %s", crv)
	}
	priv, err := c.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewKey(priv)
}

// PublicPart returns a copy of the key without the private scalar.
func (k *Key) PublicPart() *Key {
	pub := *k
	pub.ID = bytes.Clone(k.ID)
	pub.X = bytes.Clone(k.X)
	pub.Y = bytes.Clone(k.Y)
	pub.D = nil
	return &pub
}

// IsPrivate reports whether the key holds a private scalar.
func (k *Key) IsPrivate() bool { return len(k.D) > 0 }

// Equal reports whether two keys have the same public parameters.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.Type == other.Type &&
		k.Curve == other.Curve &&
		bytes.Equal(k.X, other.X) &&
		bytes.Equal(k.Y, other.Y)
}

// ECDH returns the public key for key agreement. The point is validated to be
// on the curve.
func (k *Key) ECDH() (*ecdh.PublicKey, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	point := append(append([]byte{0x04}, k.X...), k.Y...)
	pub, err := k.Curve.ecdh().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("invalid EC2 public key: %w", err)
	}
	return pub, nil
}

// ECDHPrivate returns the private key for key agreement.
func (k *Key) ECDHPrivate() (*ecdh.PrivateKey, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	if !k.IsPrivate() {
		return nil, errors.New("key has no private part")
	}
	priv, err := k.Curve.ecdh().NewPrivateKey(k.D)
	if err != nil {
		return nil, fmt.Errorf("invalid EC2 private key: %w", err)
	}
	if want, _ := k.ECDH(); want == nil || !priv.PublicKey().Equal(want) {
		return nil, errors.New("invalid EC2 key: public coordinates do not match private key")
	}
	return priv, nil
}

// Public returns the key as an *ecdsa.PublicKey.
func (k *Key) Public() (crypto.PublicKey, error) {
	if _, err := k.ECDH(); err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: k.Curve.elliptic(),
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}, nil
}

// Signer returns the key as an *ecdsa.PrivateKey.
func (k *Key) Signer() (crypto.Signer, error) {
	if _, err := k.ECDHPrivate(); err != nil {
		return nil, err
	}
	pub, err := k.Public()
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pub.(*ecdsa.PublicKey),
		D:         new(big.Int).SetBytes(k.D),
	}, nil
}

func (k *Key) check() error {
	if k.Type != EC2KeyType {
		return fmt.Errorf("only EC2 keys are supported, got kty %d", k.Type)
	}
	n := k.Curve.size()
	if n == 0 {
		return fmt.Errorf("unsupported curve: %s", k.Curve)
	}
	if len(k.X) != n || len(k.Y) != n {
		return fmt.Errorf("invalid %s coordinate length: x=%d y=%d", k.Curve, len(k.X), len(k.Y))
	}
	return nil
}

// MarshalCBOR implements cbor.Marshaler.
func (k Key) MarshalCBOR() ([]byte, error) {
	if k.Type == 0 {
		return nil, errors.New("key type is required and missing")
	}
	m := map[int64]any{
		ktyLabel: int64(k.Type),
		crvLabel: int64(k.Curve),
		xLabel:   k.X,
		yLabel:   k.Y,
	}
	if k.ID != nil {
		m[kidLabel] = k.ID
	}
	if k.Alg != 0 {
		m[algLabel] = int64(k.Alg)
	}
	if k.D != nil {
		m[dLabel] = k.D
	}
	return cbor.Marshal(m)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (k *Key) UnmarshalCBOR(data []byte) error {
	var m map[Label]cbor.RawBytes
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}

	var key Key
	var compressedY *bool
	for label, raw := range m {
		if label.Str != "" {
			continue
		}
		var err error
		switch label.Int64 {
		case ktyLabel:
			err = cbor.Unmarshal(raw, &key.Type)
		case kidLabel:
			err = cbor.Unmarshal(raw, &key.ID)
		case algLabel:
			err = cbor.Unmarshal(raw, &key.Alg)
		case crvLabel:
			err = cbor.Unmarshal(raw, &key.Curve)
		case xLabel:
			err = cbor.Unmarshal(raw, &key.X)
		case yLabel:
			var y any
			if err = cbor.Unmarshal(raw, &y); err != nil {
				break
			}
			switch y := y.(type) {
			case []byte:
				key.Y = y
			case bool:
				compressedY = &y
			default:
				err = fmt.Errorf("invalid EC y type: %T", y)
			}
		case dLabel:
			err = cbor.Unmarshal(raw, &key.D)
		}
		if err != nil {
			return &cbor.DecodeError{Expected: "COSE_Key", Err: fmt.Errorf("label %s: %w", label, err)}
		}
	}

	switch {
	case key.Type == 0:
		return &cbor.DecodeError{Expected: "COSE_Key", Err: errors.New("key type is required and missing")}
	case key.Type != EC2KeyType:
		return &cbor.DecodeError{Expected: "COSE_Key", Err: fmt.Errorf("unsupported key type %d", key.Type)}
	case key.Curve.size() == 0:
		return &cbor.DecodeError{Expected: "COSE_Key", Err: fmt.Errorf("unsupported curve %d", key.Curve)}
	case key.X == nil:
		return &cbor.DecodeError{Expected: "COSE_Key", Err: errors.New("EC x parameter is not present")}
	}

	if compressedY != nil {
		prefix := byte(0x02)
		if *compressedY {
			prefix = 0x03
		}
		x, y := elliptic.UnmarshalCompressed(key.Curve.elliptic(), append([]byte{prefix}, key.X...))
		if x == nil {
			return &cbor.DecodeError{Expected: "COSE_Key", Err: errors.New("invalid compressed EC point")}
		}
		key.Y = y.FillBytes(make([]byte, key.Curve.size()))
	}
	if key.Y == nil {
		return &cbor.DecodeError{Expected: "COSE_Key", Err: errors.New("EC y parameter is not present")}
	}

	*k = key
	return nil
}
