// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
)

// SignatureAlgorithm is the ECDSA signature type and hash.
type SignatureAlgorithm int64

/*
ECDSA Algorithm Values

	+-------+-------+---------+------------------+
	| Name  | Value | Hash    | Description      |
	+-------+-------+---------+------------------+
	| ES256 | -7    | SHA-256 | ECDSA w/ SHA-256 |
	| ES384 | -35   | SHA-384 | ECDSA w/ SHA-384 |
	| ES512 | -36   | SHA-512 | ECDSA w/ SHA-512 |
	+-------+-------+---------+------------------+
*/
const (
	ES256Alg SignatureAlgorithm = -7
	ES384Alg SignatureAlgorithm = -35
	ES512Alg SignatureAlgorithm = -36
)

// HashFunc implements crypto.SignerOpts. Unknown algorithms return 0.
func (alg SignatureAlgorithm) HashFunc() crypto.Hash {
	switch alg {
	case ES256Alg:
		return crypto.SHA256
	case ES384Alg:
		return crypto.SHA384
	case ES512Alg:
		return crypto.SHA512
	default:
		return 0
	}
}

func (alg SignatureAlgorithm) String() string {
	switch alg {
	case ES256Alg:
		return "ES256"
	case ES384Alg:
		return "ES384"
	case ES512Alg:
		return "ES512"
	default:
		return fmt.Sprintf("SignatureAlgorithm(%d)", int64(alg))
	}
}

// curve is the only curve each algorithm may be used with in mobile
// documents.
func (alg SignatureAlgorithm) curve() elliptic.Curve {
	switch alg {
	case ES256Alg:
		return elliptic.P256()
	case ES384Alg:
		return elliptic.P384()
	case ES512Alg:
		return elliptic.P521()
	default:
		return nil
	}
}

// AlgorithmFor returns the ECDSA algorithm matching the curve of a public
// key.
func AlgorithmFor(pub crypto.PublicKey) (SignatureAlgorithm, error) {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return 0, fmt.Errorf("unsupported key type: %T", pub)
	}
	switch key.Curve {
	case elliptic.P256():
		return ES256Alg, nil
	case elliptic.P384():
		return ES384Alg, nil
	case elliptic.P521():
		return ES512Alg, nil
	default:
		return 0, fmt.Errorf("unsupported curve: %s", key.Params().Name)
	}
}
