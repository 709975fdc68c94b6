// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mockissuer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Authority is an issuing authority PKI: a root CA and a document signer
// certificate issued by it.
type Authority struct {
	Country string

	RootKey *ecdsa.PrivateKey
	Root    *x509.Certificate

	DSKey *ecdsa.PrivateKey
	DS    *x509.Certificate
}

// NewAuthority generates a P-256 root and document signer for country. The
// root is valid for ten years and the document signer for one, both starting
// an hour ago.
func NewAuthority(country string) (*Authority, error) {
	country = strings.ToUpper(country)
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	notBefore := time.Now().Add(-time.Hour)
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: "Mock IACA " + country,
			Country:    []string{country},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	root, err := createCertificate(template, template, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("error creating root certificate: %w", err)
	}

	a := &Authority{Country: country, RootKey: rootKey, Root: root}
	if a.DS, a.DSKey, err = a.IssueDS(country, notBefore, notBefore.AddDate(1, 0, 0)); err != nil {
		return nil, err
	}
	return a, nil
}

// IssueDS issues a document signer certificate for a country, which need not
// be the country of the authority.
func (a *Authority) IssueDS(country string, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: "Mock Document Signer",
			Country:    []string{strings.ToUpper(country)},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	cert, err := createCertificate(template, a.Root, key.Public(), a.RootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating document signer certificate: %w", err)
	}
	return cert, key, nil
}

// IssueIntermediate issues a CA certificate below the root. It can sign
// document signers with [Authority.IssueDS] after being swapped in with
// [Authority.Under].
func (a *Authority) IssueIntermediate() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: "Mock Intermediate " + a.Country,
			Country:    []string{a.Country},
		},
		NotBefore:             a.Root.NotBefore,
		NotAfter:              a.Root.NotAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	cert, err := createCertificate(template, a.Root, key.Public(), a.RootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating intermediate certificate: %w", err)
	}
	return cert, key, nil
}

// Under returns an authority whose issuing CA is cert. The document signer is
// not copied.
func (a *Authority) Under(cert *x509.Certificate, key *ecdsa.PrivateKey) *Authority {
	return &Authority{Country: a.Country, Root: cert, RootKey: key}
}

// RootPEM encodes the root certificate.
func (a *Authority) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Root.Raw})
}

func createCertificate(template, parent *x509.Certificate, pub crypto.PublicKey, priv crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
