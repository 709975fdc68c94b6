// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package trust resolves document signer certificates to a set of trusted
// issuing authority roots.
package trust

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Root is a trust anchor: a root certificate, its public key, and the issuing
// country it is restricted to, if any.
type Root struct {
	Certificate *x509.Certificate
	PublicKey   crypto.PublicKey
	Country     string
}

// RootSet is the root-of-trust. It is safe for concurrent use and is usually
// loaded once and then only read.
type RootSet struct {
	mu    sync.RWMutex
	roots []Root
}

// NewRootSet returns an empty set.
func NewRootSet() *RootSet { return new(RootSet) }

// AddCertificate adds a CA certificate. When country is empty, the country of
// the certificate subject is used.
func (rs *RootSet) AddCertificate(cert *x509.Certificate, country string) error {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return validationError(CertValidationErrorNotCA, cert, "root certificates must be CAs")
	}
	if country == "" && len(cert.Subject.Country) > 0 {
		country = cert.Subject.Country[0]
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.roots {
		if r.Certificate.Equal(cert) {
			return nil
		}
	}
	rs.roots = append(rs.roots, Root{
		Certificate: cert,
		PublicKey:   cert.PublicKey,
		Country:     strings.ToUpper(country),
	})
	return nil
}

// LoadPEM adds every CERTIFICATE block of PEM data. Other block types are
// skipped.
func (rs *RootSet) LoadPEM(data []byte, country string) error {
	var n int
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return validationError(CertValidationErrorMalformed, nil, "PEM block %d: %v", n, err)
		}
		if err := rs.AddCertificate(cert, country); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("no certificates found in PEM data")
	}
	return nil
}

// PEM encodes all root certificates.
func (rs *RootSet) PEM() []byte {
	var buf bytes.Buffer
	for _, r := range rs.Roots() {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: r.Certificate.Raw})
	}
	return buf.Bytes()
}

// Filter returns the roots of an issuing country. Roots without a country
// are not included.
func (rs *RootSet) Filter(country string) *RootSet {
	country = strings.ToUpper(country)
	var out RootSet
	for _, r := range rs.Roots() {
		if r.Country == country {
			out.roots = append(out.roots, r)
		}
	}
	return &out
}

// Roots returns a copy of the trust anchors.
func (rs *RootSet) Roots() []Root {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return slices.Clone(rs.roots)
}

// Len returns the number of roots.
func (rs *RootSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.roots)
}
