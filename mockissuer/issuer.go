// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package mockissuer implements an issuing authority and verification
// service for tests and demos. It signs whatever document it is given.
package mockissuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/cose"
	"github.com/svipe/go-mdl/session"
	"github.com/svipe/go-mdl/verify"
)

// Document type and name space of a mobile driving licence.
const (
	DocType   = "org.iso.18013.5.1.mDL"
	NameSpace = "org.iso.18013.5.1"
)

// Issuer signs mobile security objects with the document signer of an
// authority.
type Issuer struct {
	Authority *Authority

	// Intermediates are included in the x5chain header after the document
	// signer certificate.
	Intermediates []*x509.Certificate

	// ValidFor is how long issued objects are valid. Defaults to 30 days.
	ValidFor time.Duration

	// DS and DSKey override the document signer of the authority.
	DS    *x509.Certificate
	DSKey *ecdsa.PrivateKey
}

var _ session.IssuerAuthority = (*Issuer)(nil)

// Issue creates a signing entry disclosing the given elements of the mDL name
// space. The mobile security object binds deviceKey, which may be nil to
// generate a throwaway key.
func (iss *Issuer) Issue(elements map[string]any, deviceKey *cose.Key) (verify.SigningEntry, error) {
	if len(elements) == 0 {
		return verify.SigningEntry{}, errors.New("no elements to issue")
	}
	ns := verify.NameSpace{Name: NameSpace}
	var id uint64
	for _, name := range slices.Sorted(maps.Keys(elements)) {
		item, err := verify.NewIssuerSignedItem(id, name, elements[name])
		if err != nil {
			return verify.SigningEntry{}, err
		}
		ns.Items = append(ns.Items, *item)
		id++
	}
	nameSpaces := verify.IssuerNameSpaces{ns}
	nsBytes, err := cbor.Marshal(nameSpaces)
	if err != nil {
		return verify.SigningEntry{}, err
	}

	auth, err := iss.sign(nameSpaces, DocType, deviceKey)
	if err != nil {
		return verify.SigningEntry{}, err
	}
	return verify.SigningEntry{IssuerAuth: auth, IssuerNameSpaces: nsBytes}, nil
}

// CertifyDeviceKey implements session.IssuerAuthority. It signs a new mobile
// security object over the name spaces of cred that binds deviceKey.
func (iss *Issuer) CertifyDeviceKey(ctx context.Context, cred *mdl.Credential, deviceKey *cose.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deviceKey == nil {
		return nil, errors.New("device key is required")
	}
	ns, err := verify.DecodeIssuerNameSpaces(cred.NameSpaces)
	if err != nil {
		return nil, fmt.Errorf("credential %q: %w", cred.Name, err)
	}
	docType := cred.DocType
	if docType == "" {
		docType = DocType
	}
	return iss.sign(ns, docType, deviceKey)
}

func (iss *Issuer) sign(ns verify.IssuerNameSpaces, docType string, deviceKey *cose.Key) ([]byte, error) {
	ds, dsKey := iss.DS, iss.DSKey
	if ds == nil || dsKey == nil {
		if iss.Authority == nil {
			return nil, errors.New("issuer has no document signer")
		}
		ds, dsKey = iss.Authority.DS, iss.Authority.DSKey
	}
	if deviceKey == nil {
		var err error
		if deviceKey, err = cose.GenerateKey(cose.P256); err != nil {
			return nil, err
		}
	}
	validFor := iss.ValidFor
	if validFor == 0 {
		validFor = 30 * 24 * time.Hour
	}

	now := time.Now().UTC().Truncate(time.Second)
	mso := &verify.MobileSecurityObject{
		Version:         verify.MSOVersion,
		DigestAlgorithm: verify.SHA256,
		DeviceKey:       *deviceKey.PublicPart(),
		DocType:         docType,
		ValidityInfo: verify.ValidityInfo{
			Signed:     now,
			ValidFrom:  now,
			ValidUntil: now.Add(validFor),
		},
	}
	if err := mso.AddDigests(ns); err != nil {
		return nil, err
	}
	payload, err := mso.Payload()
	if err != nil {
		return nil, err
	}

	var chain cose.HeaderMap
	if len(iss.Intermediates) == 0 {
		chain = cose.HeaderMap{cose.X5ChainLabel: ds.Raw}
	} else {
		certs := []any{ds.Raw}
		for _, c := range iss.Intermediates {
			certs = append(certs, c.Raw)
		}
		chain = cose.HeaderMap{cose.X5ChainLabel: certs}
	}
	s1 := cose.Sign1{
		Header:  cose.Header{Unprotected: chain},
		Payload: payload,
	}
	if err := s1.Sign(dsKey, nil, nil); err != nil {
		return nil, err
	}
	return cbor.Marshal(s1.Tag())
}
