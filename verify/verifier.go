// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package verify

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor/cdn"
	"github.com/svipe/go-mdl/cose"
	"github.com/svipe/go-mdl/trust"
)

// Verifier submits documents to a verification service and checks the
// credentials it issues.
type Verifier struct {
	Service Service

	// Roots are the trusted issuing authority roots. They are required
	// unless Lenient is set.
	Roots *trust.RootSet

	// IssuingCountry optionally restricts accepted document signers and
	// roots to one country.
	IssuingCountry string

	// Now is the validation time. The zero value means the current time.
	Now time.Time

	// Lenient records failed checks on each IssuedCredential instead of
	// returning the first one. Lenient results must not be trusted unless
	// Problems is empty.
	Lenient bool
}

// IssuedCredential is one checked signing entry.
type IssuedCredential struct {
	IssuerAuth    *cose.Sign1 // nil if it could not be decoded
	DSCertificate *x509.Certificate
	MSO           *MobileSecurityObject
	NameSpaces    IssuerNameSpaces

	// Problems found in lenient mode. Always empty in strict mode.
	Problems []error

	entry SigningEntry
}

// Trusted reports whether every check passed.
func (c *IssuedCredential) Trusted() bool { return len(c.Problems) == 0 }

// Credential returns the issuer signed data for storage under name.
func (c *IssuedCredential) Credential(name string) *mdl.Credential {
	var docType string
	if c.MSO != nil {
		docType = c.MSO.DocType
	}
	return &mdl.Credential{
		Name:       name,
		DocType:    docType,
		IssuerAuth: c.entry.IssuerAuth,
		NameSpaces: c.entry.IssuerNameSpaces,
		CreatedAt:  time.Now(),
	}
}

// Verify sends the document and an optional selfie to the service and checks
// every credential in the response.
func (v *Verifier) Verify(ctx context.Context, doc Document, selfie []byte) ([]*IssuedCredential, error) {
	if v.Service == nil {
		return nil, mdl.NewConfigurationError("Verifier", "service", "verification service is required")
	}
	if err := doc.MRZ.Validate(); err != nil {
		return nil, err
	}
	if err := v.checkConfig(); err != nil {
		return nil, err
	}

	body, err := v.Service.Verify(ctx, Request{MRZ: doc.MRZ, Chip: doc.Chip, Selfie: selfie})
	if err != nil {
		return nil, err
	}
	return v.VerifyResponse(body)
}

// VerifyResponse checks a response body obtained from a verification
// service.
func (v *Verifier) VerifyResponse(body []byte) ([]*IssuedCredential, error) {
	if err := v.checkConfig(); err != nil {
		return nil, err
	}
	entries, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	creds := make([]*IssuedCredential, 0, len(entries))
	for i, entry := range entries {
		cred, err := v.VerifyEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("signing entry %d: %w", i, err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

func (v *Verifier) checkConfig() error {
	if v.Roots == nil && !v.Lenient {
		return mdl.NewConfigurationError("Verifier", "roots", "trusted roots are required")
	}
	return nil
}

// VerifyEntry checks a single signing entry: the document signer chain, the
// issuer signature, the validity of the mobile security object and the digest
// of every disclosed element.
//
//nolint:gocyclo // Each check is a straight line step
func (v *Verifier) VerifyEntry(entry SigningEntry) (*IssuedCredential, error) {
	if err := v.checkConfig(); err != nil {
		return nil, err
	}
	now := v.Now
	if now.IsZero() {
		now = time.Now()
	}
	roots := v.Roots
	if roots == nil {
		roots = trust.NewRootSet()
	}

	cred := &IssuedCredential{entry: entry}
	fail := func(err error) error {
		if !v.Lenient {
			return err
		}
		slog.Warn("issued credential check failed", "error", err)
		cred.Problems = append(cred.Problems, err)
		return nil
	}

	var s1 cose.Sign1
	if err := s1.UnmarshalCBOR(entry.IssuerAuth); err != nil {
		if err := fail(err); err != nil {
			return nil, err
		}
	} else {
		cred.IssuerAuth = &s1
		if err := v.checkIssuerAuth(cred, roots, now, fail); err != nil {
			return nil, err
		}
	}

	ns, err := DecodeIssuerNameSpaces(entry.IssuerNameSpaces)
	if err != nil {
		if err := fail(err); err != nil {
			return nil, err
		}
		return cred, nil
	}
	cred.NameSpaces = ns
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("issuer name spaces", "cbor", cdn.String(entry.IssuerNameSpaces))
	}

	if cred.MSO != nil {
		if err := cred.MSO.CheckDigests(ns); err != nil {
			if err := fail(&mdl.VerificationError{Reason: "element digest", Err: err}); err != nil {
				return nil, err
			}
		}
	}
	return cred, nil
}

// checkIssuerAuth validates the document signer and signature and decodes the
// mobile security object. Checks continue past failures in lenient mode.
func (v *Verifier) checkIssuerAuth(cred *IssuedCredential, roots *trust.RootSet, now time.Time, fail func(error) error) error {
	s1 := cred.IssuerAuth

	chain, err := s1.X5Chain()
	if err == nil && len(chain) == 0 {
		err = errors.New("x5chain header is missing")
	}
	if err != nil {
		return fail(&mdl.VerificationError{Reason: "document signer certificate", Err: err})
	}

	ds, err := trust.ValidateDSCertificate(chain, roots, trust.Options{IssuingCountry: v.IssuingCountry, Now: now})
	if err != nil {
		if err := fail(err); err != nil {
			return err
		}
		// The signature can still be checked when the chain is untrusted
		if ds, err = x509.ParseCertificate(chain[0]); err != nil {
			return nil
		}
	}
	cred.DSCertificate = ds

	if ok, err := s1.Verify(ds.PublicKey, nil, nil); err != nil || !ok {
		if err == nil {
			err = errors.New("signature does not match")
		}
		if err := fail(&mdl.VerificationError{Reason: "issuerAuth signature", Err: err}); err != nil {
			return err
		}
	}

	if s1.Payload == nil {
		return fail(&mdl.VerificationError{Reason: "mobile security object", Err: errors.New("issuerAuth has no payload")})
	}
	mso, err := DecodeMobileSecurityObject(s1.Payload)
	if err != nil {
		return fail(err)
	}
	cred.MSO = mso
	if err := mso.CheckValidity(now); err != nil {
		return fail(&mdl.VerificationError{Reason: "mobile security object validity", Err: err})
	}
	return nil
}
