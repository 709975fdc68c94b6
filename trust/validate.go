// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package trust

import (
	"bytes"
	"crypto/x509"
	"errors"
	"strings"
	"time"

	mdl "github.com/svipe/go-mdl"
)

// Longest accepted path from a document signer to its root, not counting the
// root.
const maxChainDepth = 4

// Options for validating a document signer certificate.
type Options struct {
	// IssuingCountry restricts validation to roots of one country. The
	// document signer must also be issued for that country. Empty means any
	// root may be used.
	IssuingCountry string

	// Now is the validation time. The zero value means the current time.
	Now time.Time
}

// ValidateDSCertificate checks that a document signer certificate chains to a
// trusted root. chain is the DER of the document signer certificate followed
// by any intermediates, as carried in an x5chain header.
//
// Failures are *mdl.VerificationError wrapping a *CertificateValidationError.
func ValidateDSCertificate(chain [][]byte, roots *RootSet, opts Options) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, verificationError(validationError(CertValidationErrorMalformed, nil, "no document signer certificate"))
	}
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, verificationError(validationError(CertValidationErrorMalformed, nil, "chain entry %d: %v", i, err))
		}
		certs[i] = cert
	}
	leaf := certs[0]

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	candidates := roots.Roots()
	if opts.IssuingCountry != "" {
		want := strings.ToUpper(opts.IssuingCountry)
		if got := country(leaf); got != want {
			return nil, verificationError(validationError(CertValidationErrorCountryMismatch, leaf,
				"issued for %q, expected %q", got, want))
		}
		candidates = roots.Filter(want).Roots()
	}

	if err := resolve(leaf, certs[1:], candidates, now); err != nil {
		return nil, verificationError(err)
	}
	return leaf, nil
}

func verificationError(err *CertificateValidationError) error {
	return &mdl.VerificationError{Reason: "document signer certificate", Err: err}
}

// resolve walks from cert through intermediates until a trusted root has
// signed the current certificate.
func resolve(leaf *x509.Certificate, intermediates []*x509.Certificate, roots []Root, now time.Time) *CertificateValidationError {
	cur := leaf
	for depth := 0; depth <= maxChainDepth; depth++ {
		if err := checkValidity(cur, now); err != nil {
			return err
		}

		// An x5chain may end with the root itself
		if depth > 0 {
			for _, r := range roots {
				if r.Certificate.Equal(cur) {
					return checkRootCountry(leaf, r)
				}
			}
		}

		// Signature failures count only against the parent whose key cur
		// names; other parents just share the issuer's name.
		var sigErr *CertificateValidationError
		var impostors []string
		reject := func(parent *x509.Certificate, err *CertificateValidationError) {
			if namesKey(cur, parent) {
				sigErr = err
				return
			}
			impostors = append(impostors, err.Message)
		}

		for _, r := range roots {
			if !bytes.Equal(cur.RawIssuer, r.Certificate.RawSubject) {
				continue
			}
			if err := checkIssuer(cur, r.Certificate); err != nil {
				reject(r.Certificate, err)
				continue
			}
			if err := checkValidity(r.Certificate, now); err != nil {
				return err
			}
			return checkRootCountry(leaf, r)
		}

		var next *x509.Certificate
		for _, inter := range intermediates {
			if !bytes.Equal(cur.RawIssuer, inter.RawSubject) || inter.Equal(cur) {
				continue
			}
			if err := checkIssuer(cur, inter); err != nil {
				reject(inter, err)
				continue
			}
			next = inter
			break
		}
		if next == nil {
			if sigErr != nil {
				return sigErr
			}
			if len(impostors) > 0 {
				return validationError(CertValidationErrorUntrustedRoot, cur,
					"issuer %s is not trusted: certificates with its name did not sign it: %s",
					cur.Issuer, strings.Join(impostors, "; "))
			}
			return validationError(CertValidationErrorUntrustedRoot, cur, "issuer %s is not trusted", cur.Issuer)
		}
		cur = next
	}
	return validationError(CertValidationErrorUntrustedRoot, leaf, "chain is longer than %d certificates", maxChainDepth)
}

func checkValidity(cert *x509.Certificate, now time.Time) *CertificateValidationError {
	if now.Before(cert.NotBefore) {
		return validationError(CertValidationErrorNotYetValid, cert, "valid from %s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return validationError(CertValidationErrorExpired, cert, "expired at %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func checkIssuer(cert, issuer *x509.Certificate) *CertificateValidationError {
	err := cert.CheckSignatureFrom(issuer)
	if err == nil {
		return nil
	}
	var constraint x509.ConstraintViolationError
	if errors.As(err, &constraint) {
		return validationError(CertValidationErrorNotCA, issuer, "%v", err)
	}
	return validationError(CertValidationErrorSignature, cert, "%v", err)
}

// namesKey reports whether cert identifies issuer's key as its signer.
func namesKey(cert, issuer *x509.Certificate) bool {
	return len(cert.AuthorityKeyId) > 0 && bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId)
}

func checkRootCountry(leaf *x509.Certificate, root Root) *CertificateValidationError {
	if root.Country == "" {
		return nil
	}
	if got := country(leaf); got != "" && got != root.Country {
		return validationError(CertValidationErrorCountryMismatch, leaf,
			"issued for %q by a root restricted to %q", got, root.Country)
	}
	return nil
}

func country(cert *x509.Certificate) string {
	if len(cert.Subject.Country) == 0 {
		return ""
	}
	return strings.ToUpper(cert.Subject.Country[0])
}
