// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package verify_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cbor"
	"github.com/svipe/go-mdl/mdltest"
	"github.com/svipe/go-mdl/mockissuer"
	"github.com/svipe/go-mdl/mrz"
	"github.com/svipe/go-mdl/trust"
	"github.com/svipe/go-mdl/verify"
)

var elements = map[string]any{
	"family_name":     "Doe",
	"given_name":      "Jane",
	"document_number": "L898902C3",
	"birth_date":      "740812",
}

func issue(t *testing.T, iss *mockissuer.Issuer) verify.SigningEntry {
	t.Helper()
	entry, err := iss.Issue(elements, mdltest.DeviceKey(t))
	require.NoError(t, err)
	return entry
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var verr *mdl.VerificationError
	require.ErrorAs(t, err, &verr)
	return verr.Reason
}

func TestVerifyEntry(t *testing.T) {
	iss, roots := mdltest.Issuer(t, "SE")
	entry := issue(t, iss)

	t.Run("trusted", func(t *testing.T) {
		v := verify.Verifier{Roots: roots, IssuingCountry: "SE"}
		cred, err := v.VerifyEntry(entry)
		require.NoError(t, err)
		assert.True(t, cred.Trusted())
		assert.True(t, cred.DSCertificate.Equal(iss.Authority.DS))
		assert.Equal(t, mockissuer.DocType, cred.MSO.DocType)
		assert.Equal(t, verify.SHA256, cred.MSO.DigestAlgorithm)

		attrs, err := cred.NameSpaces.Attributes()
		require.NoError(t, err)
		assert.Equal(t, elements, attrs[mockissuer.NameSpace])

		stored := cred.Credential("license")
		assert.Equal(t, "license", stored.Name)
		assert.Equal(t, mockissuer.DocType, stored.DocType)
		assert.Equal(t, entry.IssuerAuth, stored.IssuerAuth)
		assert.Equal(t, entry.IssuerNameSpaces, stored.NameSpaces)
	})

	t.Run("intermediate", func(t *testing.T) {
		inter, interKey, err := iss.Authority.IssueIntermediate()
		require.NoError(t, err)
		ds, dsKey, err := iss.Authority.Under(inter, interKey).IssueDS("SE", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		require.NoError(t, err)
		chained := &mockissuer.Issuer{Authority: iss.Authority, Intermediates: []*x509.Certificate{inter}, DS: ds, DSKey: dsKey}

		cred, err := (&verify.Verifier{Roots: roots}).VerifyEntry(issue(t, chained))
		require.NoError(t, err)
		assert.True(t, cred.DSCertificate.Equal(ds))
	})

	t.Run("untrusted root", func(t *testing.T) {
		_, otherRoots := mdltest.Issuer(t, "SE")

		_, err := (&verify.Verifier{Roots: otherRoots}).VerifyEntry(entry)
		assert.Equal(t, "document signer certificate", reasonOf(t, err))
		var cerr *trust.CertificateValidationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, trust.CertValidationErrorUntrustedRoot, cerr.Code)

		cred, err := (&verify.Verifier{Roots: otherRoots, Lenient: true}).VerifyEntry(entry)
		require.NoError(t, err)
		assert.False(t, cred.Trusted())
		require.Len(t, cred.Problems, 1)
		assert.NotNil(t, cred.MSO, "lenient checks continue past the chain")
		assert.NotEmpty(t, cred.NameSpaces)
	})

	t.Run("no roots", func(t *testing.T) {
		_, err := (&verify.Verifier{}).VerifyEntry(entry)
		var cerr *mdl.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "roots", cerr.Field)
	})

	t.Run("issuing country", func(t *testing.T) {
		_, err := (&verify.Verifier{Roots: roots, IssuingCountry: "NO"}).VerifyEntry(entry)
		var cerr *trust.CertificateValidationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, trust.CertValidationErrorCountryMismatch, cerr.Code)
	})

	t.Run("wrong signer key", func(t *testing.T) {
		other, _ := mdltest.Issuer(t, "SE")
		forged := &mockissuer.Issuer{Authority: iss.Authority, DS: iss.Authority.DS, DSKey: other.Authority.DSKey}
		_, err := (&verify.Verifier{Roots: roots}).VerifyEntry(issue(t, forged))
		assert.Equal(t, "issuerAuth signature", reasonOf(t, err))
	})

	t.Run("expired", func(t *testing.T) {
		_, err := (&verify.Verifier{Roots: roots, Now: time.Now().Add(31 * 24 * time.Hour)}).VerifyEntry(entry)
		assert.Equal(t, "mobile security object validity", reasonOf(t, err))
	})

	t.Run("not yet valid", func(t *testing.T) {
		_, err := (&verify.Verifier{Roots: roots, Now: time.Now().Add(-30 * time.Minute)}).VerifyEntry(entry)
		assert.Equal(t, "mobile security object validity", reasonOf(t, err))
	})

	t.Run("tampered element", func(t *testing.T) {
		ns, err := verify.DecodeIssuerNameSpaces(entry.IssuerNameSpaces)
		require.NoError(t, err)
		first := ns[0].Items[0].Val
		item, err := verify.NewIssuerSignedItem(first.DigestID, first.ElementIdentifier, "altered")
		require.NoError(t, err)
		ns[0].Items[0] = *item
		tampered, err := cbor.Marshal(ns)
		require.NoError(t, err)

		_, err = (&verify.Verifier{Roots: roots}).VerifyEntry(verify.SigningEntry{IssuerAuth: entry.IssuerAuth, IssuerNameSpaces: tampered})
		assert.Equal(t, "element digest", reasonOf(t, err))
		assert.ErrorContains(t, err, "digest mismatch")

		cred, err := (&verify.Verifier{Roots: roots, Lenient: true}).VerifyEntry(verify.SigningEntry{IssuerAuth: entry.IssuerAuth, IssuerNameSpaces: tampered})
		require.NoError(t, err)
		assert.Len(t, cred.Problems, 1)
	})

	t.Run("unknown digest ID", func(t *testing.T) {
		ns, err := verify.DecodeIssuerNameSpaces(entry.IssuerNameSpaces)
		require.NoError(t, err)
		item, err := verify.NewIssuerSignedItem(99, "extra", true)
		require.NoError(t, err)
		ns[0].Items = append(ns[0].Items, *item)
		extended, err := cbor.Marshal(ns)
		require.NoError(t, err)

		_, err = (&verify.Verifier{Roots: roots}).VerifyEntry(verify.SigningEntry{IssuerAuth: entry.IssuerAuth, IssuerNameSpaces: extended})
		assert.ErrorContains(t, err, "no digest with ID 99")
	})

	t.Run("malformed issuerAuth", func(t *testing.T) {
		_, err := (&verify.Verifier{Roots: roots}).VerifyEntry(verify.SigningEntry{IssuerAuth: []byte{0x01}, IssuerNameSpaces: entry.IssuerNameSpaces})
		require.Error(t, err)

		cred, err := (&verify.Verifier{Roots: roots, Lenient: true}).VerifyEntry(verify.SigningEntry{IssuerAuth: []byte{0x01}, IssuerNameSpaces: entry.IssuerNameSpaces})
		require.NoError(t, err)
		assert.Nil(t, cred.IssuerAuth)
		assert.False(t, cred.Trusted())
	})
}

func TestParseResponse(t *testing.T) {
	for _, test := range []struct {
		name string
		body string
	}{
		{"not JSON", "<html>"},
		{"no signing entries", `{"signing":[]}`},
		{"missing signing", `{}`},
		{"bad hex", `{"signing":[{"issuerAuth":"zz","issuerNameSpaces":""}]}`},
		{"empty issuerAuth", `{"signing":[{"issuerAuth":"","issuerNameSpaces":"a0"}]}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := verify.ParseResponse([]byte(test.body))
			var verr *mdl.VerificationError
			require.ErrorAs(t, err, &verr)
		})
	}

	entries := []verify.SigningEntry{{IssuerAuth: []byte{0xd2, 0x84}, IssuerNameSpaces: []byte{0xa0}}}
	body, err := verify.EncodeResponse(entries)
	require.NoError(t, err)
	assert.JSONEq(t, `{"signing":[{"issuerAuth":"d284","issuerNameSpaces":"a0"}]}`, string(body))
	parsed, err := verify.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, entries, parsed)
}

func TestDecodeIssuerNameSpacesNesting(t *testing.T) {
	// {"a": [[[...0]]]}
	for _, depth := range []int{cbor.MaxNestingDepth, 1 << 20} {
		input := append([]byte{0xa1, 0x61, 'a'}, bytes.Repeat([]byte{0x81}, depth)...)
		input = append(input, 0x00)
		_, err := verify.DecodeIssuerNameSpaces(input)
		var decErr *cbor.DecodeError
		require.ErrorAs(t, err, &decErr, "depth %d", depth)
		assert.ErrorIs(t, err, cbor.ErrNestingTooDeep, "depth %d", depth)
		assert.Equal(t, "data item", decErr.Expected)
	}
}

type serviceFunc func(context.Context, verify.Request) ([]byte, error)

func (f serviceFunc) Verify(ctx context.Context, req verify.Request) ([]byte, error) { return f(ctx, req) }

func TestVerify(t *testing.T) {
	iss, roots := mdltest.Issuer(t, "SE")
	doc := verify.Document{
		MRZ:  mrz.Info{DocumentNumber: "L898902C3", DateOfBirth: "740812", DateOfExpiry: "120415"},
		Chip: &verify.Chip{DG1: []byte{0x61}, SOD: []byte{0x77}},
	}

	t.Run("forwards document", func(t *testing.T) {
		var got verify.Request
		svc := serviceFunc(func(_ context.Context, req verify.Request) ([]byte, error) {
			got = req
			return verify.EncodeResponse([]verify.SigningEntry{issue(t, iss)})
		})
		creds, err := (&verify.Verifier{Service: svc, Roots: roots}).Verify(context.Background(), doc, []byte{0xff})
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.Equal(t, doc.MRZ, got.MRZ)
		assert.Equal(t, doc.Chip, got.Chip)
		assert.Equal(t, []byte{0xff}, got.Selfie)
	})

	t.Run("invalid MRZ", func(t *testing.T) {
		called := false
		svc := serviceFunc(func(context.Context, verify.Request) ([]byte, error) {
			called = true
			return nil, nil
		})
		bad := doc
		bad.MRZ.DateOfBirth = "1974-08-12"
		_, err := (&verify.Verifier{Service: svc, Roots: roots}).Verify(context.Background(), bad, nil)
		var cerr *mdl.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "dateOfBirth", cerr.Field)
		assert.False(t, called)
	})

	t.Run("no service", func(t *testing.T) {
		_, err := (&verify.Verifier{Roots: roots}).Verify(context.Background(), doc, nil)
		var cerr *mdl.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "service", cerr.Field)
	})

	t.Run("network error", func(t *testing.T) {
		svc := serviceFunc(func(context.Context, verify.Request) ([]byte, error) {
			return nil, &mdl.NetworkError{Op: "POST", URL: "http://svc/verify", StatusCode: 502}
		})
		_, err := (&verify.Verifier{Service: svc, Roots: roots}).Verify(context.Background(), doc, nil)
		assert.True(t, mdl.IsRetryable(err))
	})

	t.Run("second entry fails", func(t *testing.T) {
		svc := serviceFunc(func(context.Context, verify.Request) ([]byte, error) {
			good := issue(t, iss)
			return verify.EncodeResponse([]verify.SigningEntry{good, {IssuerAuth: good.IssuerAuth, IssuerNameSpaces: []byte{0xa0}}})
		})
		_, err := (&verify.Verifier{Service: svc, Roots: roots}).Verify(context.Background(), doc, nil)
		require.Error(t, err)
		assert.ErrorContains(t, err, "signing entry 1")
		var de *mdl.DecodeError
		assert.True(t, errors.As(err, &de), "empty name spaces are a decode error: %v", err)
	})
}
