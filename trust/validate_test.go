// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package trust_test

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/mockissuer"
	"github.com/svipe/go-mdl/trust"
)

func newAuthority(t *testing.T, country string) *mockissuer.Authority {
	t.Helper()
	a, err := mockissuer.NewAuthority(country)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func rootSet(t *testing.T, certs ...*x509.Certificate) *trust.RootSet {
	t.Helper()
	roots := trust.NewRootSet()
	for _, cert := range certs {
		if err := roots.AddCertificate(cert, ""); err != nil {
			t.Fatal(err)
		}
	}
	return roots
}

func codeOf(t *testing.T, err error) trust.CertificateValidationErrorCode {
	t.Helper()
	var verr *mdl.VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected verification error, got %v", err)
	}
	var cerr *trust.CertificateValidationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected certificate validation error, got %v", err)
	}
	return cerr.Code
}

func TestValidateDSCertificate(t *testing.T) {
	se := newAuthority(t, "SE")
	no := newAuthority(t, "NO")

	t.Run("trusted root", func(t *testing.T) {
		ds, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, rootSet(t, se.Root), trust.Options{})
		if err != nil {
			t.Fatal(err)
		}
		if !ds.Equal(se.DS) {
			t.Fatal("returned certificate is not the document signer")
		}
	})

	t.Run("issuing country", func(t *testing.T) {
		roots := rootSet(t, se.Root, no.Root)
		if _, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, roots, trust.Options{IssuingCountry: "se"}); err != nil {
			t.Fatal(err)
		}
		_, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, roots, trust.Options{IssuingCountry: "NO"})
		if code := codeOf(t, err); code != trust.CertValidationErrorCountryMismatch {
			t.Fatalf("expected country mismatch, got %s", code)
		}
	})

	t.Run("root restricted to another country", func(t *testing.T) {
		// A Swedish root that signed a Norwegian document signer
		ds, _, err := se.IssueDS("NO", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		_, err = trust.ValidateDSCertificate([][]byte{ds.Raw}, rootSet(t, se.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorCountryMismatch {
			t.Fatalf("expected country mismatch, got %s", code)
		}
	})

	t.Run("absent root", func(t *testing.T) {
		_, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, rootSet(t, no.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorUntrustedRoot {
			t.Fatalf("expected untrusted root, got %s", code)
		}
	})

	t.Run("no roots", func(t *testing.T) {
		_, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, trust.NewRootSet(), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorUntrustedRoot {
			t.Fatalf("expected untrusted root, got %s", code)
		}
	})

	t.Run("expired", func(t *testing.T) {
		_, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, rootSet(t, se.Root),
			trust.Options{Now: se.DS.NotAfter.Add(time.Minute)})
		if code := codeOf(t, err); code != trust.CertValidationErrorExpired {
			t.Fatalf("expected expired, got %s", code)
		}
	})

	t.Run("not yet valid", func(t *testing.T) {
		_, err := trust.ValidateDSCertificate([][]byte{se.DS.Raw}, rootSet(t, se.Root),
			trust.Options{Now: se.DS.NotBefore.Add(-time.Minute)})
		if code := codeOf(t, err); code != trust.CertValidationErrorNotYetValid {
			t.Fatalf("expected not yet valid, got %s", code)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := trust.ValidateDSCertificate([][]byte{{0x30, 0x03, 0x02, 0x01}}, rootSet(t, se.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorMalformed {
			t.Fatalf("expected malformed, got %s", code)
		}
		_, err = trust.ValidateDSCertificate(nil, rootSet(t, se.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorMalformed {
			t.Fatalf("expected malformed, got %s", code)
		}
	})

	t.Run("intermediate", func(t *testing.T) {
		inter, interKey, err := se.IssueIntermediate()
		if err != nil {
			t.Fatal(err)
		}
		ds, _, err := se.Under(inter, interKey).IssueDS("SE", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		if _, err := trust.ValidateDSCertificate([][]byte{ds.Raw, inter.Raw}, rootSet(t, se.Root), trust.Options{}); err != nil {
			t.Fatal(err)
		}
		// Chains may include the root itself
		if _, err := trust.ValidateDSCertificate([][]byte{ds.Raw, inter.Raw, se.Root.Raw}, rootSet(t, se.Root), trust.Options{}); err != nil {
			t.Fatal(err)
		}

		_, err = trust.ValidateDSCertificate([][]byte{ds.Raw}, rootSet(t, se.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorUntrustedRoot {
			t.Fatalf("expected untrusted root without the intermediate, got %s", code)
		}
	})

	t.Run("root with the same name", func(t *testing.T) {
		impostor := newAuthority(t, "SE")
		for _, roots := range []*trust.RootSet{rootSet(t, se.Root), rootSet(t, no.Root, se.Root)} {
			_, err := trust.ValidateDSCertificate([][]byte{impostor.DS.Raw}, roots, trust.Options{})
			if code := codeOf(t, err); code != trust.CertValidationErrorUntrustedRoot {
				t.Fatalf("expected untrusted root, got %s: %v", code, err)
			}
		}

		// Also through an intermediate sharing the name of a trusted one
		inter, _, err := se.IssueIntermediate()
		if err != nil {
			t.Fatal(err)
		}
		fakeInter, fakeKey, err := impostor.IssueIntermediate()
		if err != nil {
			t.Fatal(err)
		}
		ds, _, err := impostor.Under(fakeInter, fakeKey).IssueDS("SE", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		_, err = trust.ValidateDSCertificate([][]byte{ds.Raw, inter.Raw}, rootSet(t, se.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorUntrustedRoot {
			t.Fatalf("expected untrusted root, got %s: %v", code, err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		der := append([]byte(nil), se.DS.Raw...)
		der[len(der)-1] ^= 0x01
		_, err := trust.ValidateDSCertificate([][]byte{der}, rootSet(t, se.Root), trust.Options{})
		if code := codeOf(t, err); code != trust.CertValidationErrorSignature {
			t.Fatalf("expected signature failure, got %s: %v", code, err)
		}
	})
}

func TestRootSet(t *testing.T) {
	se := newAuthority(t, "SE")
	no := newAuthority(t, "NO")

	roots := trust.NewRootSet()
	if err := roots.LoadPEM(append(se.RootPEM(), no.RootPEM()...), ""); err != nil {
		t.Fatal(err)
	}
	if err := roots.AddCertificate(se.Root, ""); err != nil {
		t.Fatal(err)
	}
	if roots.Len() != 2 {
		t.Fatalf("expected 2 roots after adding a duplicate, got %d", roots.Len())
	}

	filtered := roots.Filter("no")
	if filtered.Len() != 1 || !filtered.Roots()[0].Certificate.Equal(no.Root) {
		t.Fatal("filter did not select the NO root")
	}

	reloaded := trust.NewRootSet()
	if err := reloaded.LoadPEM(roots.PEM(), ""); err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 roots after PEM round trip, got %d", reloaded.Len())
	}

	if err := trust.NewRootSet().LoadPEM([]byte("not pem"), ""); err == nil {
		t.Fatal("expected error for data without certificates")
	}

	var cerr *trust.CertificateValidationError
	if err := trust.NewRootSet().AddCertificate(se.DS, ""); !errors.As(err, &cerr) || cerr.Code != trust.CertValidationErrorNotCA {
		t.Fatalf("expected not a CA error, got %v", err)
	}
}
