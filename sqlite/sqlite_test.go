// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/mdltest"
	"github.com/svipe/go-mdl/sqlite"
	"github.com/svipe/go-mdl/trust"
)

func newDB(t *testing.T, filename, password string) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filename, password)
	if err != nil {
		t.Fatal(err)
	}
	db.DebugLog = mdltest.TestingLog(t)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, filepath.Join(t.TempDir(), "db.test"), "test_password")
	iss, _ := mdltest.Issuer(t, "SE")

	for _, name := range []string{"work", "home"} {
		if err := db.AddCredential(ctx, mdltest.Credential(t, iss, name)); err != nil {
			t.Fatal(err)
		}
	}
	names, err := db.CredentialNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names, []string{"home", "work"}) {
		t.Fatalf("unexpected names %v", names)
	}

	// Replace
	replacement := mdltest.Credential(t, iss, "home")
	if err := db.AddCredential(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetIdentityCredential(ctx, "home")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.IssuerAuth, replacement.IssuerAuth) || !bytes.Equal(got.NameSpaces, replacement.NameSpaces) {
		t.Fatal("credential was not replaced")
	}
	if got.DocType != replacement.DocType || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected credential metadata %+v", got)
	}

	if err := db.DeleteCredential(ctx, "home"); err != nil {
		t.Fatal(err)
	}
	var nf *mdl.CredentialNotFoundError
	if _, err := db.GetIdentityCredential(ctx, "home"); !errors.As(err, &nf) || nf.Name != "home" {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := db.DeleteCredential(ctx, "home"); !errors.As(err, &nf) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func TestAddInvalidCredential(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, filepath.Join(t.TempDir(), "db.test"), "")
	iss, _ := mdltest.Issuer(t, "SE")
	valid := mdltest.Credential(t, iss, "valid")

	for _, test := range []struct {
		name  string
		cred  mdl.Credential
		field string
	}{
		{"no name", mdl.Credential{IssuerAuth: valid.IssuerAuth, NameSpaces: valid.NameSpaces}, "name"},
		{"no name spaces", mdl.Credential{Name: "x", IssuerAuth: valid.IssuerAuth}, "issuerSigned"},
		{"garbage issuerAuth", mdl.Credential{Name: "x", IssuerAuth: []byte{0x01}, NameSpaces: valid.NameSpaces}, ""},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := db.AddCredential(ctx, &test.cred)
			if err == nil {
				t.Fatal("expected error")
			}
			var cerr *mdl.ConfigurationError
			if test.field != "" && (!errors.As(err, &cerr) || cerr.Field != test.field) {
				t.Fatalf("expected configuration error for %q, got %v", test.field, err)
			}
		})
	}
}

func TestRootCertificates(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, filepath.Join(t.TempDir(), "db.test"), "")
	se, _ := mdltest.Issuer(t, "SE")
	no, _ := mdltest.Issuer(t, "NO")

	if err := db.AddRootCertificate(ctx, se.Authority.Root, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.AddRootCertificate(ctx, no.Authority.Root, "NO"); err != nil {
		t.Fatal(err)
	}
	// Adding the same root again is an update
	if err := db.AddRootCertificate(ctx, se.Authority.Root, "SE"); err != nil {
		t.Fatal(err)
	}

	roots, err := db.RootSet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if roots.Len() != 2 {
		t.Fatalf("expected 2 roots, got %d", roots.Len())
	}
	if _, err := trust.ValidateDSCertificate([][]byte{no.Authority.DS.Raw}, roots, trust.Options{IssuingCountry: "NO"}); err != nil {
		t.Fatal(err)
	}
	if roots.Filter("SE").Len() != 1 {
		t.Fatal("expected one SE root")
	}
}

func TestPassword(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "db.test")
	iss, _ := mdltest.Issuer(t, "SE")

	db, err := sqlite.Open(filename, "test_password")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddCredential(ctx, mdltest.Credential(t, iss, "mDL")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if db, err := sqlite.Open(filename, "wrong_password"); err == nil {
		_ = db.Close()
		t.Fatal("expected error opening with the wrong password")
	}

	db = newDB(t, filename, "test_password")
	if _, err := db.GetIdentityCredential(ctx, "mDL"); err != nil {
		t.Fatal(err)
	}
}
