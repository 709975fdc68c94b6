// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package memory_test

import (
	"context"
	"errors"
	"testing"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/internal/memory"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	cred := &mdl.Credential{Name: "mDL", IssuerAuth: []byte{0xd2}, NameSpaces: []byte{0xa0}}
	if err := s.AddCredential(ctx, cred); err != nil {
		t.Fatal(err)
	}
	cred.IssuerAuth[0] = 0x00

	got, err := s.GetIdentityCredential(ctx, "mDL")
	if err != nil {
		t.Fatal(err)
	}
	if got.IssuerAuth[0] != 0xd2 {
		t.Fatal("store shares memory with the caller")
	}

	if err := s.DeleteCredential(ctx, "mDL"); err != nil {
		t.Fatal(err)
	}
	var nf *mdl.CredentialNotFoundError
	if _, err := s.GetIdentityCredential(ctx, "mDL"); !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.DeleteCredential(ctx, "mDL"); !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}

	var cerr *mdl.ConfigurationError
	if err := s.AddCredential(ctx, &mdl.Credential{}); !errors.As(err, &cerr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
