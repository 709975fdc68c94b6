// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mdltest

import (
	"testing"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cose"
	"github.com/svipe/go-mdl/mockissuer"
	"github.com/svipe/go-mdl/trust"
)

// Issuer creates a mock issuer for country and a root set trusting it.
func Issuer(t *testing.T, country string) (*mockissuer.Issuer, *trust.RootSet) {
	t.Helper()
	authority, err := mockissuer.NewAuthority(country)
	if err != nil {
		t.Fatalf("error creating authority: %v", err)
	}
	roots := trust.NewRootSet()
	if err := roots.AddCertificate(authority.Root, ""); err != nil {
		t.Fatalf("error trusting root: %v", err)
	}
	return &mockissuer.Issuer{Authority: authority}, roots
}

// Credential issues a credential with a few mDL elements.
func Credential(t *testing.T, iss *mockissuer.Issuer, name string) *mdl.Credential {
	t.Helper()
	entry, err := iss.Issue(map[string]any{
		"family_name":     "Doe",
		"given_name":      "Jane",
		"document_number": "L898902C3",
		"birth_date":      "740812",
	}, nil)
	if err != nil {
		t.Fatalf("error issuing credential: %v", err)
	}
	return &mdl.Credential{
		Name:       name,
		DocType:    mockissuer.DocType,
		IssuerAuth: entry.IssuerAuth,
		NameSpaces: entry.IssuerNameSpaces,
	}
}

// DeviceKey generates an ephemeral P-256 key.
func DeviceKey(t *testing.T) *cose.Key {
	t.Helper()
	key, err := cose.GenerateKey(cose.P256)
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}
	return key
}

// Engagement encodes a device engagement offering BLE in both service modes.
func Engagement(t *testing.T, deviceKey *cose.Key) []byte {
	t.Helper()
	sec, err := mdl.NewSecurityBuilder().SetCoseKey(deviceKey).Build()
	if err != nil {
		t.Fatalf("error building security: %v", err)
	}
	de, err := mdl.NewBuilder().
		Version("1.0").
		Security(sec).
		AddTransferMethod(mdl.NewBLETransferMethod(true, true)).
		Build()
	if err != nil {
		t.Fatalf("error building engagement: %v", err)
	}
	data, err := de.Encode()
	if err != nil {
		t.Fatalf("error encoding engagement: %v", err)
	}
	return data
}
