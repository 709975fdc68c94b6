// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mockissuer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cose"
	"github.com/svipe/go-mdl/mockissuer"
	"github.com/svipe/go-mdl/trust"
	"github.com/svipe/go-mdl/verify"
)

func newIssuer(t *testing.T) (*mockissuer.Issuer, *trust.RootSet) {
	t.Helper()
	a, err := mockissuer.NewAuthority("SE")
	require.NoError(t, err)
	roots := trust.NewRootSet()
	require.NoError(t, roots.AddCertificate(a.Root, ""))
	return &mockissuer.Issuer{Authority: a, ValidFor: time.Hour}, roots
}

func TestIssue(t *testing.T) {
	iss, roots := newIssuer(t)
	deviceKey, err := cose.GenerateKey(cose.P256)
	require.NoError(t, err)

	entry, err := iss.Issue(map[string]any{"b": "two", "a": int64(1)}, deviceKey)
	require.NoError(t, err)
	cred, err := (&verify.Verifier{Roots: roots}).VerifyEntry(entry)
	require.NoError(t, err)

	items := cred.NameSpaces[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Val.ElementIdentifier)
	assert.Equal(t, uint64(0), items[0].Val.DigestID)
	assert.Equal(t, uint64(1), items[1].Val.DigestID)
	assert.True(t, cred.MSO.DeviceKey.Equal(deviceKey.PublicPart()))
	assert.WithinDuration(t, cred.MSO.ValidityInfo.ValidFrom.Add(time.Hour), cred.MSO.ValidityInfo.ValidUntil, 0)

	_, err = iss.Issue(nil, nil)
	assert.Error(t, err)
}

func TestCertifyDeviceKey(t *testing.T) {
	iss, roots := newIssuer(t)
	entry, err := iss.Issue(map[string]any{"given_name": "Jane"}, nil)
	require.NoError(t, err)
	deviceKey, err := cose.GenerateKey(cose.P256)
	require.NoError(t, err)

	cred := &mdl.Credential{Name: "mDL", IssuerAuth: entry.IssuerAuth, NameSpaces: entry.IssuerNameSpaces}
	auth, err := iss.CertifyDeviceKey(context.Background(), cred, deviceKey.PublicPart())
	require.NoError(t, err)

	checked, err := (&verify.Verifier{Roots: roots}).VerifyEntry(verify.SigningEntry{IssuerAuth: auth, IssuerNameSpaces: entry.IssuerNameSpaces})
	require.NoError(t, err)
	assert.True(t, checked.MSO.DeviceKey.Equal(deviceKey.PublicPart()))
	assert.Equal(t, mockissuer.DocType, checked.MSO.DocType)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = iss.CertifyDeviceKey(ctx, cred, deviceKey)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandler(t *testing.T) {
	iss, _ := newIssuer(t)
	h := iss.Handler()

	for _, test := range []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"verify", http.MethodPost, "/verify", `{"mrz":{"documentNumber":"L898902C3","dateOfBirth":"740812","dateOfExpiry":"120415"}}`, http.StatusOK},
		{"invalid JSON", http.MethodPost, "/verify", `{`, http.StatusBadRequest},
		{"invalid MRZ", http.MethodPost, "/verify", `{"mrz":{"documentNumber":"L898902C3"}}`, http.StatusUnprocessableEntity},
		{"wrong method", http.MethodGet, "/verify", "", http.StatusMethodNotAllowed},
		{"roots", http.MethodGet, "/roots", "", http.StatusOK},
		{"unknown path", http.MethodGet, "/other", "", http.StatusNotFound},
	} {
		t.Run(test.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(test.method, test.path, strings.NewReader(test.body)))
			assert.Equal(t, test.status, rr.Code, rr.Body.String())
		})
	}

	t.Run("roots without authority", func(t *testing.T) {
		rr := httptest.NewRecorder()
		(&mockissuer.Issuer{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/roots", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
