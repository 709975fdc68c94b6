// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mdl "github.com/svipe/go-mdl"
	mdlhttp "github.com/svipe/go-mdl/http"
	"github.com/svipe/go-mdl/mdltest"
	"github.com/svipe/go-mdl/mrz"
	"github.com/svipe/go-mdl/trust"
	"github.com/svipe/go-mdl/verify"
)

var document = verify.Document{MRZ: mrz.Info{
	DocumentNumber: "L898902C3",
	DateOfBirth:    "740812",
	DateOfExpiry:   "120415",
}}

func TestClient(t *testing.T) {
	iss, roots := mdltest.Issuer(t, "SE")

	run := func(t *testing.T) {
		srv := httptest.NewServer(mdlhttp.DebugHandler(iss.Handler()))
		defer srv.Close()

		v := verify.Verifier{
			Service: &mdlhttp.Client{Client: srv.Client(), Base: srv.URL},
			Roots:   roots,
		}
		creds, err := v.Verify(context.Background(), document, []byte("selfie"))
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.True(t, creds[0].Trusted())

		attrs, err := creds[0].NameSpaces.Attributes()
		require.NoError(t, err)
		elems := attrs["org.iso.18013.5.1"]
		assert.Equal(t, "L898902C3", elems["document_number"])
		assert.Equal(t, "SE", elems["issuing_country"])
		assert.Equal(t, []byte("selfie"), elems["portrait"])
	}

	t.Run("Without Debug", run)
	t.Run("With Debug", func(t *testing.T) {
		mdltest.DebugLogging(t)
		run(t)
	})
}

func TestClientRoots(t *testing.T) {
	iss, _ := mdltest.Issuer(t, "NO")
	srv := httptest.NewServer(iss.Handler())
	defer srv.Close()

	c := &mdlhttp.Client{Client: srv.Client(), Base: srv.URL + "/"}
	pemBytes, err := c.Roots(context.Background())
	require.NoError(t, err)

	roots := trust.NewRootSet()
	require.NoError(t, roots.LoadPEM(pemBytes, ""))
	require.Equal(t, 1, roots.Len())
	assert.True(t, roots.Roots()[0].Certificate.Equal(iss.Authority.Root))
}

func TestClientErrors(t *testing.T) {
	iss, _ := mdltest.Issuer(t, "SE")

	status := func(code int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(code), code)
		})
	}

	for _, test := range []struct {
		name      string
		handler   http.Handler
		req       verify.Request
		status    int
		retryable bool
	}{
		{"rejected MRZ", iss.Handler(), verify.Request{MRZ: mrz.Info{DocumentNumber: "X"}}, http.StatusUnprocessableEntity, false},
		{"unavailable", status(http.StatusServiceUnavailable), verify.Request{MRZ: document.MRZ}, http.StatusServiceUnavailable, true},
		{"rate limited", status(http.StatusTooManyRequests), verify.Request{MRZ: document.MRZ}, http.StatusTooManyRequests, true},
		{"not found", status(http.StatusNotFound), verify.Request{MRZ: document.MRZ}, http.StatusNotFound, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			srv := httptest.NewServer(test.handler)
			defer srv.Close()

			c := &mdlhttp.Client{Client: srv.Client(), Base: srv.URL}
			_, err := c.Verify(context.Background(), test.req)
			var nerr *mdl.NetworkError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, test.status, nerr.StatusCode)
			assert.Equal(t, http.MethodPost, nerr.Op)
			assert.Equal(t, test.retryable, mdl.IsRetryable(err))
		})
	}

	t.Run("content too large", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
		}))
		defer srv.Close()

		c := &mdlhttp.Client{Client: srv.Client(), Base: srv.URL, MaxContentLength: 1024}
		_, err := c.Verify(context.Background(), verify.Request{MRZ: document.MRZ})
		var nerr *mdl.NetworkError
		require.ErrorAs(t, err, &nerr)
		assert.Zero(t, nerr.StatusCode)
		assert.Contains(t, err.Error(), "content too large")

		c.MaxContentLength = -1
		body, err := c.Verify(context.Background(), verify.Request{MRZ: document.MRZ})
		require.NoError(t, err)
		assert.Len(t, body, 2048)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(iss.Handler())
		base := srv.URL
		srv.Close()

		_, err := (&mdlhttp.Client{Base: base}).Verify(context.Background(), verify.Request{MRZ: document.MRZ})
		var nerr *mdl.NetworkError
		require.ErrorAs(t, err, &nerr)
		assert.Zero(t, nerr.StatusCode)
		assert.True(t, nerr.Retryable())
	})

	t.Run("cancelled", func(t *testing.T) {
		srv := httptest.NewServer(iss.Handler())
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := (&mdlhttp.Client{Client: srv.Client(), Base: srv.URL}).Verify(ctx, verify.Request{MRZ: document.MRZ})
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
		assert.False(t, mdl.IsRetryable(err))
	})

	t.Run("bad base URL", func(t *testing.T) {
		_, err := (&mdlhttp.Client{Base: ":%"}).Roots(context.Background())
		var cerr *mdl.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "base", cerr.Field)
	})
}
