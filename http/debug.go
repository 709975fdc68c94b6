// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"unicode/utf8"

	"github.com/svipe/go-mdl/cbor/cdn"
)

func debugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

// tryDebugNotation renders JSON and text bodies as is and anything else as
// CBOR diagnostic notation, falling back to hex.
func tryDebugNotation(b []byte) string {
	if json.Valid(b) || (utf8.Valid(b) && bytes.HasPrefix(b, []byte("-----BEGIN"))) {
		return string(bytes.TrimSpace(b))
	}
	d, err := cdn.FromCBOR(b)
	if err != nil {
		return hex.EncodeToString(b)
	}
	return d
}

// DebugHandler logs every request and response at debug level, if enabled.
func DebugHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		debugRequest(w, r, next.ServeHTTP)
	})
}

func debugRequest(w http.ResponseWriter, r *http.Request, handler http.HandlerFunc) {
	if !debugEnabled() {
		handler.ServeHTTP(w, r)
		return
	}

	// Dump request
	debugReq, _ := httputil.DumpRequest(r, false)
	var saveBody bytes.Buffer
	if _, err := saveBody.ReadFrom(r.Body); err == nil {
		r.Body = io.NopCloser(&saveBody)
	}
	slog.Debug("request", "dump", string(bytes.TrimSpace(debugReq)),
		"body", tryDebugNotation(saveBody.Bytes()))

	// Dump response
	rr := httptest.NewRecorder()
	handler(rr, r)
	debugResp, _ := httputil.DumpResponse(rr.Result(), false)
	slog.Debug("response", "dump", string(bytes.TrimSpace(debugResp)),
		"body", tryDebugNotation(rr.Body.Bytes()))

	// Copy recorded response into response writer
	for key, values := range rr.Header() {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(rr.Code)
	_, _ = w.Write(rr.Body.Bytes())
}

func debugRequestOut(req *http.Request, body []byte) {
	if !debugEnabled() {
		return
	}
	debugReq, _ := httputil.DumpRequestOut(req, false)
	slog.Debug("request", "dump", string(bytes.TrimSpace(debugReq)),
		"body", tryDebugNotation(body))
}

func debugResponse(resp *http.Response) {
	if !debugEnabled() {
		return
	}
	debugResp, _ := httputil.DumpResponse(resp, false)
	var saveBody bytes.Buffer
	if _, err := saveBody.ReadFrom(resp.Body); err == nil {
		resp.Body = io.NopCloser(&saveBody)
	}
	slog.Debug("response", "dump", string(bytes.TrimSpace(debugResp)),
		"body", tryDebugNotation(saveBody.Bytes()))
}
