// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mockissuer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/verify"
)

// Largest accepted request body. Selfies and DG2 images dominate.
const maxRequestSize = 8 << 20

// Handler returns a router serving
//
//	POST /verify  verify.Request JSON -> signing response JSON
//	GET  /roots   root certificate PEM
func (iss *Issuer) Handler() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/verify", iss.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/roots", iss.handleRoots).Methods(http.MethodGet)
	return r
}

func (iss *Issuer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verify.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.MRZ.Validate(); err != nil {
		var cerr *mdl.ConfigurationError
		if errors.As(err, &cerr) {
			httpError(w, http.StatusUnprocessableEntity, cerr.Error())
			return
		}
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	elements := map[string]any{
		"document_number": req.MRZ.DocumentNumber,
		"birth_date":      req.MRZ.DateOfBirth,
		"expiry_date":     req.MRZ.DateOfExpiry,
	}
	if iss.Authority != nil {
		elements["issuing_country"] = iss.Authority.Country
	}
	if len(req.Selfie) > 0 {
		elements["portrait"] = req.Selfie
	}
	entry, err := iss.Issue(elements, nil)
	if err != nil {
		slog.Error("mock issuer", "error", err)
		httpError(w, http.StatusInternalServerError, "issuing failed")
		return
	}
	body, err := verify.EncodeResponse([]verify.SigningEntry{entry})
	if err != nil {
		slog.Error("mock issuer", "error", err)
		httpError(w, http.StatusInternalServerError, "encoding failed")
		return
	}
	slog.Info("issued credential", "document", req.MRZ.DocumentNumber)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (iss *Issuer) handleRoots(w http.ResponseWriter, _ *http.Request) {
	if iss.Authority == nil {
		httpError(w, http.StatusNotFound, "no roots")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(iss.Authority.RootPEM())
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
