// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package verify

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	mdl "github.com/svipe/go-mdl"
)

// SigningEntry is one issued credential of a verification response. Both
// fields are CBOR.
type SigningEntry struct {
	IssuerAuth       []byte // COSE_Sign1 over MobileSecurityObjectBytes
	IssuerNameSpaces []byte
}

type response struct {
	Signing []signingJSON `json:"signing"`
}

type signingJSON struct {
	IssuerAuth       string `json:"issuerAuth"`
	IssuerNameSpaces string `json:"issuerNameSpaces"`
}

// ParseResponse decodes a verification service response body.
//
//	{ "signing": [ { "issuerAuth": hex, "issuerNameSpaces": hex } ] }
//
// A response without signing entries means the service did not issue a
// credential and is returned as *mdl.VerificationError.
func ParseResponse(body []byte) ([]SigningEntry, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &mdl.VerificationError{Reason: "malformed service response", Err: err}
	}
	if len(resp.Signing) == 0 {
		return nil, &mdl.VerificationError{Reason: "service response has no signing entries"}
	}

	entries := make([]SigningEntry, len(resp.Signing))
	for i, s := range resp.Signing {
		auth, err := hex.DecodeString(s.IssuerAuth)
		if err != nil {
			return nil, &mdl.VerificationError{Reason: "malformed service response", Err: fmt.Errorf("signing[%d].issuerAuth: %w", i, err)}
		}
		ns, err := hex.DecodeString(s.IssuerNameSpaces)
		if err != nil {
			return nil, &mdl.VerificationError{Reason: "malformed service response", Err: fmt.Errorf("signing[%d].issuerNameSpaces: %w", i, err)}
		}
		if len(auth) == 0 {
			return nil, &mdl.VerificationError{Reason: "malformed service response", Err: fmt.Errorf("signing[%d].issuerAuth is empty", i)}
		}
		entries[i] = SigningEntry{IssuerAuth: auth, IssuerNameSpaces: ns}
	}
	return entries, nil
}

// EncodeResponse is the inverse of ParseResponse.
func EncodeResponse(entries []SigningEntry) ([]byte, error) {
	resp := response{Signing: make([]signingJSON, len(entries))}
	for i, e := range entries {
		resp.Signing[i] = signingJSON{
			IssuerAuth:       hex.EncodeToString(e.IssuerAuth),
			IssuerNameSpaces: hex.EncodeToString(e.IssuerNameSpaces),
		}
	}
	return json.Marshal(resp)
}
