// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package verify submits a scanned identity document to a verification
// service and checks the issuer signed data it returns.
//
// A successful result carries the issuer signature (a COSE_Sign1 over a
// mobile security object) and the issuer signed name spaces. The document
// signer certificate in the signature header must chain to a trusted root and
// every disclosed element must match its digest in the mobile security object.
package verify

import (
	"context"

	"github.com/svipe/go-mdl/mrz"
)

// Chip holds the data groups read from a document chip over NFC. They are
// passed to the verification service unmodified.
type Chip struct {
	DG1 []byte `json:"dg1"`
	DG2 []byte `json:"dg2,omitempty"`
	SOD []byte `json:"sod"`
}

// Document is a scanned identity document.
type Document struct {
	MRZ  mrz.Info
	Chip *Chip
}

// Request is the body sent to a verification service. Binary fields are
// base64 encoded in JSON.
type Request struct {
	MRZ    mrz.Info `json:"mrz"`
	Chip   *Chip    `json:"chip,omitempty"`
	Selfie []byte   `json:"selfie,omitempty"`
}

// Service verifies a document and returns the raw response body. Failures to
// reach the service are reported as *mdl.NetworkError.
type Service interface {
	Verify(ctx context.Context, req Request) ([]byte, error)
}
