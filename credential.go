// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mdl

import (
	"fmt"
	"time"

	"github.com/svipe/go-mdl/cbor"
)

// Credential is an issued mobile document held by a device. Only the issuer
// signed parts are stored; device keys are ephemeral and never persisted.
//
//	IssuerSigned = {
//	    "nameSpaces": IssuerNameSpaces,
//	    "issuerAuth": IssuerAuth        ; COSE_Sign1 over the MSO
//	}
type Credential struct {
	Name       string
	DocType    string
	IssuerAuth []byte // COSE_Sign1, tagged or untagged
	NameSpaces []byte // IssuerNameSpaces
	CreatedAt  time.Time
}

// IssuerSigned returns the IssuerSigned structure sent to a reader.
func (c *Credential) IssuerSigned() ([]byte, error) {
	if len(c.IssuerAuth) == 0 || len(c.NameSpaces) == 0 {
		return nil, fmt.Errorf("credential %q is missing issuer signed data", c.Name)
	}
	return cbor.Marshal(map[string]cbor.RawBytes{
		"nameSpaces": c.NameSpaces,
		"issuerAuth": c.IssuerAuth,
	})
}
