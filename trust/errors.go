// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package trust

import (
	"crypto/x509"
	"fmt"
)

// CertificateValidationErrorCode represents specific certificate validation failure reasons
type CertificateValidationErrorCode int

const (
	// CertValidationErrorUnknown - Unknown certificate validation error
	CertValidationErrorUnknown CertificateValidationErrorCode = iota

	// CertValidationErrorMalformed - Certificate bytes could not be parsed
	CertValidationErrorMalformed

	// CertValidationErrorExpired - Certificate has expired
	CertValidationErrorExpired

	// CertValidationErrorNotYetValid - Certificate is not yet valid (NotBefore in future)
	CertValidationErrorNotYetValid

	// CertValidationErrorSignature - Certificate signature verification failed
	CertValidationErrorSignature

	// CertValidationErrorNotCA - Issuing certificate is not a CA
	CertValidationErrorNotCA

	// CertValidationErrorUntrustedRoot - Chain does not end at a trusted root
	CertValidationErrorUntrustedRoot

	// CertValidationErrorCountryMismatch - Country does not match the issuing country
	CertValidationErrorCountryMismatch
)

// String returns a human-readable description of the error code
func (c CertificateValidationErrorCode) String() string {
	switch c {
	case CertValidationErrorMalformed:
		return "malformed certificate"
	case CertValidationErrorExpired:
		return "certificate expired"
	case CertValidationErrorNotYetValid:
		return "certificate not yet valid"
	case CertValidationErrorSignature:
		return "certificate signature verification failed"
	case CertValidationErrorNotCA:
		return "issuing certificate is not a CA"
	case CertValidationErrorUntrustedRoot:
		return "certificate does not chain to a trusted root"
	case CertValidationErrorCountryMismatch:
		return "certificate country does not match issuing country"
	default:
		return "unknown certificate validation error"
	}
}

// CertificateValidationError represents a detailed certificate validation error
type CertificateValidationError struct {
	Code        CertificateValidationErrorCode
	Certificate *x509.Certificate // The certificate that failed validation
	Message     string            // Additional details about the failure
}

// Error implements the error interface
func (e *CertificateValidationError) Error() string {
	if e.Certificate != nil {
		return fmt.Sprintf("%s (subject %s): %s", e.Code, e.Certificate.Subject, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationError(code CertificateValidationErrorCode, cert *x509.Certificate, format string, a ...any) *CertificateValidationError {
	return &CertificateValidationError{
		Code:        code,
		Certificate: cert,
		Message:     fmt.Sprintf(format, a...),
	}
}
