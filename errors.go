// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package mdl

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/svipe/go-mdl/cbor"
)

// DecodeError is returned for malformed binary input. It carries the offset
// of the token that could not be decoded.
type DecodeError = cbor.DecodeError

// ConfigurationError is returned when a builder is missing a required field
// or no compatible transfer channel can be derived.
type ConfigurationError struct {
	Component string // e.g. "DeviceEngagement", "Session"
	Field     string // the missing or invalid field, if any
	Message   string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid configuration of %s: %s", e.Component, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: invalid configuration: %s", e.Component, e.Message)
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(component, field, message string) *ConfigurationError {
	return &ConfigurationError{Component: component, Field: field, Message: message}
}

// CredentialNotFoundError is returned when a named credential is absent from
// the credential store.
type CredentialNotFoundError struct {
	Name string
}

func (e *CredentialNotFoundError) Error() string {
	return fmt.Sprintf("credential %q not found", e.Name)
}

// VerificationError is returned when issuer data cannot be trusted: the
// certificate chain does not resolve to a trusted root, a signature or digest
// does not match, or the verification service reported a failure.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %s: %v", e.Reason, e.Err)
	}
	return "verification failed: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

// NetworkError is returned when the verification service is unreachable or
// responds with a non-2xx status.
type NetworkError struct {
	Op         string // e.g. "POST"
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d %s", e.Op, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed. Transport
// failures, request timeouts, rate limiting, and server errors are retryable.
// Cancellation by the caller is not.
func (e *NetworkError) Retryable() bool {
	switch {
	case errors.Is(e.Err, context.Canceled):
		return false
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// IsRetryable reports whether err is a [NetworkError] that may succeed if
// retried. Structural errors (decoding, configuration, verification) are never
// retryable.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Retryable()
}
