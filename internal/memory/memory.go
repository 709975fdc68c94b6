// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements a credential store using non-persistent memory
// for tests and demos.
package memory

import (
	"context"
	"slices"
	"sync"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/session"
)

// Store holds credentials for the lifetime of the process.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*mdl.Credential
}

var _ session.CredentialStore = (*Store)(nil)

// NewStore initializes an empty store.
func NewStore() *Store {
	return &Store{credentials: make(map[string]*mdl.Credential)}
}

// AddCredential stores a credential, replacing any with the same name.
func (s *Store) AddCredential(_ context.Context, cred *mdl.Credential) error {
	if cred.Name == "" {
		return mdl.NewConfigurationError("Credential", "name", "name is required")
	}
	clone := *cred
	clone.IssuerAuth = slices.Clone(cred.IssuerAuth)
	clone.NameSpaces = slices.Clone(cred.NameSpaces)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.Name] = &clone
	return nil
}

// GetIdentityCredential implements session.CredentialStore.
func (s *Store) GetIdentityCredential(_ context.Context, name string) (*mdl.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[name]
	if !ok {
		return nil, &mdl.CredentialNotFoundError{Name: name}
	}
	clone := *cred
	return &clone, nil
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[name]; !ok {
		return &mdl.CredentialNotFoundError{Name: name}
	}
	delete(s.credentials, name)
	return nil
}
