// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"context"
	"sync"
)

// Manager enforces that at most one of its sessions holds a channel. Building
// a session or opening a channel supersedes the previously active session,
// whose channel is closed first.
type Manager struct {
	mu     sync.Mutex
	active *Session
}

// Build a session owned by the manager. The previously active session is
// closed.
func (m *Manager) Build(ctx context.Context, b *Builder) (*Session, error) {
	s, err := b.Build()
	if err != nil {
		return nil, err
	}
	s.manager = m
	m.activate(ctx, s)
	return s, nil
}

// Active returns the session currently owning the channel, if any.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close closes the active session.
func (m *Manager) Close(ctx context.Context) error {
	if s := m.swap(nil); s != nil {
		return s.Close(ctx)
	}
	return nil
}

// activate makes s the active session. The previous one is closed, so its
// peer receives the session termination status before the channel goes away.
func (m *Manager) activate(ctx context.Context, s *Session) {
	prev := m.swap(s)
	if prev == nil || prev == s {
		return
	}
	prev.log.Info("superseded by session", "next", s.id.String())
	if err := prev.Close(ctx); err != nil {
		prev.log.Warn("error closing superseded session", "error", err)
	}
}

// release clears s if it is still the active session.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}

func (m *Manager) swap(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.active
	m.active = s
	return prev
}
