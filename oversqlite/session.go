// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Authenticator supplies bearer credentials. Login itself happens elsewhere; the
// session only asks for a token and reports when the current one was rejected.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context) (string, error)

func (f AuthenticatorFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is an Authenticator that always returns the same token
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// SyncSession is the shared state of one terminal's sync engine: the cached credential
// and the online and suspended flags. It is created once and injected into the
// orchestrator, the probe and the transport.
type SyncSession struct {
	auth   Authenticator
	logger *slog.Logger

	mu    sync.Mutex
	token string

	online    atomic.Bool
	suspended atomic.Bool
}

// NewSyncSession creates a session. It starts online and not suspended; the probe
// corrects the online flag on its first tick.
func NewSyncSession(auth Authenticator, logger *slog.Logger) *SyncSession {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SyncSession{auth: auth, logger: logger}
	s.online.Store(true)
	return s
}

// Token returns the cached credential, fetching one when none is cached
func (s *SyncSession) Token(ctx context.Context) (string, error) {
	if s.suspended.Load() {
		return "", ErrSessionSuspended
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	tok, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok
	return tok, nil
}

func (s *SyncSession) fetch(ctx context.Context) (string, error) {
	if s.auth == nil {
		return "", &AuthError{Message: "no authenticator configured"}
	}
	tok, err := s.auth.Token(ctx)
	if err != nil {
		return "", &AuthError{Message: err.Error()}
	}
	if tok == "" {
		return "", &AuthError{Message: "authenticator returned an empty token"}
	}
	return tok, nil
}

// Suspend drops the credential and stops pushes and pulls until Reauthenticate succeeds
func (s *SyncSession) Suspend(reason error) {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	if !s.suspended.Swap(true) {
		s.logger.Warn("Sync session suspended", "error", reason)
	}
}

// Reauthenticate asks the authenticator for a fresh credential and lifts the suspension
func (s *SyncSession) Reauthenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.token = tok
	if s.suspended.Swap(false) {
		s.logger.Info("Sync session resumed")
	}
	return nil
}

// Suspended reports whether the session waits for reauthentication
func (s *SyncSession) Suspended() bool { return s.suspended.Load() }

// Online reports the last probe result
func (s *SyncSession) Online() bool { return s.online.Load() }

// SetOnline records a probe result and reports whether it changed
func (s *SyncSession) SetOnline(online bool) bool {
	return s.online.Swap(online) != online
}
