// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

var (
	// ErrCycleInProgress is returned by RunCycle when the previous cycle has not finished
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	// ErrSessionSuspended is returned while the session waits for a fresh credential
	ErrSessionSuspended = errors.New("sync session suspended until reauthentication")
	// ErrConflictNotFound is returned for unknown conflict ids
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrConflictResolved is returned when resolving a conflict twice
	ErrConflictResolved = errors.New("conflict already resolved")
	// ErrNoAdapter is returned for entities without a registered adapter
	ErrNoAdapter = errors.New("no adapter registered for entity")
	// ErrItemNotFound is returned for unknown outbox item ids
	ErrItemNotFound = errors.New("outbox item not found")
)

// ValidationError is a payload the server or a local adapter rejected. Never retried.
type ValidationError struct {
	Entity   string
	EntityID string
	Reason   string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed for %s/%s (%s): %s", e.Entity, e.EntityID, e.Reason, e.Message)
}

// AuthError is an expired or rejected credential. Suspends the session.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
}

// ConnectivityError covers timeouts, refused or reset connections, DNS failures and
// server-side unavailability.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity failure: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// DependencyNotReadyError means a referenced parent row is not on the server yet
type DependencyNotReadyError struct {
	Entity   string
	EntityID string
	Message  string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("dependency not ready for %s/%s: %s", e.Entity, e.EntityID, e.Message)
}

// ConflictDetected reports that the server copy is newer than the pushed one.
// It is routed to the conflict store and is not a failure of the cycle.
type ConflictDetected struct {
	Entity          string
	EntityID        string
	RemoteData      []byte
	RemoteDeleted   bool
	RemoteTimestamp time.Time
}

func (e *ConflictDetected) Error() string {
	return fmt.Sprintf("conflict on %s/%s", e.Entity, e.EntityID)
}

// HTTPStatusError is a non-2xx gateway response before classification
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Classify maps transport failures onto the error taxonomy. Errors that are already
// classified, and errors it does not recognize, are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		vErr *ValidationError
		aErr *AuthError
		cErr *ConnectivityError
		hErr *HTTPStatusError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &aErr), errors.As(err, &cErr):
		return err
	case errors.As(err, &hErr):
		switch {
		case hErr.StatusCode == http.StatusUnauthorized, hErr.StatusCode == http.StatusForbidden:
			return &AuthError{StatusCode: hErr.StatusCode, Message: hErr.Body}
		case hErr.StatusCode == http.StatusRequestTimeout,
			hErr.StatusCode == http.StatusTooManyRequests,
			hErr.StatusCode >= 500:
			return &ConnectivityError{Op: op, Err: err}
		case hErr.StatusCode >= 400:
			return &ValidationError{Reason: http.StatusText(hErr.StatusCode), Message: hErr.Body}
		}
		return err
	case isConnectivityFailure(err):
		return &ConnectivityError{Op: op, Err: err}
	}
	return err
}

func isConnectivityFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether a classified error may succeed on a later attempt
func IsRetryable(err error) bool {
	var (
		cErr *ConnectivityError
		dErr *DependencyNotReadyError
	)
	return errors.As(err, &cErr) || errors.As(err, &dErr)
}

// IsConnectivity reports whether err is a connectivity failure
func IsConnectivity(err error) bool {
	var cErr *ConnectivityError
	return errors.As(err, &cErr)
}

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	var aErr *AuthError
	return errors.As(err, &aErr)
}
