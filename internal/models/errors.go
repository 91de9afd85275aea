package models

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies sync failures by how they are handled.
type ErrorKind string

const (
	// ErrorKindNetworkTransient failures are retried.
	ErrorKindNetworkTransient ErrorKind = "network_transient"
	// ErrorKindRemoteRejected failures are terminal and surfaced to the user.
	ErrorKindRemoteRejected ErrorKind = "remote_rejected"
	// ErrorKindLocalStore failures abandon the current operation.
	ErrorKindLocalStore ErrorKind = "local_store"
	// ErrorKindTimeout failures are handled like network failures.
	ErrorKindTimeout ErrorKind = "timeout"
)

// SyncError attaches an ErrorKind to an underlying error.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError wraps err with kind. A nil err yields nil.
func NewSyncError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// Transient marks err as a retryable network failure.
func Transient(op string, err error) error {
	return NewSyncError(ErrorKindNetworkTransient, op, err)
}

// Rejected marks err as a terminal remote rejection.
func Rejected(op string, err error) error {
	return NewSyncError(ErrorKindRemoteRejected, op, err)
}

// LocalStore marks err as a local durable store failure.
func LocalStore(op string, err error) error {
	return NewSyncError(ErrorKindLocalStore, op, err)
}

// KindOf classifies err. Unclassified errors are treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	var validation *ValidationErrors
	if errors.As(err, &validation) {
		return ErrorKindRemoteRejected
	}
	return ErrorKindNetworkTransient
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindNetworkTransient, ErrorKindTimeout:
		return true
	default:
		return false
	}
}
