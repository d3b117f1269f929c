// Package errors provides structured error types for the offline kit.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its recovery strategy.
type Kind string

const (
	// KindStorageUnavailable means the local durable store cannot be
	// opened or written. Callers degrade to network-only operation.
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"

	// KindNetworkTransient means a request failed due to connectivity
	// and may be retried within the bounded retry budget.
	KindNetworkTransient Kind = "NETWORK_TRANSIENT"

	// KindNetworkPermanent means the server rejected the request with a
	// non-retryable status. Replaying it again cannot succeed.
	KindNetworkPermanent Kind = "NETWORK_PERMANENT"

	// KindQueueExhausted means a queued operation exceeded its retry
	// ceiling and was dropped. Requires manual attention.
	KindQueueExhausted Kind = "QUEUE_EXHAUSTED"

	// KindValidation means the input itself was malformed.
	KindValidation Kind = "VALIDATION_FAILURE"
)

// Operation identifies the offline-kit operation an error occurred in.
type Operation string

const (
	OpPut        Operation = "put"
	OpGet        Operation = "get"
	OpQuery      Operation = "query"
	OpDelete     Operation = "delete"
	OpMigrate    Operation = "migrate"
	OpEnqueue    Operation = "enqueue"
	OpDrain      Operation = "drain"
	OpReplay     Operation = "replay"
	OpCacheRead  Operation = "cache_read"
	OpCacheWrite Operation = "cache_write"
	OpPrecache   Operation = "precache"
	OpPush       Operation = "push"
	OpClose      Operation = "close"
)

// SyncError is the structured error type used throughout the kit.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "queue", "gateway")
	Component string

	// Kind of failure for recovery decisions
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Metadata for additional context (queue entry id, url, status code)
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the error for chaining.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewStorageUnavailable creates a storage-related SyncError.
// Storage failures are not retryable; callers degrade to network-only
// operation for the session.
func NewStorageUnavailable(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorageUnavailable,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkTransient creates a retryable network SyncError.
func NewNetworkTransient(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetworkTransient,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewNetworkPermanent creates a non-retryable network SyncError.
func NewNetworkPermanent(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetworkPermanent,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewQueueExhausted creates a SyncError for an entry dropped at the
// retry ceiling.
func NewQueueExhausted(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindQueueExhausted,
		Op:        op,
		Component: "queue",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidation creates a validation SyncError.
func NewValidation(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError with no classification.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable reports whether an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether an error is a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == kind
	}
	return false
}
