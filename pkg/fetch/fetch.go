// Package fetch defines the contract between the cache layer and the remote
// collaborators that produce fresh values: a fetch function type plus the
// failure classification the cache's retry and negative-caching decisions
// depend on.
package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Func produces the payload for a key from a remote source. The payload is
// opaque to the cache. Implementations classify failures with Transient,
// NotFound or Permanent; an unclassified error is treated as transient,
// since network-layer errors usually arrive unwrapped.
type Func func(ctx context.Context, key string) ([]byte, error)

// Class partitions fetch failures by how the cache should react to them.
type Class int

const (
	// ClassTransient failures (network, timeout, rate-limit) are retried
	// and may fall back to a stale payload.
	ClassTransient Class = iota
	// ClassNotFound means the remote source authoritatively reported the
	// key does not exist. Not retried; cached as a negative result.
	ClassNotFound
	// ClassPermanent failures will not succeed on retry but carry no
	// authoritative answer about the key.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error is a classified fetch failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s fetch failure: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// NotFound wraps err as an authoritative missing-key answer.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassNotFound, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// ClassOf returns the classification of err, defaulting to transient for
// errors that never passed through this package.
func ClassOf(err error) Class {
	var fetchErr *Error
	if errors.As(err, &fetchErr) {
		return fetchErr.Class
	}
	return ClassTransient
}

// IsNotFound reports whether err is an authoritative missing-key answer.
func IsNotFound(err error) bool {
	return err != nil && ClassOf(err) == ClassNotFound
}
