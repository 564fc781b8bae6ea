// Copyright 2025-2026 MirrorWire Contributors

package sink

import (
	"errors"
	"fmt"
	"time"
)

// Class partitions send failures by how the caller should react.
type Class int

const (
	// ClassTransient covers timeouts and 5xx style failures. Retried with
	// backoff, then queued.
	ClassTransient Class = iota
	// ClassPermanent means the destination no longer exists. The owning
	// config is disabled and the delivery is never retried.
	ClassPermanent
	// ClassTooLarge means the payload was rejected for size. Retried once
	// with attachments stripped.
	ClassTooLarge
	// ClassRateLimited carries a server-specified wait interval.
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTooLarge:
		return "too-large"
	case ClassRateLimited:
		return "rate-limited"
	default:
		return "transient"
	}
}

// SendError is the classified outcome of a failed send attempt.
type SendError struct {
	Class      Class
	StatusCode int
	RetryAfter time.Duration
	Detail     string
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failure (status %d): %s", e.Class, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s send failure: %s", e.Class, e.Detail)
}

// ClassOf extracts the failure class from an error chain. Unclassified
// errors (network failures, context timeouts) count as transient.
func ClassOf(err error) Class {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassTransient
}

// IsPermanent reports whether the destination is gone for good.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}
