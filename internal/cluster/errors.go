package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Class categorizes a cluster API failure for the caller's retry policy.
type Class string

const (
	// ClassNotFound: the named resource does not exist. Not retryable.
	ClassNotFound Class = "not_found"

	// ClassConflict: a resource with that name already exists. Safe steps
	// recover by adopting the existing resource.
	ClassConflict Class = "conflict"

	// ClassTransient: timeout, rate limit or connectivity failure. Safe to
	// retry with backoff.
	ClassTransient Class = "transient"

	// ClassPermanent: the request was rejected (quota, invalid manifest,
	// forbidden). Retrying the same call cannot succeed.
	ClassPermanent Class = "permanent"
)

// Error wraps a cluster API failure with its classification and the
// operation that produced it.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a classified not-found failure.
func IsNotFound(err error) bool { return hasClass(err, ClassNotFound) }

// IsConflict reports whether err is a classified conflict failure.
func IsConflict(err error) bool { return hasClass(err, ClassConflict) }

// IsTransient reports whether err is safe to retry with backoff.
func IsTransient(err error) bool { return hasClass(err, ClassTransient) }

// IsQuota reports whether err is a permanent failure caused by quota.
func IsQuota(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Class == ClassPermanent && apierrors.IsForbidden(ce.Err)
}

func hasClass(err error, c Class) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Class == c
}

// classify wraps a raw Kubernetes API error into a classified Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: classOf(err), Op: op, Err: err}
}

func classOf(err error) Class {
	switch {
	case apierrors.IsNotFound(err):
		return ClassNotFound
	case apierrors.IsAlreadyExists(err), apierrors.IsConflict(err):
		return ClassConflict
	case apierrors.IsTimeout(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}
