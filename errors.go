package fhiruploader

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Upload and client errors wrap these so callers can use errors.Is.
var (
	ErrTimeout  = errors.New("request timed out")
	ErrConflict = errors.New("version conflict")
	ErrCanceled = errors.New("run canceled")
	ErrNotFound = errors.New("resource not found")
)

// DecodeError reports an input unit that could not be decoded into resources.
type DecodeError struct {
	SourceRef string
	Cause     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.SourceRef, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// NewDecodeError wraps cause with the source it came from.
func NewDecodeError(sourceRef string, cause error) *DecodeError {
	return &DecodeError{SourceRef: sourceRef, Cause: cause}
}

// DuplicateResourceError reports two resources sharing an identity key with different content.
type DuplicateResourceError struct {
	Key     Key
	Sources []string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("duplicate resource %s with differing content in %s", e.Key, strings.Join(e.Sources, ", "))
}

// CycleError reports a dependency cycle. Members lists the cycle in edge
// order: each member references the next, and the last references the first.
type CycleError struct {
	Members []Key
}

func (e *CycleError) Error() string {
	if len(e.Members) == 0 {
		return "dependency cycle"
	}
	parts := make([]string, 0, len(e.Members)+1)
	for _, k := range e.Members {
		parts = append(parts, k.String())
	}
	parts = append(parts, e.Members[0].String())
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Contains reports whether k is part of the cycle.
func (e *CycleError) Contains(k Key) bool {
	for _, m := range e.Members {
		if m == k {
			return true
		}
	}
	return false
}

// ValidationFailure reports a resource rejected by the validation collaborator.
type ValidationFailure struct {
	Key       Key
	SourceRef string
	Issues    Issues
}

func (e *ValidationFailure) Error() string {
	msg := e.Issues.Summary()
	if msg == "" {
		msg = "resource is not valid"
	}
	return fmt.Sprintf("validation of %s failed: %s", e.Key, msg)
}

// UploadFailure reports a failed network or server interaction for one resource.
type UploadFailure struct {
	Key    Key
	Reason FailureReason
	Status int
	Cause  error
}

func (e *UploadFailure) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upload %s failed (%s, HTTP %d): %v", e.Key, e.Reason, e.Status, e.Cause)
	}
	return fmt.Sprintf("upload %s failed (%s): %v", e.Key, e.Reason, e.Cause)
}

func (e *UploadFailure) Unwrap() error { return e.Cause }

// ReasonFor classifies err into a failure reason.
func ReasonFor(err error) FailureReason {
	var (
		uf *UploadFailure
		vf *ValidationFailure
		de *DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &uf):
		return uf.Reason
	case errors.As(err, &vf):
		return ReasonValidation
	case errors.As(err, &de):
		return ReasonDecode
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonNetwork
	}
}

// IsFatal reports whether err aborts a run regardless of the error policy.
func IsFatal(err error) bool {
	var (
		ce *CycleError
		de *DuplicateResourceError
	)
	return errors.As(err, &ce) || errors.As(err, &de)
}
