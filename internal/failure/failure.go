// Package failure sorts sync errors into the classes operators act on.
package failure

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type Class string

const (
	ClassNone      Class = ""
	ClassConfig    Class = "config"
	ClassAuth      Class = "auth"
	ClassRateLimit Class = "rate_limit"
	ClassDatastore Class = "datastore"
	ClassEmpty     Class = "empty"
	ClassCanceled  Class = "canceled"
	ClassGeneric   Class = "generic"
)

var (
	// ErrConfig marks missing or unusable settings.
	ErrConfig = errors.New("configuration error")
	// ErrEmptyResponse marks an upstream answer with nothing in it.
	ErrEmptyResponse = errors.New("empty response")
	// ErrAuth marks rejected credentials.
	ErrAuth = errors.New("authentication failed")
)

// HTTPStatusError is implemented by errors that carry an upstream status code.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// DatastoreError wraps a failure of the local persistence layer.
type DatastoreError struct {
	Op  string
	Err error
}

func (e *DatastoreError) Error() string { return "datastore " + e.Op + ": " + e.Err.Error() }
func (e *DatastoreError) Unwrap() error { return e.Err }

// Datastore wraps err as a persistence failure. A nil err stays nil.
func Datastore(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatastoreError{Op: op, Err: err}
}

// Classify inspects typed errors first and falls back to the message text,
// since the upstream does not return structured codes for every failure.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.Is(err, ErrConfig):
		return ClassConfig
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrEmptyResponse):
		return ClassEmpty
	}

	var dsErr *DatastoreError
	if errors.As(err, &dsErr) {
		return ClassDatastore
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.HTTPStatus(); {
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return ClassAuth
		case code == http.StatusTooManyRequests:
			return ClassRateLimit
		}
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyMessage(msg string) Class {
	switch {
	case containsAny(msg, "rate limit", "too many requests", "http 429", "status 429"):
		return ClassRateLimit
	case containsAny(msg, "unauthorized", "forbidden", "invalid_client", "invalid token", "permission denied", "jwt"):
		return ClassAuth
	case containsAny(msg, "missing credential", "not configured", "environment variable"):
		return ClassConfig
	case containsAny(msg, "database is locked", "sql:", "constraint failed", "connection refused", "pq:"):
		return ClassDatastore
	default:
		return ClassGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassDatastore, ClassRateLimit, ClassGeneric:
		return true
	default:
		return false
	}
}

// Ptr returns the class as an optional string for storage; ClassNone maps to nil.
func (c Class) Ptr() *string {
	if c == ClassNone {
		return nil
	}
	s := string(c)
	return &s
}
