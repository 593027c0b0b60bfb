// Package apperrors defines the error taxonomy shared by ingestion, the ticket
// state machine, escalation and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a ticket, comment or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a lost optimistic-lock race on a ticket row.
	ErrConflict = errors.New("concurrent modification")
	// ErrPermissionDenied is matched by every PermissionError.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRunInProgress is returned when another ingestion run holds the lock.
	ErrRunInProgress = errors.New("ingestion run already in progress")
)

// TransportError reports a mailbox connection or authentication failure.
// It aborts the whole ingestion run.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("mail transport: %v", e.Err)
	}
	return fmt.Sprintf("mail transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with the failing transport operation.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// ParseError reports a message that could not be decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v", e.Reason, e.Err)
	}
	return "parse message: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnresolvedReferenceError is produced when a subject names a ticket that
// does not exist. Ingestion recovers from it by creating a new ticket.
type UnresolvedReferenceError struct {
	Reference int64
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("ticket reference %d does not resolve", e.Reference)
}

// ValidationError carries field level messages for user input.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

// NewValidationError builds a ValidationError with optional field details.
func NewValidationError(message string, fields map[string]string) error {
	return &ValidationError{Message: message, Fields: fields}
}

// NotificationError reports an outbound mail failure. Callers log it and move on.
type NotificationError struct {
	Subject string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %q: %v", e.Subject, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// PermissionError rejects an illegal transition or escalation.
type PermissionError struct {
	Action string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

// Is lets errors.Is(err, ErrPermissionDenied) match any PermissionError.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Deny is shorthand for a PermissionError.
func Deny(action, format string, args ...any) error {
	return &PermissionError{Action: action, Reason: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps an error from the domain to a response code.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		permission *PermissionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &permission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine readable identifier for err.
func Code(err error) string {
	var (
		validation *ValidationError
		permission *PermissionError
		transport  *TransportError
		parse      *ParseError
	)
	switch {
	case errors.As(err, &validation):
		return "VALIDATION_FAILED"
	case errors.As(err, &permission):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrRunInProgress):
		return "RUN_IN_PROGRESS"
	case errors.As(err, &transport):
		return "TRANSPORT_FAILED"
	case errors.As(err, &parse):
		return "PARSE_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}
