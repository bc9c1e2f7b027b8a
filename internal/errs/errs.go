// Package errs defines the closed error-kind vocabulary that the HTTP
// boundary maps to status codes, mirroring the classification style of the
// retry package's PermanentError but scoped to request-facing errors.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed set of error classifications carried over the wire.
type Kind string

const (
	Validation          Kind = "validation"
	AuthMissing          Kind = "auth_missing"
	AuthInvalid          Kind = "auth_invalid"
	PermissionDenied     Kind = "permission_denied"
	NotFound             Kind = "not_found"
	IdempotencyConflict  Kind = "idempotency_conflict"
	RateLimited          Kind = "rate_limited"
	BudgetExceeded       Kind = "budget_exceeded"
	ConfigError          Kind = "config_error"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	Timeout              Kind = "timeout"
	Internal             Kind = "internal"
)

// statusByKind is the single table mapping error kind to HTTP status.
var statusByKind = map[Kind]int{
	Validation:         http.StatusBadRequest,
	AuthMissing:        http.StatusUnauthorized,
	AuthInvalid:        http.StatusUnauthorized,
	PermissionDenied:   http.StatusForbidden,
	NotFound:           http.StatusNotFound,
	IdempotencyConflict: http.StatusConflict,
	RateLimited:        http.StatusTooManyRequests,
	BudgetExceeded:     http.StatusPaymentRequired,
	ConfigError:        http.StatusInternalServerError,
	UpstreamUnavailable: http.StatusBadGateway,
	Timeout:            http.StatusGatewayTimeout,
	Internal:           http.StatusInternalServerError,
}

// E is the error type surfaced across the pipeline. Details must never
// include another tenant's identifiers.
type E struct {
	Kind    Kind
	Message string
	Code    string
	Details map[string]any
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// New constructs an E of the given kind.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: message}
}

// Wrap attaches an underlying cause to a kind.
func Wrap(kind Kind, message string, cause error) *E {
	return &E{Kind: kind, Message: message, Err: cause}
}

// WithCode attaches a machine-readable code.
func (e *E) WithCode(code string) *E {
	e.Code = code
	return e
}

// WithDetails attaches structured, tenant-safe details.
func (e *E) WithDetails(details map[string]any) *E {
	e.Details = details
	return e
}

// HTTPStatus returns the status code for an error, defaulting to 500 for
// errors that were not produced by this package.
func HTTPStatus(err error) int {
	var e *E
	if errors.As(err, &e) {
		if status, ok := statusByKind[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
