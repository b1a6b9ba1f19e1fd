package ig

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies authentication failures so callers can
// distinguish retryable transport trouble from rejected credentials.
type AuthErrorKind int

const (
	// AuthNetwork covers dial/transport failures before a response arrived.
	AuthNetwork AuthErrorKind = iota
	// AuthIO covers failures reading a response body.
	AuthIO
	// AuthJSON covers malformed response payloads.
	AuthJSON
	// AuthBadCredentials is a definitive 401 rejection of the login itself.
	AuthBadCredentials
	// AuthUnexpected is any other unexpected status or response shape.
	AuthUnexpected
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthNetwork:
		return "network"
	case AuthIO:
		return "io"
	case AuthJSON:
		return "json"
	case AuthBadCredentials:
		return "bad_credentials"
	default:
		return "unexpected"
	}
}

// Sentinel errors for errors.Is matching.
var (
	ErrBadCredentials   = errors.New("bad credentials")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// AuthError wraps a failed session operation with its classification and,
// where a response was received, the HTTP status code.
type AuthError struct {
	Op     string
	Kind   AuthErrorKind
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ig: %s: %s (status %d)", e.Op, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("ig: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ig: %s: %s", e.Op, e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBadCredentials) work without inspecting kinds.
func (e *AuthError) Is(target error) bool {
	return target == ErrBadCredentials && e.Kind == AuthBadCredentials
}

func authErr(op string, kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Op: op, Kind: kind, Err: err}
}

func authStatusErr(op string, kind AuthErrorKind, status int) *AuthError {
	return &AuthError{Op: op, Kind: kind, Status: status}
}

// apiError is the JSON error envelope the REST API returns on failures,
// e.g. {"errorCode":"error.security.account-token-invalid"}.
type apiError struct {
	ErrorCode string `json:"errorCode"`
}
