package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrPolicyViolation  = errors.New("policy violation")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypePolicy     ErrorType = "policy"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// CoreError is a structured error for endpoint operations
type CoreError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "poll_nodes", "power_action")
	Endpoint   string // Endpoint ID where the error occurred
	Node       string // Node name if applicable
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *CoreError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s failed on %s/%s: %v", e.Op, e.Endpoint, e.Node, e.Err)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *CoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrPolicyViolation:
		return e.Type == ErrorTypePolicy
	}

	return errors.Is(e.Err, target)
}

// New creates a new CoreError
func New(errorType ErrorType, op, endpoint string, err error) *CoreError {
	return &CoreError{
		Type:      errorType,
		Op:        op,
		Endpoint:  endpoint,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithNode adds node information to the error
func (e *CoreError) WithNode(node string) *CoreError {
	e.Node = node
	return e
}

// WithStatusCode adds the HTTP status code to the error
func (e *CoreError) WithStatusCode(code int) *CoreError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound, ErrorTypePolicy:
		return false
	default: // ErrorTypeInternal, ErrorTypeAPI
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrForbidden)
		}
		return true
	}
}

// WrapConnection wraps a connection error with context
func WrapConnection(op, endpoint string, err error) error {
	return New(ErrorTypeConnection, op, endpoint, err)
}

// WrapAuth wraps an authentication error with context
func WrapAuth(op, endpoint string, err error) error {
	return New(ErrorTypeAuth, op, endpoint, err)
}

// WrapAPI wraps an API error with context
func WrapAPI(op, endpoint string, err error, statusCode int) error {
	return New(ErrorTypeAPI, op, endpoint, err).WithStatusCode(statusCode)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Retryable
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		if coreErr.Type == ErrorTypeAuth {
			return true
		}
		if coreErr.StatusCode == 401 || coreErr.StatusCode == 403 {
			return true
		}
	}

	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "authentication error") ||
		strings.Contains(errMsg, "authentication failed") ||
		strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "forbidden")
}

// Cause returns a short human-readable cause string for result reporting.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	var coreErr *CoreError
	if errors.As(err, &coreErr) && coreErr.Err != nil {
		return coreErr.Err.Error()
	}
	return err.Error()
}
