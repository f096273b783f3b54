package models

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for structured error handling.
const (
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeServer     = "SERVER_ERROR"
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeTimeout    = "TIMEOUT"
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeCache      = "CACHE_ERROR"
	ErrCodeEncryption = "ENCRYPTION_ERROR"
	ErrCodeUnknown    = "UNKNOWN_ERROR"
)

// Sentinel errors
var (
	ErrNoSession = errors.New("no session configured")
	ErrCancelled = errors.New("operation cancelled")
	ErrCacheMiss = errors.New("response not in cache")
)

// NetworkError wraps a connection-class failure. Retryable per the
// operation's retry policy.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a valid transport response carrying an application-level
// error payload. Never retried automatically.
type ServerError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *ServerError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// AuthError indicates a missing or rejected access token. Operations
// carrying this error sit in the token-wait queue until the session
// refresh outcome is known.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error %d: %s", e.StatusCode, e.Message)
}

// TimeoutError reports a per-operation wall-clock timeout.
type TimeoutError struct {
	URL   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.After)
}

// IsNetworkError reports whether err classifies as a retryable
// connection-class failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthError reports whether err classifies as a token failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTimeout reports whether err is a per-operation timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// CodeOf maps an error to its classification code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ErrCodeCancelled
	case errors.Is(err, ErrCacheMiss):
		return ErrCodeCache
	case errors.Is(err, ErrNoSession):
		return ErrCodeConfig
	case IsTimeout(err):
		return ErrCodeTimeout
	case IsAuthError(err):
		return ErrCodeAuth
	case IsNetworkError(err):
		return ErrCodeNetwork
	default:
		var se *ServerError
		if errors.As(err, &se) {
			return ErrCodeServer
		}
		return ErrCodeUnknown
	}
}
