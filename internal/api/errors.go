package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transport failures and exhausted retries on 5xx.
	ErrNetwork = errors.New("network error")
	// ErrAuthentication marks a 401 or failed identity resolution. Any
	// operation surfacing it has already torn the session down.
	ErrAuthentication = errors.New("authentication failed")
	// ErrClient marks a non-retryable 4xx other than 401.
	ErrClient = errors.New("client error")
	// ErrChannel marks a realtime transport failure. It never fails a
	// pending request; it only closes the channel.
	ErrChannel = errors.New("channel error")
)

type NetworkError struct {
	Cause    error
	Attempts int
}

func (e *NetworkError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("network error after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Cause }

type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthentication }

// ClientError carries the server-provided message for a non-retryable 4xx.
type ClientError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ClientError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *ClientError) Is(target error) bool { return target == ErrClient }

type ChannelError struct {
	Cause error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel error: %v", e.Cause) }

func (e *ChannelError) Is(target error) bool { return target == ErrChannel }

func (e *ChannelError) Unwrap() error { return e.Cause }
