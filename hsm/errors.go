package hsm

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNilSigner      = errors.New("signer cannot be nil")
	ErrNilPublicKey   = errors.New("public key cannot be nil")
	ErrNilCertificate = errors.New("certificate cannot be nil")
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrKeyMismatch    = errors.New("signer public key does not match certificate")
	ErrKeyNotFound    = errors.New("key not found")
	ErrNotInitialized = errors.New("provider is not initialized")

	// ErrTransient marks provider failures worth retrying. Providers wrap
	// it around throttling and server side errors.
	ErrTransient = errors.New("transient provider failure")
)

// ErrorCode classifies configuration and usage errors of the gateway.
type ErrorCode string

const (
	ProviderNotRegistered ErrorCode = "PROVIDER_NOT_REGISTERED"
	InvalidProviderType   ErrorCode = "INVALID_PROVIDER_TYPE"
	UnsupportedAlgorithm  ErrorCode = "UNSUPPORTED_ALGORITHM"
	InvalidRequest        ErrorCode = "INVALID_REQUEST"
	InvalidSignature      ErrorCode = "INVALID_SIGNATURE"
)

// Error is a non retryable gateway error.
type Error struct {
	Code     ErrorCode
	Provider ProviderType
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Provider != "" {
		msg += " (" + string(e.Provider) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConnectionError reports a provider that could not be initialized or
// reached. It is retryable.
type ConnectionError struct {
	Provider ProviderType
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("hsm %s: connection test failed", e.Provider)
	}
	return fmt.Sprintf("hsm %s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Retryable() bool {
	return true
}

// SigningError wraps a provider failure during signing.
type SigningError struct {
	Provider ProviderType
	KeyID    string
	Err      error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("hsm %s: signing with key %q failed: %v", e.Provider, e.KeyID, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the underlying failure is transient.
func (e *SigningError) Retryable() bool {
	return isRetryable(e.Err)
}

func isRetryable(err error) bool {
	var ce *ConnectionError
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &ce)
}
