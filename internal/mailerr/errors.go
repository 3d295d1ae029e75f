// Package mailerr defines the error categories shared by the vault, the provider
// adapters and the orchestrators. Callers branch on category with errors.As or the
// Is* helpers; the wrapped cause is kept for logging.
package mailerr

import (
	"errors"
	"fmt"
)

// ErrIntegrationNotActive is returned when a sync or send is attempted on an
// integration that is not in the active state.
var ErrIntegrationNotActive = errors.New("integration is not active")

// ErrThreadingUnsupported marks a reply that went out without threading
// metadata because the provider cannot thread. It is logged, not returned.
var ErrThreadingUnsupported = errors.New("provider does not support threading")

// CredentialError means a stored secret could not be decrypted or is malformed.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error: %s: %v", e.Reason, e.Err)
	}
	return "credential error: " + e.Reason
}

func (e *CredentialError) Unwrap() error { return e.Err }

// AuthExpiredError means the provider rejected the credentials and the user has to
// authorize again. It is never retried.
type AuthExpiredError struct {
	Provider string
	Err      error
}

func (e *AuthExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authorization expired: %v", e.Provider, e.Err)
	}
	return e.Provider + ": authorization expired"
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// ProviderUnavailableError covers network failures, timeouts, rate limits and 5xx
// responses. It is the only retryable category.
type ProviderUnavailableError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider unavailable (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: provider unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// MalformedMessageError marks a single provider message that could not be
// normalized. The surrounding batch continues.
type MalformedMessageError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *MalformedMessageError) Error() string {
	msg := fmt.Sprintf("malformed message %q: %s", e.MessageID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// UnsupportedProviderError is returned when no adapter is registered for a tag.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Provider)
}

// IsCredential reports whether err is or wraps a CredentialError.
func IsCredential(err error) bool {
	var target *CredentialError
	return errors.As(err, &target)
}

// IsAuthExpired reports whether err is or wraps an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var target *AuthExpiredError
	return errors.As(err, &target)
}

// IsProviderUnavailable reports whether err is or wraps a ProviderUnavailableError.
func IsProviderUnavailable(err error) bool {
	var target *ProviderUnavailableError
	return errors.As(err, &target)
}

// IsMalformedMessage reports whether err is or wraps a MalformedMessageError.
func IsMalformedMessage(err error) bool {
	var target *MalformedMessageError
	return errors.As(err, &target)
}

// IsUnsupportedProvider reports whether err is or wraps an UnsupportedProviderError.
func IsUnsupportedProvider(err error) bool {
	var target *UnsupportedProviderError
	return errors.As(err, &target)
}

// Retryable reports whether the operation that produced err may be attempted again.
func Retryable(err error) bool {
	return IsProviderUnavailable(err)
}
