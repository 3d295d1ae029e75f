package models

import (
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
)

// Provider tags an integration with the adapter that serves it.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderSMTP      Provider = "smtp"
)

// ParseProvider maps a tag to a known provider.
func ParseProvider(tag string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(tag))); p {
	case ProviderGoogle, ProviderMicrosoft, ProviderSMTP:
		return p, nil
	default:
		return "", &mailerr.UnsupportedProviderError{Provider: tag}
	}
}

// IsOAuth reports whether the provider authorizes through an OAuth flow.
func (p Provider) IsOAuth() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// IntegrationState is the lifecycle state of an integration.
type IntegrationState string

const (
	StatePendingAuth IntegrationState = "pending_auth"
	StateActive      IntegrationState = "active"
	StateNeedsReauth IntegrationState = "needs_reauth"
	StateDisabled    IntegrationState = "disabled"
)

// Valid reports whether s is one of the four lifecycle states.
func (s IntegrationState) Valid() bool {
	switch s {
	case StatePendingAuth, StateActive, StateNeedsReauth, StateDisabled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Disabled is terminal.
func (s IntegrationState) CanTransitionTo(next IntegrationState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StateDisabled {
		return s != StateDisabled
	}
	switch s {
	case StatePendingAuth:
		return next == StateActive
	case StateActive:
		return next == StateNeedsReauth || next == StateActive
	case StateNeedsReauth:
		return next == StateActive
	}
	return false
}

// SecurityMode selects how the relay connection is protected.
type SecurityMode string

const (
	SecurityNone     SecurityMode = "none"
	SecuritySTARTTLS SecurityMode = "starttls"
	SecurityTLS      SecurityMode = "tls"
)

// ParseSecurityMode defaults to STARTTLS when mode is empty.
func ParseSecurityMode(mode string) (SecurityMode, bool) {
	switch m := SecurityMode(strings.ToLower(strings.TrimSpace(mode))); m {
	case "":
		return SecuritySTARTTLS, true
	case SecurityNone, SecuritySTARTTLS, SecurityTLS:
		return m, true
	}
	return "", false
}

// RelayConfig holds the connection settings of a password relay integration.
type RelayConfig struct {
	Host              string       `json:"host"`
	Port              int          `json:"port"`
	Username          string       `json:"username"`
	EncryptedPassword string       `json:"-"`
	Security          SecurityMode `json:"security"`
}

// Integration is one connected mailbox of a user. Secrets are stored encrypted
// and only decrypted for the duration of a provider call.
type Integration struct {
	ID                    string           `json:"id"`
	UserID                string           `json:"user_id"`
	Provider              Provider         `json:"provider"`
	State                 IntegrationState `json:"state"`
	DisplayName           string           `json:"display_name"`
	EmailAddress          string           `json:"email_address"`
	EncryptedAccessToken  string           `json:"-"`
	EncryptedRefreshToken string           `json:"-"`
	TokenExpiry           *time.Time       `json:"token_expiry,omitempty"`
	Relay                 *RelayConfig     `json:"relay,omitempty"`
	LastSyncedAt          *time.Time       `json:"last_synced_at"`
	LastError             *string          `json:"last_error"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Credentials are the encrypted OAuth fields written back after a token refresh.
type Credentials struct {
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenExpiry           *time.Time
}

// ApplyCredentials copies refreshed credentials onto the integration.
func (i *Integration) ApplyCredentials(c Credentials) {
	i.EncryptedAccessToken = c.EncryptedAccessToken
	i.EncryptedRefreshToken = c.EncryptedRefreshToken
	i.TokenExpiry = c.TokenExpiry
}

// TokenBundle is a plaintext OAuth token set as returned by a provider.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Expired reports whether the access token is expired at now, allowing for leeway.
// A zero expiry means the provider did not say, and the token is assumed valid.
func (t *TokenBundle) Expired(now time.Time, leeway time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(t.Expiry)
}

// IntegrationResponse is the API view of an integration.
type IntegrationResponse struct {
	ID           string           `json:"id"`
	Provider     Provider         `json:"provider"`
	State        IntegrationState `json:"state"`
	DisplayName  string           `json:"display_name"`
	EmailAddress string           `json:"email_address"`
	Capabilities CapabilitiesView `json:"capabilities"`
	LastSyncedAt *time.Time       `json:"last_synced_at"`
	LastError    *string          `json:"last_error"`
	CreatedAt    time.Time        `json:"created_at"`
}

// CapabilitiesView mirrors the adapter capabilities for API clients.
type CapabilitiesView struct {
	Read      bool `json:"read"`
	Send      bool `json:"send"`
	Threading bool `json:"threading"`
}

// RelayConnectRequest is the payload for connecting a password relay.
type RelayConnectRequest struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Security     string `json:"security"`
	EmailAddress string `json:"email_address"`
	DisplayName  string `json:"display_name"`
}

// SyncResponse reports the outcome of a manual sync.
type SyncResponse struct {
	IntegrationID string `json:"integration_id"`
	Fetched       int    `json:"fetched"`
	Upserted      int    `json:"upserted"`
	Inserted      int    `json:"inserted"`
	Skipped       int    `json:"skipped"`
}
