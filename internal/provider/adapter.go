// Package provider holds one adapter per mail provider behind a common interface,
// plus the token handling and resilience wrappers the adapters share.
package provider

import (
	"context"
	"errors"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrMessageNotFound is returned when the provider has no message with the given id.
var ErrMessageNotFound = errors.New("message not found")

// Capabilities tell orchestrators what an adapter can do.
type Capabilities struct {
	Read      bool
	Send      bool
	Threading bool
}

// View converts the capabilities to the API representation.
func (c Capabilities) View() models.CapabilitiesView {
	return models.CapabilitiesView{Read: c.Read, Send: c.Send, Threading: c.Threading}
}

// Skipped is a provider message that could not be normalized.
type Skipped struct {
	ProviderMessageID string
	Reason            string
}

// FetchResult is one batch of normalized inbox messages. Messages that failed
// normalization are listed in Skipped instead of failing the batch.
type FetchResult struct {
	Messages []models.NormalizedMessage
	Skipped  []Skipped
}

// Adapter is implemented by each provider.
type Adapter interface {
	Provider() models.Provider
	Capabilities() Capabilities
	// FetchMessages returns up to max of the most recent inbox messages.
	FetchMessages(ctx context.Context, integ *models.Integration, max int) (*FetchResult, error)
	SendMessage(ctx context.Context, integ *models.Integration, msg models.OutgoingMessage) (*models.SendResult, error)
}

// Profile identifies the mailbox behind a freshly issued access token.
type Profile struct {
	Email       string
	DisplayName string
}

// ProfileFetcher is implemented by the OAuth adapters.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// ConnectionTester is implemented by adapters that can verify credentials
// before an integration is stored.
type ConnectionTester interface {
	TestConnection(ctx context.Context, relay models.RelayConfig, password string) error
}
