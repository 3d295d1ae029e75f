// Package oauth runs the authorization code flow for the OAuth providers: building
// the consent URL with a signed state, exchanging the code and refreshing tokens.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// ErrInvalidState is returned when a callback state fails verification.
var ErrInvalidState = errors.New("invalid oauth state")

const defaultStateTTL = 15 * time.Minute

var (
	GoogleScopes = []string{
		"openid",
		"email",
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.modify",
	}
	MicrosoftScopes = []string{
		"offline_access",
		"User.Read",
		"Mail.Read",
		"Mail.Send",
	}
)

// Settings configures one provider flow.
type Settings struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	Scopes       []string
	StateSecret  string
	StateTTL     time.Duration
}

// State is what the signed state parameter carries through the consent screen.
type State struct {
	UserID        string
	IntegrationID string
}

type stateClaims struct {
	Provider      string `json:"prv"`
	IntegrationID string `json:"iid,omitempty"`
	jwt.RegisteredClaims
}

// Flow is the authorization manager for one OAuth provider.
type Flow struct {
	provider    models.Provider
	config      *oauth2.Config
	stateSecret []byte
	stateTTL    time.Duration
	httpClient  *http.Client
	guard       *provider.Guard
	now         func() time.Time
}

// NewFlow creates a flow for provider with explicit settings.
func NewFlow(provider models.Provider, s Settings) *Flow {
	ttl := s.StateTTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &Flow{
		provider: provider,
		config: &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURL:  s.RedirectURL,
			Endpoint:     s.Endpoint,
			Scopes:       s.Scopes,
		},
		stateSecret: []byte(s.StateSecret),
		stateTTL:    ttl,
		now:         time.Now,
	}
}

// NewGoogleFlow creates the Gmail authorization flow.
func NewGoogleFlow(clientID, clientSecret, redirectURL, stateSecret string) *Flow {
	return NewFlow(models.ProviderGoogle, Settings{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       GoogleScopes,
		StateSecret:  stateSecret,
	})
}

// NewMicrosoftFlow creates the Microsoft Graph authorization flow for tenant.
func NewMicrosoftFlow(clientID, clientSecret, tenant, redirectURL, stateSecret string) *Flow {
	if tenant == "" {
		tenant = "common"
	}
	return NewFlow(models.ProviderMicrosoft, Settings{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       MicrosoftScopes,
		StateSecret:  stateSecret,
	})
}

// WithGuard bounds and retries code exchanges with g. Refreshes are guarded by
// the token manager that calls RefreshTokens.
func (f *Flow) WithGuard(g *provider.Guard) *Flow {
	f.guard = g
	return f
}

// WithHTTPClient makes token endpoint calls go through client.
func (f *Flow) WithHTTPClient(client *http.Client) *Flow {
	f.httpClient = client
	return f
}

// Provider returns the provider this flow authorizes.
func (f *Flow) Provider() models.Provider {
	return f.provider
}

// AuthorizationURL returns the consent URL for userID. Offline access and a
// forced consent prompt make the provider issue a refresh token every time.
func (f *Flow) AuthorizationURL(userID string) (string, error) {
	return f.AuthorizationURLWithState(State{UserID: userID})
}

// AuthorizationURLWithState is AuthorizationURL for a pending integration.
func (f *Flow) AuthorizationURLWithState(state State) (string, error) {
	if state.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	signed, err := f.signState(state)
	if err != nil {
		return "", err
	}
	return f.config.AuthCodeURL(signed, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ParseState verifies a callback state and returns what it carries.
func (f *Flow) ParseState(raw string) (*State, error) {
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return f.stateSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(f.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Provider != string(f.provider) {
		return nil, fmt.Errorf("%w: issued for %q", ErrInvalidState, claims.Provider)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidState)
	}
	return &State{UserID: claims.Subject, IntegrationID: claims.IntegrationID}, nil
}

func (f *Flow) signState(state State) (string, error) {
	now := f.now()
	claims := stateClaims{
		Provider:      string(f.provider),
		IntegrationID: state.IntegrationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   state.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(f.stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.stateSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, nil
}

// ExchangeCode trades an authorization code for tokens.
func (f *Flow) ExchangeCode(ctx context.Context, code string) (*models.TokenBundle, error) {
	if code == "" {
		return nil, &mailerr.AuthExpiredError{Provider: string(f.provider), Err: errors.New("authorization code is empty")}
	}
	var tok *oauth2.Token
	exchange := func(ctx context.Context) error {
		var err error
		tok, err = f.config.Exchange(f.clientContext(ctx), code)
		if err != nil {
			return f.classify(err)
		}
		return nil
	}

	var err error
	if f.guard != nil {
		err = f.guard.Run(ctx, "exchange_code", exchange)
	} else {
		err = exchange(ctx)
	}
	if err != nil {
		return nil, err
	}
	return toBundle(tok, ""), nil
}

// RefreshTokens obtains a new access token. When the provider does not rotate
// the refresh token the previous one is kept.
func (f *Flow) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenBundle, error) {
	if refreshToken == "" {
		return nil, &mailerr.AuthExpiredError{Provider: string(f.provider), Err: errors.New("no refresh token stored")}
	}
	src := f.config.TokenSource(f.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, f.classify(err)
	}
	return toBundle(tok, refreshToken), nil
}

func (f *Flow) clientContext(ctx context.Context) context.Context {
	if f.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// classify maps token endpoint failures onto the error taxonomy. A rejected grant
// means the user must authorize again; anything transport related is retryable.
func (f *Flow) classify(err error) error {
	provider := string(f.provider)

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		switch {
		case retrieveErr.ErrorCode == "invalid_grant":
			return &mailerr.AuthExpiredError{Provider: provider, Err: err}
		case status == http.StatusTooManyRequests || status >= 500:
			return &mailerr.ProviderUnavailableError{Provider: provider, StatusCode: status, Err: err}
		default:
			return &mailerr.AuthExpiredError{Provider: provider, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &mailerr.ProviderUnavailableError{Provider: provider, Err: err}
	}

	return &mailerr.ProviderUnavailableError{Provider: provider, Err: err}
}

func toBundle(tok *oauth2.Token, previousRefresh string) *models.TokenBundle {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return &models.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}
