package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/normalize"
	"go.uber.org/zap"
)

// RelayAdapter sends mail through a password-authenticated SMTP relay. It has
// no inbox to read and cannot thread replies.
type RelayAdapter struct {
	cipher    crypto.SecretCipher
	guard     *Guard
	dialer    *net.Dialer
	tlsConfig *tls.Config
	logger    *zap.Logger
	now       func() time.Time
}

// RelayOption configures a RelayAdapter.
type RelayOption func(*RelayAdapter)

// WithRelayTLSConfig sets the TLS configuration for implicit TLS and STARTTLS.
func WithRelayTLSConfig(cfg *tls.Config) RelayOption {
	return func(a *RelayAdapter) { a.tlsConfig = cfg }
}

// NewRelayAdapter creates the relay adapter.
func NewRelayAdapter(cipher crypto.SecretCipher, opts Options, logger *zap.Logger, options ...RelayOption) *RelayAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &RelayAdapter{
		cipher:    cipher,
		guard:     NewGuard(models.ProviderSMTP, opts, logger),
		dialer:    &net.Dialer{Timeout: 15 * time.Second},
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

func (a *RelayAdapter) Provider() models.Provider { return models.ProviderSMTP }

func (a *RelayAdapter) Capabilities() Capabilities {
	return Capabilities{Read: false, Send: true, Threading: false}
}

// FetchMessages always returns an empty batch.
func (a *RelayAdapter) FetchMessages(context.Context, *models.Integration, int) (*FetchResult, error) {
	return &FetchResult{Messages: []models.NormalizedMessage{}}, nil
}

// SendMessage submits msg to the relay. ReplyToID is ignored.
func (a *RelayAdapter) SendMessage(ctx context.Context, integ *models.Integration, msg models.OutgoingMessage) (*models.SendResult, error) {
	if integ.Relay == nil {
		return nil, &mailerr.CredentialError{Reason: "integration has no relay configuration"}
	}
	password, err := a.cipher.Decrypt(integ.Relay.EncryptedPassword)
	if err != nil {
		return nil, err
	}

	to := normalize.ParseAddressHeader(msg.To)
	from := models.Address{Name: integ.DisplayName, Email: integ.EmailAddress}
	msg.ReplyToID = ""
	raw, messageID, err := composeMessage(from, msg, nil, a.now())
	if err != nil {
		return nil, err
	}

	relay := *integ.Relay
	err = a.guard.RunFor(ctx, relayAddr(relay), "send_mail", func(ctx context.Context) error {
		c, err := a.connect(ctx, relay, password)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.SendMail(from.Email, []string{to.Email}, bytes.NewReader(raw)); err != nil {
			return classifySMTPError(err)
		}
		_ = c.Quit()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.SendResult{
		ProviderMessageID: messageID,
		Status:            models.SendStatusSent,
		Threaded:          false,
	}, nil
}

// TestConnection connects and authenticates without sending anything. The
// settings come straight from the user, so failures stay off every breaker.
func (a *RelayAdapter) TestConnection(ctx context.Context, relay models.RelayConfig, password string) error {
	return a.guard.RunUnbroken(ctx, "test_connection", func(ctx context.Context) error {
		c, err := a.connect(ctx, relay, password)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		if err := c.Noop(); err != nil {
			return classifySMTPError(err)
		}
		_ = c.Quit()
		return nil
	})
}

func (a *RelayAdapter) connect(ctx context.Context, relay models.RelayConfig, password string) (*smtp.Client, error) {
	if relay.Host == "" || relay.Port <= 0 {
		return nil, &mailerr.CredentialError{Reason: "relay host and port are required"}
	}
	conn, err := a.dialer.DialContext(ctx, "tcp", relayAddr(relay))
	if err != nil {
		return nil, classifySMTPError(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := a.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = relay.Host
	}

	var c *smtp.Client
	switch relay.Security {
	case models.SecurityTLS:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case models.SecurityNone:
		c = smtp.NewClient(conn)
	default:
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, classifySMTPError(err)
		}
	}

	if relay.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", relay.Username, password)); err != nil {
			_ = c.Close()
			return nil, classifySMTPError(err)
		}
	}
	return c, nil
}

// relayAddr is the host:port a relay is dialed at. Sends are broken per address.
func relayAddr(relay models.RelayConfig) string {
	return net.JoinHostPort(strings.ToLower(relay.Host), strconv.Itoa(relay.Port))
}

// classifySMTPError maps relay failures onto the error taxonomy. Rejected
// credentials need the user; 4xx replies and network failures are transient.
func classifySMTPError(err error) error {
	provider := string(models.ProviderSMTP)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code == 530 || smtpErr.Code == 534 || smtpErr.Code == 535:
			return &mailerr.AuthExpiredError{Provider: provider, Err: err}
		case smtpErr.Code >= 400 && smtpErr.Code < 500:
			return &mailerr.ProviderUnavailableError{Provider: provider, StatusCode: smtpErr.Code, Err: err}
		default:
			return fmt.Errorf("relay rejected message: %w", err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return &mailerr.ProviderUnavailableError{Provider: provider, Err: err}
}
