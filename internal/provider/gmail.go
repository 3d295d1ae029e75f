package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/normalize"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUser         = "me"
	gmailInboxLabel   = "INBOX"
	gmailUnreadLabel  = "UNREAD"
	gmailImportant    = "IMPORTANT"
	defaultMaxResults = 50
)

// GmailAdapter reads and sends mail through the Gmail REST API.
type GmailAdapter struct {
	tokens     *TokenManager
	guard      *Guard
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// GmailOption configures a GmailAdapter.
type GmailOption func(*GmailAdapter)

// WithGmailEndpoint overrides the API base URL.
func WithGmailEndpoint(endpoint string) GmailOption {
	return func(a *GmailAdapter) { a.endpoint = endpoint }
}

// WithGmailHTTPClient sets the transport the authorized client is built on.
func WithGmailHTTPClient(client *http.Client) GmailOption {
	return func(a *GmailAdapter) { a.httpClient = client }
}

// NewGmailAdapter creates the Gmail adapter.
func NewGmailAdapter(tokens *TokenManager, opts Options, logger *zap.Logger, options ...GmailOption) *GmailAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &GmailAdapter{
		tokens: tokens,
		guard:  NewGuard(models.ProviderGoogle, opts, logger),
		logger: logger,
		now:    time.Now,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

func (a *GmailAdapter) Provider() models.Provider { return models.ProviderGoogle }

func (a *GmailAdapter) Capabilities() Capabilities {
	return Capabilities{Read: true, Send: true, Threading: true}
}

// FetchMessages lists the newest inbox messages and fetches each one in full.
// A message that cannot be normalized is skipped; a message deleted between the
// list and the get is skipped as well.
func (a *GmailAdapter) FetchMessages(ctx context.Context, integ *models.Integration, max int) (*FetchResult, error) {
	if max <= 0 {
		max = defaultMaxResults
	}

	var result *FetchResult
	err := a.tokens.Do(ctx, integ, func(ctx context.Context, token string) error {
		svc, err := a.service(ctx, token)
		if err != nil {
			return err
		}

		var refs []*gmail.Message
		err = a.guard.Run(ctx, "list_messages", func(ctx context.Context) error {
			resp, err := svc.Users.Messages.List(gmailUser).
				LabelIds(gmailInboxLabel).
				MaxResults(int64(max)).
				Context(ctx).
				Do()
			if err != nil {
				return classifyGoogleError(err)
			}
			refs = resp.Messages
			return nil
		})
		if err != nil {
			return err
		}

		batch := &FetchResult{Messages: make([]models.NormalizedMessage, 0, len(refs))}
		for _, ref := range refs {
			var full *gmail.Message
			err := a.guard.Run(ctx, "get_message", func(ctx context.Context) error {
				m, err := svc.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
				if err != nil {
					return classifyGoogleError(err)
				}
				full = m
				return nil
			})
			if errors.Is(err, ErrMessageNotFound) {
				batch.Skipped = append(batch.Skipped, Skipped{ProviderMessageID: ref.Id, Reason: "deleted before fetch"})
				continue
			}
			if err != nil {
				return err
			}

			normalized, err := normalizeGmailMessage(integ.ID, full)
			if err != nil {
				if !mailerr.IsMalformedMessage(err) {
					return err
				}
				a.logger.Warn("skipping malformed gmail message",
					zap.String("integration_id", integ.ID),
					zap.String("message_id", ref.Id),
					zap.Error(err),
				)
				batch.Skipped = append(batch.Skipped, Skipped{ProviderMessageID: ref.Id, Reason: err.Error()})
				continue
			}
			batch.Messages = append(batch.Messages, *normalized)
		}
		result = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendMessage sends msg from the integration mailbox. A reply is attached to
// the original conversation through its thread id and In-Reply-To header. When
// the original no longer exists the message is sent as a new conversation.
func (a *GmailAdapter) SendMessage(ctx context.Context, integ *models.Integration, msg models.OutgoingMessage) (*models.SendResult, error) {
	var result *models.SendResult
	err := a.tokens.Do(ctx, integ, func(ctx context.Context, token string) error {
		svc, err := a.service(ctx, token)
		if err != nil {
			return err
		}

		var (
			ref      *threadRef
			threadID string
		)
		if msg.ReplyToID != "" {
			var original *gmail.Message
			err := a.guard.Run(ctx, "get_message_metadata", func(ctx context.Context) error {
				m, err := svc.Users.Messages.Get(gmailUser, msg.ReplyToID).
					Format("metadata").
					MetadataHeaders("Message-ID", "References", "Subject").
					Context(ctx).
					Do()
				if err != nil {
					return classifyGoogleError(err)
				}
				original = m
				return nil
			})
			switch {
			case errors.Is(err, ErrMessageNotFound):
				a.logger.Warn("reply target not found, sending as new conversation",
					zap.String("integration_id", integ.ID),
					zap.String("reply_to_id", msg.ReplyToID),
				)
			case err != nil:
				return err
			default:
				threadID = original.ThreadId
				if original.Payload != nil {
					ref = &threadRef{
						MessageID:  gmailHeader(original.Payload.Headers, "Message-ID"),
						References: gmailHeader(original.Payload.Headers, "References"),
						Subject:    gmailHeader(original.Payload.Headers, "Subject"),
					}
				}
			}
		}

		from := models.Address{Name: integ.DisplayName, Email: integ.EmailAddress}
		raw, _, err := composeMessage(from, msg, ref, a.now())
		if err != nil {
			return err
		}

		return a.guard.Run(ctx, "send_message", func(ctx context.Context) error {
			sent, err := svc.Users.Messages.Send(gmailUser, &gmail.Message{
				Raw:      base64.URLEncoding.EncodeToString(raw),
				ThreadId: threadID,
			}).Context(ctx).Do()
			if err != nil {
				return classifyGoogleError(err)
			}
			result = &models.SendResult{
				ProviderMessageID: sent.Id,
				ThreadID:          sent.ThreadId,
				Status:            models.SendStatusSent,
				Threaded:          threadID != "",
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchProfile returns the mailbox address the token belongs to.
func (a *GmailAdapter) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var profile *Profile
	err = a.guard.Run(ctx, "get_profile", func(ctx context.Context) error {
		p, err := svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		if err != nil {
			return classifyGoogleError(err)
		}
		profile = &Profile{Email: strings.ToLower(p.EmailAddress)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (a *GmailAdapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	clientCtx := ctx
	if a.httpClient != nil {
		clientCtx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	client := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

// normalizeGmailMessage converts a full-format Gmail message.
func normalizeGmailMessage(integrationID string, m *gmail.Message) (*models.NormalizedMessage, error) {
	if m == nil || m.Payload == nil {
		id := ""
		if m != nil {
			id = m.Id
		}
		return nil, &mailerr.MalformedMessageError{MessageID: id, Reason: "missing payload"}
	}

	root, err := gmailPart(m.Payload)
	if err != nil {
		return nil, &mailerr.MalformedMessageError{MessageID: m.Id, Reason: "undecodable body", Err: err}
	}

	headers := m.Payload.Headers
	var sentAt *time.Time
	if date := gmailHeader(headers, "Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			t = t.UTC()
			sentAt = &t
		}
	}

	var receivedAt time.Time
	switch {
	case m.InternalDate > 0:
		receivedAt = time.UnixMilli(m.InternalDate).UTC()
	case sentAt != nil:
		receivedAt = *sentAt
	default:
		return nil, &mailerr.MalformedMessageError{MessageID: m.Id, Reason: "no receive timestamp"}
	}

	body := normalize.ExtractBody(root)
	snippet := normalize.Snippet(html.UnescapeString(m.Snippet), normalize.DefaultSnippetLength)
	if snippet == "" {
		snippet = normalize.SnippetFromBody(body)
	}

	labels := m.LabelIds
	if labels == nil {
		labels = []string{}
	}

	msg := &models.NormalizedMessage{
		IntegrationID:     integrationID,
		ProviderMessageID: m.Id,
		From:              normalize.ParseAddressHeader(gmailHeader(headers, "From")),
		To:                normalize.ParseAddressList(gmailHeader(headers, "To")),
		Subject:           gmailHeader(headers, "Subject"),
		Snippet:           snippet,
		IsRead:            !hasLabel(labels, gmailUnreadLabel),
		IsImportant:       hasLabel(labels, gmailImportant),
		HasAttachments:    normalize.HasAttachments(root),
		Labels:            labels,
		ReceivedAt:        receivedAt,
		SentAt:            sentAt,
	}
	if m.ThreadId != "" {
		threadID := m.ThreadId
		msg.ThreadID = &threadID
	}
	if body.Text != "" {
		msg.BodyText = &body.Text
	}
	if body.HTML != "" {
		msg.BodyHTML = &body.HTML
	}
	if msg.To == nil {
		msg.To = []models.Address{}
	}

	if err := msg.Validate(); err != nil {
		return nil, &mailerr.MalformedMessageError{MessageID: m.Id, Reason: "invalid normalized message", Err: err}
	}
	return msg, nil
}

func gmailPart(p *gmail.MessagePart) (normalize.Part, error) {
	part := normalize.Part{MimeType: p.MimeType, Filename: p.Filename}
	if p.Body != nil && p.Body.Data != "" {
		data, err := normalize.DecodeBase64URL(p.Body.Data)
		if err != nil {
			return normalize.Part{}, err
		}
		part.Data = data
	}
	for _, child := range p.Parts {
		if child == nil {
			continue
		}
		c, err := gmailPart(child)
		if err != nil {
			return normalize.Part{}, err
		}
		part.Parts = append(part.Parts, c)
	}
	return part, nil
}

func gmailHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// classifyGoogleError maps Gmail API failures onto the error taxonomy.
func classifyGoogleError(err error) error {
	if err == nil {
		return nil
	}
	provider := string(models.ProviderGoogle)

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return &mailerr.AuthExpiredError{Provider: provider, Err: err}
		case apiErr.Code == http.StatusForbidden && googleRateLimited(apiErr):
			return &mailerr.ProviderUnavailableError{Provider: provider, StatusCode: apiErr.Code, Err: err}
		case apiErr.Code == http.StatusForbidden:
			return &mailerr.AuthExpiredError{Provider: provider, Err: err}
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrMessageNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return &mailerr.ProviderUnavailableError{Provider: provider, StatusCode: apiErr.Code, Err: err}
		default:
			return fmt.Errorf("gmail request failed: %w", err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return &mailerr.ProviderUnavailableError{Provider: provider, Err: err}
}

func googleRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}
