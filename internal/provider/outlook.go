package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/normalize"
	"go.uber.org/zap"
)

const (
	graphBaseURL      = "https://graph.microsoft.com/v1.0"
	graphMessageQuery = "id,conversationId,subject,bodyPreview,body,from,toRecipients,isRead,importance,hasAttachments,categories,receivedDateTime,sentDateTime"
	maxErrorBodyBytes = 4096
)

// OutlookAdapter reads and sends mail through Microsoft Graph.
type OutlookAdapter struct {
	tokens     *TokenManager
	guard      *Guard
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// OutlookOption configures an OutlookAdapter.
type OutlookOption func(*OutlookAdapter)

// WithGraphBaseURL overrides the Graph base URL.
func WithGraphBaseURL(base string) OutlookOption {
	return func(a *OutlookAdapter) { a.baseURL = strings.TrimRight(base, "/") }
}

// WithGraphHTTPClient sets the HTTP client used for Graph calls.
func WithGraphHTTPClient(client *http.Client) OutlookOption {
	return func(a *OutlookAdapter) { a.httpClient = client }
}

// NewOutlookAdapter creates the Microsoft Graph adapter.
func NewOutlookAdapter(tokens *TokenManager, opts Options, logger *zap.Logger, options ...OutlookOption) *OutlookAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &OutlookAdapter{
		tokens:     tokens,
		guard:      NewGuard(models.ProviderMicrosoft, opts, logger),
		baseURL:    graphBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

func (a *OutlookAdapter) Provider() models.Provider { return models.ProviderMicrosoft }

func (a *OutlookAdapter) Capabilities() Capabilities {
	return Capabilities{Read: true, Send: true, Threading: true}
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	Subject          string           `json:"subject"`
	BodyPreview      string           `json:"bodyPreview"`
	Body             *graphBody       `json:"body"`
	From             *graphRecipient  `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	IsRead           bool             `json:"isRead"`
	Importance       string           `json:"importance"`
	HasAttachments   bool             `json:"hasAttachments"`
	Categories       []string         `json:"categories"`
	ReceivedDateTime string           `json:"receivedDateTime"`
	SentDateTime     string           `json:"sentDateTime"`
}

type graphMessagePage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchMessages pages through the inbox newest first until max messages were
// read. Items that do not decode or normalize are skipped.
func (a *OutlookAdapter) FetchMessages(ctx context.Context, integ *models.Integration, max int) (*FetchResult, error) {
	if max <= 0 {
		max = defaultMaxResults
	}

	q := url.Values{}
	q.Set("$top", strconv.Itoa(max))
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$select", graphMessageQuery)
	first := a.baseURL + "/me/mailFolders/inbox/messages?" + q.Encode()

	var result *FetchResult
	err := a.tokens.Do(ctx, integ, func(ctx context.Context, token string) error {
		batch := &FetchResult{Messages: make([]models.NormalizedMessage, 0, max)}
		next := first
		seen := 0

		for next != "" && seen < max {
			var page graphMessagePage
			pageURL := next
			err := a.guard.Run(ctx, "list_messages", func(ctx context.Context) error {
				page = graphMessagePage{}
				_, err := a.do(ctx, token, http.MethodGet, pageURL, nil, &page)
				return err
			})
			if err != nil {
				return err
			}

			for _, raw := range page.Value {
				if seen >= max {
					break
				}
				seen++

				var gm graphMessage
				if err := json.Unmarshal(raw, &gm); err != nil {
					batch.Skipped = append(batch.Skipped, Skipped{Reason: fmt.Sprintf("undecodable item: %v", err)})
					continue
				}
				normalized, err := normalizeGraphMessage(integ.ID, &gm)
				if err != nil {
					a.logger.Warn("skipping malformed graph message",
						zap.String("integration_id", integ.ID),
						zap.String("message_id", gm.ID),
						zap.Error(err),
					)
					batch.Skipped = append(batch.Skipped, Skipped{ProviderMessageID: gm.ID, Reason: err.Error()})
					continue
				}
				batch.Messages = append(batch.Messages, *normalized)
			}
			next = page.NextLink
		}

		result = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type graphOutgoing struct {
	Subject      string           `json:"subject,omitempty"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

// SendMessage sends msg. A reply goes through the reply action of the original
// message so Graph keeps it in the conversation; if the original is gone the
// message is sent as a new conversation. Graph answers 202 without an id.
func (a *OutlookAdapter) SendMessage(ctx context.Context, integ *models.Integration, msg models.OutgoingMessage) (*models.SendResult, error) {
	to := normalize.ParseAddressHeader(msg.To)
	if to.Email == "" {
		return nil, fmt.Errorf("recipient is empty")
	}

	contentType := "Text"
	if msg.IsHTML {
		contentType = "HTML"
	}
	outgoing := graphOutgoing{
		Subject:      msg.Subject,
		Body:         graphBody{ContentType: contentType, Content: msg.Body},
		ToRecipients: []graphRecipient{{EmailAddress: graphEmailAddress{Name: to.Name, Address: to.Email}}},
	}

	var result *models.SendResult
	err := a.tokens.Do(ctx, integ, func(ctx context.Context, token string) error {
		if msg.ReplyToID != "" {
			replyURL := a.baseURL + "/me/messages/" + url.PathEscape(msg.ReplyToID) + "/reply"
			err := a.guard.Run(ctx, "reply", func(ctx context.Context) error {
				_, err := a.do(ctx, token, http.MethodPost, replyURL, map[string]any{"message": outgoing}, nil)
				return err
			})
			switch {
			case err == nil:
				result = &models.SendResult{Status: models.SendStatusAccepted, Threaded: true}
				return nil
			case errors.Is(err, ErrMessageNotFound):
				a.logger.Warn("reply target not found, sending as new conversation",
					zap.String("integration_id", integ.ID),
					zap.String("reply_to_id", msg.ReplyToID),
				)
			default:
				return err
			}
		}

		if outgoing.Subject == "" {
			outgoing.Subject = defaultSubject
		}
		err := a.guard.Run(ctx, "send_mail", func(ctx context.Context) error {
			_, err := a.do(ctx, token, http.MethodPost, a.baseURL+"/me/sendMail", map[string]any{
				"message":         outgoing,
				"saveToSentItems": true,
			}, nil)
			return err
		})
		if err != nil {
			return err
		}
		result = &models.SendResult{Status: models.SendStatusAccepted, Threaded: false}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchProfile returns the signed-in user's mailbox address and display name.
func (a *OutlookAdapter) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var me struct {
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	err := a.guard.Run(ctx, "get_profile", func(ctx context.Context) error {
		_, err := a.do(ctx, accessToken, http.MethodGet, a.baseURL+"/me?$select=displayName,mail,userPrincipalName", nil, &me)
		return err
	})
	if err != nil {
		return nil, err
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &Profile{Email: strings.ToLower(email), DisplayName: me.DisplayName}, nil
}

// do performs one Graph request and decodes a JSON response into out when set.
func (a *OutlookAdapter) do(ctx context.Context, token, method, rawURL string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode graph request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, &mailerr.ProviderUnavailableError{Provider: string(models.ProviderMicrosoft), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, classifyGraphResponse(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, &mailerr.ProviderUnavailableError{
				Provider:   string(models.ProviderMicrosoft),
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("failed to decode graph response: %w", err),
			}
		}
	}
	return resp.StatusCode, nil
}

func classifyGraphResponse(resp *http.Response) error {
	provider := string(models.ProviderMicrosoft)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	detail := strings.TrimSpace(string(raw))
	var ge graphError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
		detail = ge.Error.Code + ": " + ge.Error.Message
	}
	cause := fmt.Errorf("graph returned %d: %s", resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &mailerr.AuthExpiredError{Provider: provider, Err: cause}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrMessageNotFound, cause)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &mailerr.ProviderUnavailableError{Provider: provider, StatusCode: resp.StatusCode, Err: cause}
	default:
		return cause
	}
}

func normalizeGraphMessage(integrationID string, gm *graphMessage) (*models.NormalizedMessage, error) {
	if gm.ID == "" {
		return nil, &mailerr.MalformedMessageError{Reason: "missing id"}
	}

	receivedAt, err := time.Parse(time.RFC3339, gm.ReceivedDateTime)
	if err != nil {
		return nil, &mailerr.MalformedMessageError{MessageID: gm.ID, Reason: "invalid receivedDateTime", Err: err}
	}
	receivedAt = receivedAt.UTC()

	var sentAt *time.Time
	if gm.SentDateTime != "" {
		if t, err := time.Parse(time.RFC3339, gm.SentDateTime); err == nil {
			t = t.UTC()
			sentAt = &t
		}
	}

	var body normalize.Body
	if gm.Body != nil && gm.Body.Content != "" {
		if strings.EqualFold(gm.Body.ContentType, "html") {
			body.HTML = gm.Body.Content
		} else {
			body.Text = gm.Body.Content
		}
	}

	snippet := normalize.Snippet(gm.BodyPreview, normalize.DefaultSnippetLength)
	if snippet == "" {
		snippet = normalize.SnippetFromBody(body)
	}

	msg := &models.NormalizedMessage{
		IntegrationID:     integrationID,
		ProviderMessageID: gm.ID,
		Subject:           gm.Subject,
		Snippet:           snippet,
		IsRead:            gm.IsRead,
		IsImportant:       strings.EqualFold(gm.Importance, "high"),
		HasAttachments:    gm.HasAttachments,
		Labels:            gm.Categories,
		ReceivedAt:        receivedAt,
		SentAt:            sentAt,
		To:                make([]models.Address, 0, len(gm.ToRecipients)),
	}
	if msg.Labels == nil {
		msg.Labels = []string{}
	}
	if gm.ConversationID != "" {
		conversationID := gm.ConversationID
		msg.ThreadID = &conversationID
	}
	if gm.From != nil {
		msg.From = graphAddress(gm.From.EmailAddress)
	}
	for _, r := range gm.ToRecipients {
		if addr := graphAddress(r.EmailAddress); addr.Email != "" {
			msg.To = append(msg.To, addr)
		}
	}
	if body.Text != "" {
		msg.BodyText = &body.Text
	}
	if body.HTML != "" {
		msg.BodyHTML = &body.HTML
	}

	if err := msg.Validate(); err != nil {
		return nil, &mailerr.MalformedMessageError{MessageID: gm.ID, Reason: "invalid normalized message", Err: err}
	}
	return msg, nil
}

func graphAddress(a graphEmailAddress) models.Address {
	return models.Address{Name: strings.TrimSpace(a.Name), Email: strings.ToLower(strings.TrimSpace(a.Address))}
}
