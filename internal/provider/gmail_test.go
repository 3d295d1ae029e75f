package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

type fakeGmail struct {
	t           *testing.T
	mu          sync.Mutex
	validToken  string
	messages    map[string]*gmail.Message
	order       []string
	sent        []*gmail.Message
	listStatus  int
	listCalls   int
	authHeaders []string
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func newFakeGmail(t *testing.T, validToken string) *fakeGmail {
	return &fakeGmail{t: t, validToken: validToken, messages: map[string]*gmail.Message{}}
}

func (f *fakeGmail) add(m *gmail.Message) {
	f.messages[m.Id] = m
	f.order = append(f.order, m.Id)
}

func (f *fakeGmail) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeGmail) writeError(w http.ResponseWriter, status int, message string) {
	f.writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": message}})
}

func (f *fakeGmail) authorized(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+f.validToken {
		f.writeError(w, http.StatusUnauthorized, "Invalid Credentials")
		return false
	}
	return true
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.mu.Lock()
		f.listCalls++
		status := f.listStatus
		f.mu.Unlock()
		if status != 0 {
			f.writeError(w, status, "Backend Error")
			return
		}
		assert.Equal(f.t, "INBOX", r.URL.Query().Get("labelIds"))
		refs := make([]*gmail.Message, 0, len(f.order))
		for _, id := range f.order {
			refs = append(refs, &gmail.Message{Id: id})
		}
		f.writeJSON(w, http.StatusOK, &gmail.ListMessagesResponse{Messages: refs})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			f.writeError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		f.writeJSON(w, http.StatusOK, m)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		var m gmail.Message
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&m))
		f.mu.Lock()
		f.sent = append(f.sent, &m)
		f.mu.Unlock()
		threadID := m.ThreadId
		if threadID == "" {
			threadID = "new-thread"
		}
		f.writeJSON(w, http.StatusOK, &gmail.Message{Id: "sent-1", ThreadId: threadID})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.writeJSON(w, http.StatusOK, &gmail.Profile{EmailAddress: "Jane@Example.com"})
	})
	return mux
}

func newTestGmailAdapter(t *testing.T, fake *fakeGmail, refresher Refresher) (*GmailAdapter, *models.Integration, *memoryCredentialStore) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	tokens, store, vault := newTestTokenManager(t, models.ProviderGoogle, refresher)
	adapter := NewGmailAdapter(tokens, fastOptions(), zap.NewNop(),
		WithGmailEndpoint(srv.URL+"/"),
		WithGmailHTTPClient(srv.Client()),
	)
	integ := newOAuthIntegration(t, vault, models.ProviderGoogle, "access-1", "refresh-1", timePtr(time.Now().Add(time.Hour)))
	return adapter, integ, store
}

func sampleGmailMessage() *gmail.Message {
	return &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		LabelIds:     []string{"INBOX", "IMPORTANT"},
		Snippet:      "Hi Jane, see you &amp; the team",
		InternalDate: 1700000000000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: `"Doe, John" <John.Doe@Example.com>`},
				{Name: "To", Value: "Jane <JANE@example.com>, bob@example.com"},
				{Name: "Subject", Value: "Hello"},
				{Name: "Date", Value: "Tue, 14 Nov 2023 22:13:20 +0000"},
				{Name: "Message-ID", Value: "<orig-1@example.com>"},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("Hi Jane")}},
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>Hi Jane</p>")}},
					},
				},
				{MimeType: "application/pdf", Filename: "report.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att-1"}},
			},
		},
	}
}

func TestGmailAdapter_FetchMessages(t *testing.T) {
	fake := newFakeGmail(t, "access-1")
	fake.add(sampleGmailMessage())
	fake.add(&gmail.Message{
		Id:           "broken",
		InternalDate: 1700000000000,
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Body:     &gmail.MessagePartBody{Data: "!!not base64!!"},
		},
	})
	fake.order = append(fake.order, "vanished")

	adapter, integ, _ := newTestGmailAdapter(t, fake, &fakeRefresher{})

	result, err := adapter.FetchMessages(context.Background(), integ, 10)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Len(t, result.Skipped, 2)
	assert.Equal(t, "broken", result.Skipped[0].ProviderMessageID)
	assert.Equal(t, "vanished", result.Skipped[1].ProviderMessageID)

	msg := result.Messages[0]
	assert.Equal(t, "integ-1", msg.IntegrationID)
	assert.Equal(t, "m1", msg.ProviderMessageID)
	require.NotNil(t, msg.ThreadID)
	assert.Equal(t, "t1", *msg.ThreadID)
	assert.Equal(t, models.Address{Name: "Doe, John", Email: "john.doe@example.com"}, msg.From)
	assert.Equal(t, []models.Address{{Name: "Jane", Email: "jane@example.com"}, {Email: "bob@example.com"}}, msg.To)
	assert.Equal(t, "Hello", msg.Subject)
	require.NotNil(t, msg.BodyText)
	assert.Equal(t, "Hi Jane", *msg.BodyText)
	require.NotNil(t, msg.BodyHTML)
	assert.Equal(t, "<p>Hi Jane</p>", *msg.BodyHTML)
	assert.Equal(t, "Hi Jane, see you & the team", msg.Snippet)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsImportant)
	assert.True(t, msg.HasAttachments)
	assert.Equal(t, []string{"INBOX", "IMPORTANT"}, msg.Labels)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.ReceivedAt)
	require.NotNil(t, msg.SentAt)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), *msg.SentAt)
}

func TestGmailAdapter_FetchRefreshesOnUnauthorized(t *testing.T) {
	fake := newFakeGmail(t, "access-2")
	fake.add(sampleGmailMessage())
	refresher := &fakeRefresher{bundle: models.TokenBundle{AccessToken: "access-2", Expiry: time.Now().Add(time.Hour)}}

	adapter, integ, store := newTestGmailAdapter(t, fake, refresher)

	result, err := adapter.FetchMessages(context.Background(), integ, 10)
	require.NoError(t, err)
	assert.Len(t, result.Messages, 1)
	assert.Equal(t, 1, refresher.Calls())
	assert.Equal(t, 1, store.count("integ-1"))
	assert.Equal(t, "Bearer access-1", fake.authHeaders[0])
	assert.Equal(t, "Bearer access-2", fake.authHeaders[len(fake.authHeaders)-1])
}

func TestGmailAdapter_FetchRevokedRefreshToken(t *testing.T) {
	fake := newFakeGmail(t, "never-valid")
	refresher := &fakeRefresher{err: &mailerr.AuthExpiredError{Provider: "google"}}

	adapter, integ, _ := newTestGmailAdapter(t, fake, refresher)

	_, err := adapter.FetchMessages(context.Background(), integ, 10)
	assert.True(t, mailerr.IsAuthExpired(err))
}

func TestGmailAdapter_FetchServerErrorIsRetried(t *testing.T) {
	fake := newFakeGmail(t, "access-1")
	fake.listStatus = http.StatusServiceUnavailable

	adapter, integ, _ := newTestGmailAdapter(t, fake, &fakeRefresher{})

	_, err := adapter.FetchMessages(context.Background(), integ, 10)
	assert.True(t, mailerr.IsProviderUnavailable(err))
	assert.Equal(t, 3, fake.listCalls)
}

func decodeSent(t *testing.T, m *gmail.Message) *enmime.Envelope {
	t.Helper()
	raw, err := base64.URLEncoding.DecodeString(m.Raw)
	require.NoError(t, err)
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	return env
}

func TestGmailAdapter_SendReply(t *testing.T) {
	fake := newFakeGmail(t, "access-1")
	fake.add(sampleGmailMessage())
	adapter, integ, _ := newTestGmailAdapter(t, fake, &fakeRefresher{})

	result, err := adapter.SendMessage(context.Background(), integ, models.OutgoingMessage{
		To:        "john.doe@example.com",
		Body:      "Thanks!",
		ReplyToID: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, &models.SendResult{ProviderMessageID: "sent-1", ThreadID: "t1", Status: models.SendStatusSent, Threaded: true}, result)

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "t1", fake.sent[0].ThreadId)
	env := decodeSent(t, fake.sent[0])
	assert.Equal(t, "Re: Hello", env.GetHeader("Subject"))
	assert.Equal(t, "<orig-1@example.com>", env.GetHeader("In-Reply-To"))
	assert.Equal(t, "<orig-1@example.com>", env.GetHeader("References"))
	assert.Contains(t, env.GetHeader("From"), "jane@example.com")
	assert.Contains(t, env.Text, "Thanks!")
}

func TestGmailAdapter_SendReplyTargetMissing(t *testing.T) {
	fake := newFakeGmail(t, "access-1")
	adapter, integ, _ := newTestGmailAdapter(t, fake, &fakeRefresher{})

	result, err := adapter.SendMessage(context.Background(), integ, models.OutgoingMessage{
		To:        "john@example.com",
		Subject:   "Follow-up",
		Body:      "<p>Hello</p>",
		IsHTML:    true,
		ReplyToID: "gone",
	})
	require.NoError(t, err)
	assert.False(t, result.Threaded)
	assert.Equal(t, "new-thread", result.ThreadID)

	require.Len(t, fake.sent, 1)
	assert.Empty(t, fake.sent[0].ThreadId)
	env := decodeSent(t, fake.sent[0])
	assert.Empty(t, env.GetHeader("In-Reply-To"))
	assert.Contains(t, env.HTML, "<p>Hello</p>")
}

func TestGmailAdapter_FetchProfile(t *testing.T) {
	fake := newFakeGmail(t, "access-1")
	adapter, _, _ := newTestGmailAdapter(t, fake, nil)

	profile, err := adapter.FetchProfile(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", profile.Email)
}

func TestClassifyGoogleError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, mailerr.IsAuthExpired},
		{"forbidden", &googleapi.Error{Code: 403, Message: "Insufficient Permission"}, mailerr.IsAuthExpired},
		{"rate limited 403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, mailerr.IsProviderUnavailable},
		{"too many requests", &googleapi.Error{Code: 429}, mailerr.IsProviderUnavailable},
		{"server error", &googleapi.Error{Code: 500}, mailerr.IsProviderUnavailable},
		{"not found", &googleapi.Error{Code: 404}, func(err error) bool { return errors.Is(err, ErrMessageNotFound) }},
		{"bad request", &googleapi.Error{Code: 400}, func(err error) bool { return !mailerr.Retryable(err) && !mailerr.IsAuthExpired(err) }},
		{"network", errors.New("connection reset"), mailerr.IsProviderUnavailable},
		{"canceled", context.Canceled, func(err error) bool { return errors.Is(err, context.Canceled) && !mailerr.Retryable(err) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(classifyGoogleError(tt.err)))
		})
	}
}
