package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/oauth"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/syncer"
)

// createRequestWithUser creates an HTTP request with user email in context.
// body is JSON encoded when it is not nil.
func createRequestWithUser(t *testing.T, method, url, email string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, url, reader)
	return req.WithContext(auth.WithUserEmail(req.Context(), email))
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// fakeFlow signs nothing: the state is the pending integration id prefixed
// with the user id.
type fakeFlow struct {
	provider    models.Provider
	tokens      *models.TokenBundle
	exchangeErr error
}

func (f *fakeFlow) Provider() models.Provider { return f.provider }

func (f *fakeFlow) AuthorizationURLWithState(state oauth.State) (string, error) {
	return "https://consent.example.com/?state=" + state.UserID + "|" + state.IntegrationID, nil
}

func (f *fakeFlow) ParseState(raw string) (*oauth.State, error) {
	userID, integrationID, ok := strings.Cut(raw, "|")
	if !ok {
		return nil, oauth.ErrInvalidState
	}
	return &oauth.State{UserID: userID, IntegrationID: integrationID}, nil
}

func (f *fakeFlow) ExchangeCode(_ context.Context, code string) (*models.TokenBundle, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if code == "" {
		return nil, errors.New("empty code")
	}
	return f.tokens, nil
}

type fakeProfiles struct {
	profile *provider.Profile
}

func (f *fakeProfiles) FetchProfile(context.Context, string) (*provider.Profile, error) {
	return f.profile, nil
}

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) SyncIntegration(ctx context.Context, integrationID string) (*syncer.Result, error) {
	args := m.Called(ctx, integrationID)
	result, _ := args.Get(0).(*syncer.Result)
	return result, args.Error(1)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, integrationID string, msg models.OutgoingMessage) (*models.SendResult, error) {
	args := m.Called(ctx, integrationID, msg)
	result, _ := args.Get(0).(*models.SendResult)
	return result, args.Error(1)
}
