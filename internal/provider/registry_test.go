package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

func TestRegistry(t *testing.T) {
	vault := testutil.NewTestVault(t)
	tokens, _, _ := newTestTokenManager(t, models.ProviderGoogle, nil)
	registry := NewRegistry(
		NewGmailAdapter(tokens, fastOptions(), zap.NewNop()),
		NewOutlookAdapter(tokens, fastOptions(), zap.NewNop()),
		NewRelayAdapter(vault, fastOptions(), zap.NewNop()),
	)

	assert.Equal(t, []models.Provider{models.ProviderGoogle, models.ProviderMicrosoft, models.ProviderSMTP}, registry.Providers())

	for _, p := range registry.Providers() {
		adapter, err := registry.Get(p)
		require.NoError(t, err)
		assert.Equal(t, p, adapter.Provider())
	}

	_, err := registry.Get(models.Provider("yahoo"))
	assert.True(t, mailerr.IsUnsupportedProvider(err))

	assert.True(t, registry.Capabilities(models.ProviderGoogle).Threading)
	assert.False(t, registry.Capabilities(models.ProviderSMTP).Threading)
	assert.Equal(t, Capabilities{}, registry.Capabilities(models.Provider("yahoo")))
	assert.Equal(t, models.CapabilitiesView{Read: false, Send: true}, registry.Capabilities(models.ProviderSMTP).View())
}

func TestThreadRefReferences(t *testing.T) {
	tests := []struct {
		ref  threadRef
		want string
	}{
		{threadRef{MessageID: "<a@x>"}, "<a@x>"},
		{threadRef{MessageID: "<b@x>", References: "<a@x>"}, "<a@x> <b@x>"},
		{threadRef{MessageID: "<b@x>", References: "<a@x> <b@x>"}, "<a@x> <b@x>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ref.references())
	}
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", replySubject("Hello"))
	assert.Equal(t, "RE: Hello", replySubject("RE: Hello"))
}
