package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/mailerr"
)

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("Google")
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, p)
	assert.True(t, p.IsOAuth())

	p, err = ParseProvider("smtp")
	require.NoError(t, err)
	assert.False(t, p.IsOAuth())

	_, err = ParseProvider("yahoo")
	assert.True(t, mailerr.IsUnsupportedProvider(err))
}

func TestIntegrationState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to IntegrationState
		allowed  bool
	}{
		{StatePendingAuth, StateActive, true},
		{StatePendingAuth, StateNeedsReauth, false},
		{StateActive, StateNeedsReauth, true},
		{StateActive, StateActive, true},
		{StateNeedsReauth, StateActive, true},
		{StateNeedsReauth, StatePendingAuth, false},
		{StatePendingAuth, StateDisabled, true},
		{StateActive, StateDisabled, true},
		{StateNeedsReauth, StateDisabled, true},
		{StateDisabled, StateActive, false},
		{StateDisabled, StateDisabled, false},
		{IntegrationState("bogus"), StateActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestParseSecurityMode(t *testing.T) {
	m, ok := ParseSecurityMode("")
	assert.True(t, ok)
	assert.Equal(t, SecuritySTARTTLS, m)

	m, ok = ParseSecurityMode("TLS")
	assert.True(t, ok)
	assert.Equal(t, SecurityTLS, m)

	_, ok = ParseSecurityMode("ssl3")
	assert.False(t, ok)
}

func TestTokenBundle_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, (&TokenBundle{}).Expired(now, time.Minute), "zero expiry is treated as valid")
	assert.True(t, (&TokenBundle{Expiry: now.Add(-time.Second)}).Expired(now, 0))
	assert.True(t, (&TokenBundle{Expiry: now.Add(30 * time.Second)}).Expired(now, time.Minute))
	assert.False(t, (&TokenBundle{Expiry: now.Add(time.Hour)}).Expired(now, time.Minute))
}

func TestNormalizedMessage_Validate(t *testing.T) {
	valid := NormalizedMessage{
		IntegrationID:     "int-1",
		ProviderMessageID: "m-1",
		From:              Address{Name: "Jane", Email: "jane@example.com"},
		To:                []Address{{Email: "bob@example.com"}},
		ReceivedAt:        time.Now(),
	}
	require.NoError(t, valid.Validate())

	missingID := valid
	missingID.ProviderMessageID = ""
	assert.Error(t, missingID.Validate())

	upper := valid
	upper.From = Address{Email: "Jane@Example.com"}
	assert.Error(t, upper.Validate())

	noTime := valid
	noTime.ReceivedAt = time.Time{}
	assert.Error(t, noTime.Validate())
}
