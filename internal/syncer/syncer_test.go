package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/lock"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	provider models.Provider
	result   *provider.FetchResult
	err      error
	delay    time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeAdapter) Provider() models.Provider { return f.provider }

func (f *fakeAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Read: true, Send: true, Threading: true}
}

func (f *fakeAdapter) FetchMessages(ctx context.Context, _ *models.Integration, _ int) (*provider.FetchResult, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	// Hand out a copy so the orchestrator cannot mutate the fixture.
	out := &provider.FetchResult{Skipped: f.result.Skipped}
	out.Messages = append(out.Messages, f.result.Messages...)
	return out, nil
}

func (f *fakeAdapter) SendMessage(context.Context, *models.Integration, models.OutgoingMessage) (*models.SendResult, error) {
	return nil, errors.New("not implemented")
}

func messages(n int) []models.NormalizedMessage {
	out := make([]models.NormalizedMessage, n)
	for i := range out {
		out[i] = models.NormalizedMessage{
			ProviderMessageID: fmt.Sprintf("m-%d", i),
			From:              models.Address{Email: "bob@example.org"},
			Subject:           fmt.Sprintf("Message %d", i),
			ReceivedAt:        time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		}
	}
	return out
}

type fixture struct {
	store    *testutil.MemoryStore
	adapter  *fakeAdapter
	recorder *events.Recorder
	orch     *Orchestrator
	integ    *models.Integration
}

func newFixture(t *testing.T, state models.IntegrationState) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	adapter := &fakeAdapter{provider: models.ProviderGoogle, result: &provider.FetchResult{Messages: messages(3)}}
	recorder := &events.Recorder{}
	integ := store.AddIntegration(&models.Integration{
		UserID:       "user-1",
		Provider:     models.ProviderGoogle,
		State:        state,
		EmailAddress: "jane@example.com",
	})
	orch := NewOrchestrator(store, provider.NewRegistry(adapter), lock.NewLocalLocker(), zap.NewNop(),
		WithPublisher(recorder), WithMaxResults(10))
	return &fixture{store: store, adapter: adapter, recorder: recorder, orch: orch, integ: integ}
}

func TestSyncIntegration_StoresMessages(t *testing.T) {
	f := newFixture(t, models.StateActive)

	result, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
	require.NoError(t, err)
	assert.Equal(t, &Result{Fetched: 3, Upserted: 3, Inserted: 3}, result)

	stored := f.store.Messages(f.integ.ID)
	require.Len(t, stored, 3)
	for _, m := range stored {
		assert.Equal(t, f.integ.ID, m.IntegrationID)
	}

	integ := f.store.Integration(f.integ.ID)
	require.NotNil(t, integ.LastSyncedAt)
	assert.Equal(t, []string{events.RoutingIntegrationSynced}, f.recorder.Keys())

	synced, ok := f.recorder.Events[0].Payload.(events.IntegrationSynced)
	require.True(t, ok)
	assert.Equal(t, 3, synced.Inserted)
	assert.Equal(t, "user-1", synced.UserID)
}

func TestSyncIntegration_SecondRunInsertsNothing(t *testing.T) {
	f := newFixture(t, models.StateActive)
	ctx := context.Background()

	_, err := f.orch.SyncIntegration(ctx, f.integ.ID)
	require.NoError(t, err)

	result, err := f.orch.SyncIntegration(ctx, f.integ.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Upserted)
	assert.Equal(t, 0, result.Inserted)
	assert.Len(t, f.store.Messages(f.integ.ID), 3)
}

func TestSyncIntegration_RefreshesFlagsOnResync(t *testing.T) {
	f := newFixture(t, models.StateActive)
	ctx := context.Background()

	_, err := f.orch.SyncIntegration(ctx, f.integ.ID)
	require.NoError(t, err)

	f.adapter.result.Messages[0].IsRead = true
	f.adapter.result.Messages[0].Subject = "Rewritten"
	_, err = f.orch.SyncIntegration(ctx, f.integ.ID)
	require.NoError(t, err)

	stored := f.store.Messages(f.integ.ID)
	assert.True(t, stored[0].IsRead)
	assert.Equal(t, "Message 0", stored[0].Subject)
}

func TestSyncIntegration_SkipsMalformed(t *testing.T) {
	f := newFixture(t, models.StateActive)
	f.adapter.result = &provider.FetchResult{
		Messages: messages(4),
		Skipped:  []provider.Skipped{{ProviderMessageID: "broken", Reason: "no payload"}},
	}
	f.adapter.result.Messages[1].From.Email = "Bob@Example.org"

	result, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Fetched)
	assert.Equal(t, 3, result.Upserted)
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, f.store.Messages(f.integ.ID), 3)
}

func TestSyncIntegration_RefusesInactive(t *testing.T) {
	for _, state := range []models.IntegrationState{models.StatePendingAuth, models.StateNeedsReauth, models.StateDisabled} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t, state)
			_, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
			assert.ErrorIs(t, err, mailerr.ErrIntegrationNotActive)
			assert.Zero(t, f.adapter.calls.Load())
		})
	}
}

func TestSyncIntegration_AuthExpiredMovesToNeedsReauth(t *testing.T) {
	f := newFixture(t, models.StateActive)
	f.adapter.err = &mailerr.AuthExpiredError{Provider: "google", Err: errors.New("invalid_grant")}

	_, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
	assert.True(t, mailerr.IsAuthExpired(err))

	integ := f.store.Integration(f.integ.ID)
	assert.Equal(t, models.StateNeedsReauth, integ.State)
	require.NotNil(t, integ.LastError)
	assert.Nil(t, integ.LastSyncedAt)
	assert.Equal(t, []string{events.RoutingIntegrationNeedsReauth}, f.recorder.Keys())

	_, err = f.orch.SyncIntegration(context.Background(), f.integ.ID)
	assert.ErrorIs(t, err, mailerr.ErrIntegrationNotActive)
}

func TestSyncIntegration_UnavailableKeepsState(t *testing.T) {
	f := newFixture(t, models.StateActive)
	f.adapter.err = &mailerr.ProviderUnavailableError{Provider: "google", StatusCode: 503, Err: errors.New("backend error")}

	_, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
	assert.True(t, mailerr.IsProviderUnavailable(err))

	integ := f.store.Integration(f.integ.ID)
	assert.Equal(t, models.StateActive, integ.State)
	require.NotNil(t, integ.LastError)
	assert.Empty(t, f.recorder.Keys())
}

func TestSyncIntegration_StorageFailureAborts(t *testing.T) {
	f := newFixture(t, models.StateActive)
	f.store.UpsertErr = errors.New("disk full")

	_, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, f.store.Integration(f.integ.ID).LastSyncedAt)
}

func TestSyncIntegration_UnknownIntegrationAndProvider(t *testing.T) {
	f := newFixture(t, models.StateActive)

	_, err := f.orch.SyncIntegration(context.Background(), "missing")
	assert.ErrorIs(t, err, testutil.ErrNotFound)

	relay := f.store.AddIntegration(&models.Integration{Provider: models.ProviderSMTP, State: models.StateActive})
	_, err = f.orch.SyncIntegration(context.Background(), relay.ID)
	assert.True(t, mailerr.IsUnsupportedProvider(err))
}

func TestSyncIntegration_SerializesPerIntegration(t *testing.T) {
	f := newFixture(t, models.StateActive)
	f.adapter.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.SyncIntegration(context.Background(), f.integ.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(4), f.adapter.calls.Load())
	assert.Equal(t, int32(1), f.adapter.maxSeen.Load())
	assert.Len(t, f.store.Messages(f.integ.ID), 3)
}

func TestSyncIntegration_CanceledWhileWaitingForLock(t *testing.T) {
	f := newFixture(t, models.StateActive)
	locker := lock.NewLocalLocker()
	f.orch.locker = locker

	unlock, err := locker.Lock(context.Background(), LockKey(f.integ.ID))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.orch.SyncIntegration(ctx, f.integ.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.adapter.calls.Load())
}
