package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ActiveLister lists the integrations a scheduled cycle should sync.
type ActiveLister interface {
	ListActiveIntegrations(ctx context.Context) ([]*models.Integration, error)
}

// Notifier pushes a message to every open connection of a user.
type Notifier interface {
	Send(userID string, msg []byte)
}

// SchedulerConfig bounds a scheduled cycle.
type SchedulerConfig struct {
	Interval     time.Duration
	Concurrency  int
	CycleTimeout time.Duration
}

// Scheduler syncs every active integration on a fixed interval.
type Scheduler struct {
	orchestrator *Orchestrator
	lister       ActiveLister
	notifier     Notifier
	cfg          SchedulerConfig
	logger       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SyncNotification is pushed to the owner of an integration when a sync stored new messages.
type SyncNotification struct {
	Type          string `json:"type"`
	IntegrationID string `json:"integration_id"`
	Inserted      int    `json:"inserted"`
}

func NewScheduler(orchestrator *Orchestrator, lister ActiveLister, notifier Notifier, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		orchestrator: orchestrator,
		lister:       lister,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger,
	}
}

// Start runs a cycle immediately and then on every tick until Stop is called
// or ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		s.runCycle(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runCycle(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	if _, err := s.RunOnce(cycleCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sync cycle failed", zap.Error(err))
	}
}

// CycleReport summarizes one scheduled cycle.
type CycleReport struct {
	Integrations int
	Succeeded    int
	Failed       int
	Inserted     int
}

// RunOnce syncs every active integration with bounded concurrency. A failing
// integration does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleReport, error) {
	integrations, err := s.lister.ListActiveIntegrations(ctx)
	if err != nil {
		return nil, err
	}

	report := &CycleReport{Integrations: len(integrations)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, integ := range integrations {
		g.Go(func() error {
			result, err := s.orchestrator.SyncIntegration(gctx, integ.ID)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				report.Failed++
				if !errors.Is(err, mailerr.ErrIntegrationNotActive) {
					s.logger.Warn("scheduled sync failed",
						zap.String("integration_id", integ.ID),
						zap.String("provider", string(integ.Provider)),
						zap.Error(err),
					)
				}
				return nil
			}

			report.Succeeded++
			report.Inserted += result.Inserted
			if result.Inserted > 0 {
				s.notify(integ, result)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

func (s *Scheduler) notify(integ *models.Integration, result *Result) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(SyncNotification{
		Type:          "sync",
		IntegrationID: integ.ID,
		Inserted:      result.Inserted,
	})
	if err != nil {
		s.logger.Error("failed to marshal sync notification", zap.Error(err))
		return
	}
	s.notifier.Send(integ.UserID, payload)
}
