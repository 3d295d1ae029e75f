// Package sender sends and replies through a user's integration.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/lock"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/syncer"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRecipient is returned when the To field is not a single valid address.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrEmptyMessage is returned when both subject and body are empty.
	ErrEmptyMessage = errors.New("message has no subject and no body")
)

// Store loads integrations and records lifecycle changes.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	TransitionIntegrationState(ctx context.Context, id string, next models.IntegrationState, reason string) (*models.Integration, error)
}

// Orchestrator picks the adapter for an integration and sends through it.
type Orchestrator struct {
	store     Store
	adapters  syncer.Adapters
	locker    lock.Locker
	publisher events.Publisher
	logger    *zap.Logger
}

func NewOrchestrator(store Store, adapters syncer.Adapters, locker lock.Locker, publisher events.Publisher, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Orchestrator{store: store, adapters: adapters, locker: locker, publisher: publisher, logger: log}
}

// ValidateRecipient checks that to is exactly one RFC 5322 address.
func ValidateRecipient(to string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if !strings.Contains(addr.Address, "@") {
		return fmt.Errorf("%w: %q has no domain", ErrInvalidRecipient, to)
	}
	return nil
}

// Send delivers msg through the integration. A reply through an adapter that
// cannot thread still goes out, with Threaded false in the result.
func (o *Orchestrator) Send(ctx context.Context, integrationID string, msg models.OutgoingMessage) (*models.SendResult, error) {
	if err := ValidateRecipient(msg.To); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.Subject) == "" && strings.TrimSpace(msg.Body) == "" {
		return nil, ErrEmptyMessage
	}

	unlock, err := o.locker.Lock(ctx, syncer.LockKey(integrationID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock integration: %w", err)
	}
	defer unlock()

	integ, err := o.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if integ.State != models.StateActive {
		return nil, fmt.Errorf("%w: state is %s", mailerr.ErrIntegrationNotActive, integ.State)
	}

	log := logger.ForIntegration(o.logger, integ.ID, string(integ.Provider))

	adapter, err := o.adapters.Get(integ.Provider)
	if err != nil {
		return nil, err
	}
	caps := adapter.Capabilities()
	if !caps.Send {
		return nil, &mailerr.UnsupportedProviderError{Provider: string(integ.Provider)}
	}

	if msg.ReplyToID != "" && !caps.Threading {
		log.Warn("sending reply without threading",
			zap.String("reply_to_id", msg.ReplyToID),
			zap.Error(mailerr.ErrThreadingUnsupported),
		)
		msg.ReplyToID = ""
	}

	result, err := adapter.SendMessage(ctx, integ, msg)
	if err != nil {
		if mailerr.IsAuthExpired(err) {
			syncer.MarkNeedsReauth(ctx, o.store, o.publisher, integ, err, log)
		}
		return nil, err
	}

	metrics.RecordSend(string(integ.Provider), result.Threaded)
	log.Info("message sent",
		zap.String("status", result.Status),
		zap.String("provider_message_id", result.ProviderMessageID),
		zap.Bool("threaded", result.Threaded),
	)
	return result, nil
}
