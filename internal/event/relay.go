package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/utafrali/cartstore/internal/domain"
)

const defaultPublishTimeout = 5 * time.Second

// Subscriber is the part of the cart store the relay listens to.
type Subscriber interface {
	Subscribe() (<-chan domain.CartState, func())
}

// Relay forwards cart changes to the event producer. It sees states through
// a store subscription, so bursts of changes collapse into the newest one.
type Relay struct {
	store     Subscriber
	producer  *Producer
	sessionID string
	logger    *slog.Logger
	timeout   time.Duration
}

// NewRelay creates a relay publishing changes under sessionID.
func NewRelay(store Subscriber, producer *Producer, sessionID string, logger *slog.Logger) *Relay {
	return &Relay{
		store:     store,
		producer:  producer,
		sessionID: sessionID,
		logger:    logger,
		timeout:   defaultPublishTimeout,
	}
}

// Run publishes every observed state until ctx is cancelled or the store is
// closed. Publish failures are logged and the relay keeps going.
func (r *Relay) Run(ctx context.Context) {
	states, cancel := r.store.Subscribe()
	defer cancel()

	r.logger.InfoContext(ctx, "cart event relay started", slog.String("session_id", r.sessionID))
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				r.logger.InfoContext(ctx, "cart event relay stopped, store closed")
				return
			}
			r.publish(ctx, state)
		}
	}
}

func (r *Relay) publish(ctx context.Context, state domain.CartState) {
	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.producer.PublishCartUpdated(pubCtx, r.sessionID, state); err != nil {
		r.logger.WarnContext(ctx, "failed to publish cart change",
			slog.Uint64("version", state.Version),
			slog.String("error", err.Error()),
		)
	}
}
