package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/utafrali/cartstore/internal/domain"
	pkgkafka "github.com/utafrali/cartstore/pkg/kafka"
	"github.com/utafrali/cartstore/pkg/logger"
)

// TopicCartUpdated carries a snapshot of the cart after every change.
const TopicCartUpdated = "ecommerce.cart.updated"

const (
	AggregateTypeCart = "cart"
	SourceCartService = "cart-service"
)

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	SessionID string            `json:"session_id"`
	Version   uint64            `json:"version"`
	Products  []domain.CartItem `json:"products"`
	ItemCount int               `json:"item_count"`
	Total     decimal.Decimal   `json:"total"`
}

// Publisher sends an event envelope to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes cart domain events.
type Producer struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewProducer creates a new event producer for the cart service.
func NewProducer(publisher Publisher, logger *slog.Logger) *Producer {
	return &Producer{publisher: publisher, logger: logger}
}

// PublishCartUpdated publishes the given cart state for the session.
func (p *Producer) PublishCartUpdated(ctx context.Context, sessionID string, state domain.CartState) error {
	products := state.Items
	if products == nil {
		products = []domain.CartItem{}
	}
	data := CartUpdatedData{
		SessionID: sessionID,
		Version:   state.Version,
		Products:  products,
		ItemCount: state.ItemCount(),
		Total:     state.TotalAmount(),
	}

	event, err := pkgkafka.NewEvent(TopicCartUpdated, sessionID, AggregateTypeCart, SourceCartService, state.Version, data)
	if err != nil {
		return fmt.Errorf("create cart.updated event: %w", err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.publisher.Publish(ctx, TopicCartUpdated, event); err != nil {
		return fmt.Errorf("publish cart.updated event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.updated event",
		slog.String("session_id", sessionID),
		slog.Uint64("version", state.Version),
		slog.Int("item_count", data.ItemCount),
	)
	return nil
}
