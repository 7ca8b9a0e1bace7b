package cart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/utafrali/cartstore/internal/domain"
	"github.com/utafrali/cartstore/internal/storage"
)

// DefaultWriteTimeout bounds a single persistence write.
const DefaultWriteTimeout = 5 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithMergeDuplicates makes AddToCart increment an existing item with the same
// id instead of appending a second line.
func WithMergeDuplicates(merge bool) Option {
	return func(s *Store) { s.mergeDuplicates = merge }
}

// WithWriteTimeout sets the timeout applied to each persistence write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Store owns the cart state and keeps the key-value store in sync with it.
// Mutations update memory immediately and persist in the background; storage
// failures are logged and never returned to callers.
type Store struct {
	kv     storage.Store
	logger *slog.Logger
	writer *persister

	mergeDuplicates bool
	writeTimeout    time.Duration

	mu          sync.Mutex
	state       domain.CartState
	loaded      bool
	loadStarted bool
	ready       chan struct{}
	subs        map[uint64]chan domain.CartState
	nextSub     uint64
}

// New creates a Store with an empty cart. Call Load or Start to adopt the
// persisted cart.
func New(kv storage.Store, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:           kv,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		state:        domain.CartState{Items: []domain.CartItem{}},
		ready:        make(chan struct{}),
		subs:         make(map[uint64]chan domain.CartState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writer = newPersister(kv, logger, s.writeTimeout)
	return s
}

// Start loads the persisted cart in the background. Ready is closed when the
// load finishes.
func (s *Store) Start(ctx context.Context) {
	go s.Load(ctx)
}

// Ready returns a channel that is closed once the persisted cart was loaded
// (or found absent or unreadable).
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Load reads the cart stored under storage.CartKey and adopts it. Only the
// first call has an effect. A missing, unreadable, or malformed value leaves
// the current state in place, as does any mutation made before the read
// completed.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	if s.loadStarted {
		s.mu.Unlock()
		return
	}
	s.loadStarted = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
		close(s.ready)
	}()

	raw, found, err := s.kv.Get(ctx, storage.CartKey)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read persisted cart",
			slog.String("key", storage.CartKey),
			slog.String("error", err.Error()),
		)
		return
	}
	if !found {
		s.logger.DebugContext(ctx, "no persisted cart")
		return
	}

	items, err := domain.DecodeItems([]byte(raw))
	if err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable persisted cart",
			slog.String("key", storage.CartKey),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Version != 0 {
		s.logger.WarnContext(ctx, "cart changed before load completed, keeping in-memory state",
			slog.Int("stored_items", len(items)),
		)
		return
	}

	s.replace(items, "load")
	s.logger.InfoContext(ctx, "cart loaded",
		slog.Int("items", len(items)),
		slog.Int("item_count", s.state.ItemCount()),
	)
}

// Loaded reports whether the initial load has completed.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// State returns the current cart. The returned Items must not be modified.
func (s *Store) State() domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Products returns a copy of the current items.
func (s *Store) Products() []domain.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CartItem, len(s.state.Items))
	copy(out, s.state.Items)
	return out
}

// AddToCart adds the product with quantity 1 and returns the new state.
func (s *Store) AddToCart(ctx context.Context, p domain.Product) domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []domain.CartItem
	if s.mergeDuplicates {
		items = domain.MergeItem(s.state.Items, p)
	} else {
		items = domain.AppendItem(s.state.Items, p)
	}
	s.commit(items, "add")

	s.logger.InfoContext(ctx, "item added to cart",
		slog.String("product_id", p.ID),
		slog.Int("items", len(items)),
	)
	return s.state
}

// Increment raises the quantity of every item with the given id by one.
// Unknown ids leave the cart untouched.
func (s *Store) Increment(ctx context.Context, id string) domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := domain.IncrementItem(s.state.Items, id)
	if !ok {
		s.logger.DebugContext(ctx, "increment ignored, item not in cart", slog.String("product_id", id))
		return s.state
	}
	s.commit(items, "increment")

	s.logger.InfoContext(ctx, "cart item incremented", slog.String("product_id", id))
	return s.state
}

// Decrement lowers the quantity of every item with the given id by one,
// stopping at 1. Unknown ids leave the cart untouched.
func (s *Store) Decrement(ctx context.Context, id string) domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := domain.DecrementItem(s.state.Items, id)
	if !ok {
		s.logger.DebugContext(ctx, "decrement ignored, item not in cart", slog.String("product_id", id))
		return s.state
	}
	s.commit(items, "decrement")

	s.logger.InfoContext(ctx, "cart item decremented", slog.String("product_id", id))
	return s.state
}

// Subscribe returns a channel that receives every new state. The channel
// buffers one value and always holds the newest one, so a slow reader skips
// intermediate states. cancel unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan domain.CartState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked()
}

// Watch is Subscribe plus the state current at subscription time, taken under
// the same lock: the channel only ever carries states newer than current.
func (s *Store) Watch() (current domain.CartState, updates <-chan domain.CartState, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates, cancel = s.subscribeLocked()
	return s.state, updates, cancel
}

// subscribeLocked registers a subscriber. Callers hold s.mu.
func (s *Store) subscribeLocked() (<-chan domain.CartState, func()) {
	id := s.nextSub
	s.nextSub++
	ch := make(chan domain.CartState, 1)
	s.subs[id] = ch
	Subscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
				Subscribers.Dec()
			}
		})
	}
	return ch, cancel
}

// Flush waits for every write scheduled so far to be attempted.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Close drains pending writes, stops the persister, and closes all
// subscriber channels. Later mutations only change memory.
func (s *Store) Close(ctx context.Context) error {
	err := s.writer.close(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
		Subscribers.Dec()
	}
	return err
}

// commit replaces the state and schedules a write. Callers hold s.mu.
func (s *Store) commit(items []domain.CartItem, op string) {
	s.replace(items, op)

	payload, err := domain.EncodeItems(items)
	if err != nil {
		s.logger.Error("failed to encode cart", slog.String("error", err.Error()))
		return
	}
	if !s.writer.enqueue(payload) {
		s.logger.Warn("cart store closed, change not persisted", slog.String("operation", op))
	}
}

// replace installs a new state and broadcasts it. Callers hold s.mu.
func (s *Store) replace(items []domain.CartItem, op string) {
	s.state = domain.CartState{
		Version: s.state.Version + 1,
		Items:   items,
	}
	MutationsTotal.WithLabelValues(op).Inc()
	Items.Set(float64(s.state.ItemCount()))

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.state
	}
}
