package cart

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/cartstore/internal/domain"
	"github.com/utafrali/cartstore/internal/storage"
	"github.com/utafrali/cartstore/internal/storage/memory"
)

// --- Mock storage ---

type mockKV struct {
	mock.Mock
}

func (m *mockKV) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockKV) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *mockKV) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockKV) Close() error { return nil }

// gatedKV blocks Get until release is closed.
type gatedKV struct {
	*memory.Store
	release chan struct{}
}

func (g *gatedKV) Get(ctx context.Context, key string) (string, bool, error) {
	<-g.release
	return g.Store.Get(ctx, key)
}

// --- Test helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, kv storage.Store, opts ...Option) *Store {
	t.Helper()
	s := New(kv, newTestLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func storedItems(t *testing.T, kv storage.Store) []domain.CartItem {
	t.Helper()
	raw, found, err := kv.Get(context.Background(), storage.CartKey)
	require.NoError(t, err)
	require.True(t, found, "cart key must be written")
	items, err := domain.DecodeItems([]byte(raw))
	require.NoError(t, err)
	return items
}

func shoe() domain.Product {
	return domain.Product{ID: "p1", Title: "Shoe", ImageURL: "x", Price: 99.9}
}

// --- Mutations ---

func TestAddToCart_EveryCallAppendsQuantityOne(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()

	products := []domain.Product{shoe(), {ID: "p2", Price: 5}, shoe(), {ID: "p3"}}
	for _, p := range products {
		s.AddToCart(ctx, p)
	}

	state := s.State()
	require.Len(t, state.Items, len(products))
	for i, item := range state.Items {
		assert.Equal(t, products[i].ID, item.ID)
		assert.Equal(t, 1, item.Quantity)
	}
	assert.Equal(t, uint64(len(products)), state.Version)
}

func TestScenario_ShoeQuantityFloorsAtOne(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()

	state := s.AddToCart(ctx, shoe())
	require.Len(t, state.Items, 1)
	assert.Equal(t, domain.CartItem{ID: "p1", Title: "Shoe", ImageURL: "x", Price: 99.9, Quantity: 1}, state.Items[0])

	state = s.Increment(ctx, "p1")
	assert.Equal(t, 2, state.Items[0].Quantity)

	state = s.Decrement(ctx, "p1")
	assert.Equal(t, 1, state.Items[0].Quantity)

	state = s.Decrement(ctx, "p1")
	assert.Equal(t, 1, state.Items[0].Quantity)
}

func TestIncrementDecrement_UnknownIDLeavesStateUnchanged(t *testing.T) {
	kv := new(mockKV)
	kv.On("Set", mock.Anything, storage.CartKey, mock.Anything).Return(nil)
	s := newTestStore(t, kv)
	ctx := context.Background()

	s.AddToCart(ctx, shoe())
	flush(t, s)
	before := s.State()

	afterInc := s.Increment(ctx, "nope")
	afterDec := s.Decrement(ctx, "nope")
	flush(t, s)

	assert.Equal(t, before, afterInc)
	assert.Equal(t, before, afterDec)
	kv.AssertNumberOfCalls(t, "Set", 1)
}

func TestDecrement_NeverBelowOne(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()

	s.AddToCart(ctx, shoe())
	s.AddToCart(ctx, domain.Product{ID: "p2"})
	ops := []func(){
		func() { s.Decrement(ctx, "p1") },
		func() { s.Increment(ctx, "p2") },
		func() { s.Decrement(ctx, "p2") },
		func() { s.Decrement(ctx, "p2") },
		func() { s.Increment(ctx, "p1") },
		func() { s.Decrement(ctx, "p1") },
		func() { s.Decrement(ctx, "p1") },
	}
	for _, op := range ops {
		op()
		for _, item := range s.State().Items {
			assert.GreaterOrEqual(t, item.Quantity, 1)
		}
	}
}

func TestIncrement_DuplicateIDsAllChange(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()

	s.AddToCart(ctx, shoe())
	s.AddToCart(ctx, shoe())
	state := s.Increment(ctx, "p1")

	require.Len(t, state.Items, 2)
	assert.Equal(t, 2, state.Items[0].Quantity)
	assert.Equal(t, 2, state.Items[1].Quantity)
}

func TestAddToCart_MergeDuplicates(t *testing.T) {
	s := newTestStore(t, memory.New(), WithMergeDuplicates(true))
	ctx := context.Background()

	s.AddToCart(ctx, shoe())
	state := s.AddToCart(ctx, shoe())

	require.Len(t, state.Items, 1)
	assert.Equal(t, 2, state.Items[0].Quantity)
}

func TestState_PreviousStateIsNotModified(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()

	first := s.AddToCart(ctx, shoe())
	second := s.Increment(ctx, "p1")

	assert.Equal(t, 1, first.Items[0].Quantity)
	assert.Equal(t, 2, second.Items[0].Quantity)
	assert.Greater(t, second.Version, first.Version)
}

func TestProducts_ReturnsCopy(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.AddToCart(context.Background(), shoe())

	products := s.Products()
	products[0].Quantity = 42

	assert.Equal(t, 1, s.State().Items[0].Quantity)
}

// --- Persistence ---

func TestPersist_StoredValueMatchesState(t *testing.T) {
	kv := memory.New()
	s := newTestStore(t, kv)
	ctx := context.Background()

	steps := []func(){
		func() { s.AddToCart(ctx, shoe()) },
		func() { s.AddToCart(ctx, domain.Product{ID: "p2", Title: "Sock", Price: 2.5}) },
		func() { s.Increment(ctx, "p2") },
		func() { s.Decrement(ctx, "p1") },
		func() { s.Decrement(ctx, "p2") },
	}
	for _, step := range steps {
		step()
		flush(t, s)
		assert.Equal(t, s.State().Items, storedItems(t, kv))
	}
}

func TestPersist_WriteFailureIsNotSurfaced(t *testing.T) {
	kv := new(mockKV)
	kv.On("Set", mock.Anything, storage.CartKey, mock.Anything).Return(errors.New("disk full"))
	s := newTestStore(t, kv)
	ctx := context.Background()

	state := s.AddToCart(ctx, shoe())
	flush(t, s)

	require.Len(t, state.Items, 1)
	assert.Equal(t, state, s.State(), "in-memory state stays authoritative")
	kv.AssertCalled(t, "Set", mock.Anything, storage.CartKey, mock.Anything)
}

func TestPersist_WritesFullSequenceUnderFixedKey(t *testing.T) {
	kv := new(mockKV)
	kv.On("Set", mock.Anything, "products", `[{"id":"p1","title":"Shoe","image_url":"x","price":99.9,"quantity":1}]`).Return(nil)
	s := newTestStore(t, kv)

	s.AddToCart(context.Background(), shoe())
	flush(t, s)

	kv.AssertExpectations(t)
}

func TestClose_DrainsPendingWrites(t *testing.T) {
	kv := memory.New()
	s := New(kv, newTestLogger())
	ctx := context.Background()

	s.AddToCart(ctx, shoe())
	s.Increment(ctx, "p1")
	require.NoError(t, s.Close(ctx))

	items := storedItems(t, kv)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)

	// After close, memory still changes but storage does not.
	state := s.Increment(ctx, "p1")
	assert.Equal(t, 3, state.Items[0].Quantity)
	assert.Equal(t, 2, storedItems(t, kv)[0].Quantity)
	require.NoError(t, s.Close(ctx))
}

// --- Load ---

func TestLoad_AdoptsStoredCart(t *testing.T) {
	kv := memory.New()
	require.NoError(t, kv.Set(context.Background(), storage.CartKey,
		`[{"id":"a","title":"T","image_url":"u","price":10,"quantity":2}]`))
	s := newTestStore(t, kv)

	s.Load(context.Background())

	state := s.State()
	require.Len(t, state.Items, 1)
	assert.Equal(t, "a", state.Items[0].ID)
	assert.Equal(t, 2, state.Items[0].Quantity)
	assert.True(t, s.Loaded())
}

func TestLoad_AbsentKeepsEmpty(t *testing.T) {
	s := newTestStore(t, memory.New())

	s.Load(context.Background())

	assert.Empty(t, s.State().Items)
	assert.Zero(t, s.State().Version)
	assert.True(t, s.Loaded())
}

func TestLoad_MalformedKeepsEmpty(t *testing.T) {
	kv := memory.New()
	require.NoError(t, kv.Set(context.Background(), storage.CartKey, `{{not-json`))
	s := newTestStore(t, kv)

	s.Load(context.Background())

	assert.Empty(t, s.State().Items)
}

func TestLoad_ReadErrorKeepsEmpty(t *testing.T) {
	kv := new(mockKV)
	kv.On("Get", mock.Anything, storage.CartKey).Return("", false, errors.New("io error"))
	s := newTestStore(t, kv)

	s.Load(context.Background())

	assert.Empty(t, s.State().Items)
	select {
	case <-s.Ready():
	default:
		t.Fatal("ready must be closed after a failed load")
	}
}

func TestLoad_OnlyFirstCallCounts(t *testing.T) {
	kv := new(mockKV)
	kv.On("Get", mock.Anything, storage.CartKey).Return(`[{"id":"a","quantity":1}]`, true, nil).Once()
	s := newTestStore(t, kv)

	s.Load(context.Background())
	s.Load(context.Background())

	kv.AssertNumberOfCalls(t, "Get", 1)
	assert.Equal(t, uint64(1), s.State().Version)
}

func TestStart_DoesNotBlockAndMutationBeforeLoadWins(t *testing.T) {
	kv := &gatedKV{Store: memory.New(), release: make(chan struct{})}
	require.NoError(t, kv.Store.Set(context.Background(), storage.CartKey, `[{"id":"old","quantity":5}]`))
	s := newTestStore(t, kv)
	ctx := context.Background()

	s.Start(ctx)
	state := s.AddToCart(ctx, shoe())
	require.Len(t, state.Items, 1)

	close(kv.release)
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("load did not finish")
	}

	state = s.State()
	require.Len(t, state.Items, 1)
	assert.Equal(t, "p1", state.Items[0].ID)
}

// --- Subscriptions ---

func TestSubscribe_ReceivesNewestState(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	s.AddToCart(ctx, shoe())
	s.Increment(ctx, "p1")
	s.Increment(ctx, "p1")

	got := <-ch
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, 3, got.Items[0].Quantity)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected stale state %d", extra.Version)
	default:
	}
}

func TestSubscribe_LoadIsBroadcast(t *testing.T) {
	kv := memory.New()
	require.NoError(t, kv.Set(context.Background(), storage.CartKey, `[{"id":"a","quantity":1}]`))
	s := newTestStore(t, kv)

	ch, cancel := s.Subscribe()
	defer cancel()
	s.Load(context.Background())

	got := <-ch
	require.Len(t, got.Items, 1)
	assert.Equal(t, "a", got.Items[0].ID)
}

func TestWatch_CurrentStateIsNotRepeatedOnChannel(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()
	s.AddToCart(ctx, shoe())

	current, ch, cancel := s.Watch()
	defer cancel()

	assert.Equal(t, uint64(1), current.Version)
	select {
	case extra := <-ch:
		t.Fatalf("current state %d delivered again", extra.Version)
	default:
	}

	s.Increment(ctx, "p1")
	got := <-ch
	assert.Equal(t, uint64(2), got.Version)
}

func TestWatch_ConcurrentMutationsOnlyDeliverNewerStates(t *testing.T) {
	s := newTestStore(t, memory.New())
	ctx := context.Background()
	s.AddToCart(ctx, shoe())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Increment(ctx, "p1")
			}
		}
	}()

	for i := 0; i < 200; i++ {
		current, ch, cancel := s.Watch()
		select {
		case next := <-ch:
			assert.Greater(t, next.Version, current.Version)
		default:
		}
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s := newTestStore(t, memory.New())

	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Mutations after cancel must not panic on the closed channel.
	s.AddToCart(context.Background(), shoe())
}

func TestClose_ClosesSubscribers(t *testing.T) {
	s := New(memory.New(), newTestLogger())
	ch, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Close(context.Background()))

	_, open := <-ch
	assert.False(t, open)
}

// --- Concurrency ---

func TestConcurrentIncrements(t *testing.T) {
	kv := memory.New()
	s := newTestStore(t, kv)
	ctx := context.Background()
	s.AddToCart(ctx, shoe())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Increment(ctx, "p1")
		}()
	}
	wg.Wait()
	flush(t, s)

	assert.Equal(t, 51, s.State().Items[0].Quantity)
	assert.Equal(t, 51, storedItems(t, kv)[0].Quantity)
}
