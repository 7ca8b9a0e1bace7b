package cart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/utafrali/cartstore/internal/storage"
)

// persister writes the encoded cart to storage from a single goroutine.
// Pending payloads coalesce: only the newest one is written, so storage
// always converges on the latest state.
type persister struct {
	kv      storage.Store
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	next    []byte
	queued  uint64
	written uint64
	changed chan struct{} // closed and replaced whenever written advances
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newPersister(kv storage.Store, logger *slog.Logger, timeout time.Duration) *persister {
	p := &persister{
		kv:      kv,
		logger:  logger,
		timeout: timeout,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue schedules payload to be written. It never blocks on storage and
// reports false once the persister has been closed.
func (p *persister) enqueue(payload []byte) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.next = payload
	p.queued++
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		if p.written == p.queued {
			p.mu.Unlock()
			return
		}
		payload, gen := p.next, p.queued
		p.mu.Unlock()

		p.write(payload)

		p.mu.Lock()
		p.written = gen
		close(p.changed)
		p.changed = make(chan struct{})
		p.mu.Unlock()
	}
}

func (p *persister) write(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.kv.Set(ctx, storage.CartKey, string(payload))
	PersistDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		PersistWritesTotal.WithLabelValues("error").Inc()
		p.logger.WarnContext(ctx, "failed to persist cart",
			slog.String("key", storage.CartKey),
			slog.String("error", err.Error()),
		)
		return
	}
	PersistWritesTotal.WithLabelValues("ok").Inc()
}

// flush waits until every payload enqueued before the call has been written
// (or its write attempted).
func (p *persister) flush(ctx context.Context) error {
	p.mu.Lock()
	target := p.queued
	for p.written < target {
		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
	p.mu.Unlock()
	return nil
}

// close drains pending writes and stops the goroutine.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
