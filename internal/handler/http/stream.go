package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/utafrali/cartstore/pkg/logger"
)

const streamHeartbeat = 15 * time.Second

// Stream handles GET /api/v1/cart/stream. It sends the current cart as a
// server-sent event, then one event per change until the client goes away or
// the store is closed. A slow client skips intermediate states.
func (h *CartHandler) Stream(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	current, states, cancel := store.Watch()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	l := logger.FromContext(r.Context())
	if err := writeEvent(w, rc, NewCartView(current)); err != nil {
		l.DebugContext(r.Context(), "cart stream closed", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if state.Version <= current.Version {
				continue
			}
			current = state
			if err := writeEvent(w, rc, NewCartView(state)); err != nil {
				l.DebugContext(r.Context(), "cart stream closed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, view CartView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal cart event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: cart\ndata: %s\n\n", view.Version, data); err != nil {
		return err
	}
	return rc.Flush()
}
