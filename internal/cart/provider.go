package cart

import (
	"context"
	"errors"
	"net/http"
)

// ErrNotWithinProvider is returned when the cart store is requested from a
// context that was never given one.
var ErrNotWithinProvider = errors.New("cart store must be used within a cart provider")

type contextKey struct{}

// NewContext returns a copy of ctx that carries the store. Everything derived
// from the returned context is within the store's provider scope.
func NewContext(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the store carried by ctx.
func FromContext(ctx context.Context) (*Store, error) {
	s, ok := ctx.Value(contextKey{}).(*Store)
	if !ok || s == nil {
		return nil, ErrNotWithinProvider
	}
	return s, nil
}

// MustFromContext is like FromContext but panics outside a provider scope.
// Use it where a missing provider is a wiring bug.
func MustFromContext(ctx context.Context) *Store {
	s, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return s
}

// Provide is middleware that places the store in every request context.
func Provide(s *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
		})
	}
}
