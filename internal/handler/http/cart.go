package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/utafrali/cartstore/internal/cart"
	"github.com/utafrali/cartstore/internal/domain"
	apperrors "github.com/utafrali/cartstore/pkg/errors"
	"github.com/utafrali/cartstore/pkg/httputil"
	"github.com/utafrali/cartstore/pkg/validator"
)

const maxBodyBytes = 1 << 20

// CartHandler handles HTTP requests for cart endpoints. The store is taken
// from the request context, so routes must be mounted behind cart.Provide.
type CartHandler struct {
	logger *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(logger *slog.Logger) *CartHandler {
	return &CartHandler{logger: logger}
}

// AddItemRequest is the JSON request body for adding a product to the cart.
type AddItemRequest struct {
	ID       string  `json:"id" validate:"required,max=128"`
	Title    string  `json:"title" validate:"required,max=500"`
	ImageURL string  `json:"image_url" validate:"omitempty,max=2048"`
	Price    float64 `json:"price" validate:"gte=0"`
}

// CartView is the cart as returned by every cart endpoint.
type CartView struct {
	Version   uint64            `json:"version"`
	Products  []domain.CartItem `json:"products"`
	ItemCount int               `json:"item_count"`
	Total     decimal.Decimal   `json:"total"`
}

// NewCartView renders a cart state. An empty cart has an empty product list.
func NewCartView(state domain.CartState) CartView {
	products := state.Items
	if products == nil {
		products = []domain.CartItem{}
	}
	return CartView{
		Version:   state.Version,
		Products:  products,
		ItemCount: state.ItemCount(),
		Total:     state.TotalAmount(),
	}
}

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: NewCartView(store.State())})
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req AddItemRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	state := store.AddToCart(r.Context(), domain.Product{
		ID:       req.ID,
		Title:    req.Title,
		ImageURL: req.ImageURL,
		Price:    req.Price,
	})
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: NewCartView(state)})
}

// IncrementItem handles POST /api/v1/cart/items/{id}/increment
func (h *CartHandler) IncrementItem(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, (*cart.Store).Increment)
}

// DecrementItem handles POST /api/v1/cart/items/{id}/decrement
func (h *CartHandler) DecrementItem(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, (*cart.Store).Decrement)
}

// adjust applies a quantity change. An id not in the cart is a no-op and
// answers with the unchanged cart.
func (h *CartHandler) adjust(w http.ResponseWriter, r *http.Request, op func(*cart.Store, context.Context, string) domain.CartState) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("product id is required"), h.logger)
		return
	}

	state := op(store, r.Context(), id)
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: NewCartView(state)})
}

func (h *CartHandler) store(w http.ResponseWriter, r *http.Request) (*cart.Store, bool) {
	store, err := cart.FromContext(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "cart route mounted without provider", slog.String("path", r.URL.Path))
		httputil.WriteError(w, r, apperrors.Internal(err), h.logger)
		return nil, false
	}
	return store, true
}
