package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Product is the catalog entry a UI hands to the cart when the user taps "add".
type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
}

// CartItem represents a single product line in the cart.
type CartItem struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// CartState is an immutable view of the cart. Every mutation produces a new
// CartState with a higher Version and a freshly allocated Items slice.
type CartState struct {
	Version uint64     `json:"version"`
	Items   []CartItem `json:"products"`
}

// ItemCount returns the total number of units in the cart.
func (s CartState) ItemCount() int {
	var count int
	for _, item := range s.Items {
		count += item.Quantity
	}
	return count
}

// TotalAmount sums price*quantity over all items using decimal arithmetic.
func (s CartState) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.Items {
		line := decimal.NewFromFloat(item.Price).Mul(decimal.NewFromInt(int64(item.Quantity)))
		total = total.Add(line)
	}
	return total
}

// FindItemIndex returns the index of the first item with the given id, or -1.
func (s CartState) FindItemIndex(id string) int {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// AppendItem returns a new slice with the product appended at quantity 1.
// Existing items with the same id are left alone.
func AppendItem(items []CartItem, p Product) []CartItem {
	next := make([]CartItem, len(items), len(items)+1)
	copy(next, items)
	return append(next, newItem(p))
}

// MergeItem returns a new slice where an existing item with the product's id
// has its quantity incremented (and its display fields refreshed). If no item
// matches, the product is appended at quantity 1.
func MergeItem(items []CartItem, p Product) []CartItem {
	next := make([]CartItem, len(items), len(items)+1)
	copy(next, items)
	for i := range next {
		if next[i].ID == p.ID {
			next[i].Title = p.Title
			next[i].ImageURL = p.ImageURL
			next[i].Price = p.Price
			next[i].Quantity++
			return next
		}
	}
	return append(next, newItem(p))
}

// IncrementItem returns a new slice with the quantity of every item matching
// id raised by one. The bool reports whether anything matched; when it is
// false the original slice is returned untouched.
func IncrementItem(items []CartItem, id string) ([]CartItem, bool) {
	return mapMatching(items, id, func(q int) int { return q + 1 })
}

// DecrementItem returns a new slice with the quantity of every item matching
// id lowered by one, never below 1.
func DecrementItem(items []CartItem, id string) ([]CartItem, bool) {
	return mapMatching(items, id, func(q int) int {
		if q <= 1 {
			return 1
		}
		return q - 1
	})
}

func mapMatching(items []CartItem, id string, fn func(int) int) ([]CartItem, bool) {
	var next []CartItem
	for i := range items {
		if items[i].ID != id {
			continue
		}
		if next == nil {
			next = make([]CartItem, len(items))
			copy(next, items)
		}
		next[i].Quantity = fn(next[i].Quantity)
	}
	if next == nil {
		return items, false
	}
	return next, true
}

func newItem(p Product) CartItem {
	return CartItem{
		ID:       p.ID,
		Title:    p.Title,
		ImageURL: p.ImageURL,
		Price:    p.Price,
		Quantity: 1,
	}
}

// EncodeItems serializes the items as the JSON array stored under the cart key.
// A nil or empty slice encodes as [].
func EncodeItems(items []CartItem) ([]byte, error) {
	if items == nil {
		items = []CartItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal cart items: %w", err)
	}
	return data, nil
}

// DecodeItems parses a stored JSON array of cart items. A JSON null yields an
// empty cart, and stored quantities below 1 are raised to 1.
func DecodeItems(data []byte) ([]CartItem, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("unmarshal cart items: empty payload")
	}

	var items []CartItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal cart items: %w", err)
	}
	if items == nil {
		return []CartItem{}, nil
	}

	for i := range items {
		if items[i].Quantity < 1 {
			items[i].Quantity = 1
		}
	}
	return items, nil
}
