// Package cart holds the shopping cart and persists it between runs.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/observe"
	"github.com/aluiziolira/go-easymall/storage"
)

// StorageKey is the key the serialized cart is stored under.
const StorageKey = "cart.json"

// Manager owns the cart line items. Every mutation publishes a fresh slice
// on Items and then persists it.
type Manager struct {
	backend storage.Store
	logger  *slog.Logger

	mu    sync.Mutex
	items *observe.Value[[]models.CartItem]
}

// New loads the persisted cart. An unreadable cart is logged and replaced
// by an empty one.
func New(ctx context.Context, backend storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		backend: backend,
		logger:  logger,
		items:   observe.NewValue[[]models.CartItem](nil),
	}
	m.items.Set(m.load(ctx))
	return m
}

// Items is the observable list of line items. Published slices must not be
// modified by subscribers.
func (m *Manager) Items() *observe.Value[[]models.CartItem] {
	return m.items
}

// Contains reports whether the product is in the cart.
func (m *Manager) Contains(productID int) bool {
	return indexOf(m.items.Get(), productID) >= 0
}

// Quantity returns the quantity of a product, or 0.
func (m *Manager) Quantity(productID int) int {
	items := m.items.Get()
	if i := indexOf(items, productID); i >= 0 {
		return items[i].Quantity
	}
	return 0
}

// Add puts one more of product in the cart.
func (m *Manager) Add(ctx context.Context, product models.Product) error {
	return m.mutate(ctx, func(items []models.CartItem) ([]models.CartItem, bool) {
		if i := indexOf(items, product.ID); i >= 0 {
			items[i].Quantity++
			return items, true
		}
		return append(items, models.CartItem{Product: product, Quantity: 1}), true
	})
}

// Remove drops the product line entirely.
func (m *Manager) Remove(ctx context.Context, productID int) error {
	return m.mutate(ctx, func(items []models.CartItem) ([]models.CartItem, bool) {
		i := indexOf(items, productID)
		if i < 0 {
			return items, false
		}
		return append(items[:i], items[i+1:]...), true
	})
}

// Increase adds one to an existing line. Unknown ids are ignored.
func (m *Manager) Increase(ctx context.Context, productID int) error {
	return m.mutate(ctx, func(items []models.CartItem) ([]models.CartItem, bool) {
		i := indexOf(items, productID)
		if i < 0 {
			return items, false
		}
		items[i].Quantity++
		return items, true
	})
}

// Decrease takes one from a line, removing it when it reaches zero.
func (m *Manager) Decrease(ctx context.Context, productID int) error {
	return m.mutate(ctx, func(items []models.CartItem) ([]models.CartItem, bool) {
		i := indexOf(items, productID)
		if i < 0 {
			return items, false
		}
		if items[i].Quantity > 1 {
			items[i].Quantity--
			return items, true
		}
		return append(items[:i], items[i+1:]...), true
	})
}

// Clear empties the cart and deletes the persisted copy.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items.Set(nil)
	if err := m.backend.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// Total is the sum of price times quantity over all lines.
func (m *Manager) Total() int {
	return Total(m.items.Get())
}

// ShareText renders the cart as plain text.
func (m *Manager) ShareText() string {
	return ShareText(m.items.Get())
}

// Total is the sum of price times quantity over items.
func Total(items []models.CartItem) int {
	total := 0
	for _, item := range items {
		total += item.Product.Price * item.Quantity
	}
	return total
}

// ShareText renders items as a plain-text summary.
func ShareText(items []models.CartItem) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s - %d pcs for %s", item.Product.Title, item.Quantity, item.Product.PriceWithCurrency()))
	}
	return fmt.Sprintf("My cart:\n\n%s\n\nTotal - $%d", strings.Join(lines, "\n"), Total(items))
}

// mutate applies fn to a private copy of the items. When fn reports a
// change, the copy is published and persisted.
func (m *Manager) mutate(ctx context.Context, fn func([]models.CartItem) ([]models.CartItem, bool)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.items.Get()
	items := make([]models.CartItem, len(current), len(current)+1)
	copy(items, current)

	items, changed := fn(items)
	if !changed {
		return nil
	}
	m.items.Set(items)
	return m.save(ctx, items)
}

func (m *Manager) load(ctx context.Context) []models.CartItem {
	data, err := m.backend.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.logger.WarnContext(ctx, "failed to load cart", slog.Any("error", err))
		return nil
	}

	var items []models.CartItem
	if err := json.Unmarshal(data, &items); err != nil {
		m.logger.WarnContext(ctx, "discarding unreadable cart", slog.Any("error", err))
		return nil
	}
	return items
}

func (m *Manager) save(ctx context.Context, items []models.CartItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := m.backend.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

func indexOf(items []models.CartItem, productID int) int {
	for i, item := range items {
		if item.Product.ID == productID {
			return i
		}
	}
	return -1
}
