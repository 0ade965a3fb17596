// Package local holds the process-scoped order and position caches. Writes go
// through to an optional durable store; store failures are logged, not
// returned, so the in-memory view stays authoritative for the session.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// OrderCache is the client-held record of submitted orders.
type OrderCache struct {
	mu     sync.RWMutex
	orders map[string]domain.SubmittedOrder
	store  domain.OrderStore
	logger *slog.Logger
	now    func() time.Time
}

// NewOrderCache creates an empty cache. store may be nil.
func NewOrderCache(store domain.OrderStore, logger *slog.Logger) *OrderCache {
	return &OrderCache{
		orders: make(map[string]domain.SubmittedOrder),
		store:  store,
		logger: logger.With(slog.String("component", "order_cache")),
		now:    time.Now,
	}
}

// Load hydrates the cache with the active orders held by the durable store.
// Records without a nonce come back flagged as legacy-broken.
func (c *OrderCache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	orders, err := c.store.ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("local: load orders: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range orders {
		o.IsLegacyBroken = domain.LegacyBroken(o)
		c.orders[o.ID] = o
	}
	c.logger.InfoContext(ctx, "order cache loaded", slog.Int("orders", len(orders)))
	return nil
}

// Add records an order. An existing id is rejected.
func (c *OrderCache) Add(ctx context.Context, o domain.SubmittedOrder) error {
	o.IsLegacyBroken = domain.LegacyBroken(o)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = c.now()
	}
	o.UpdatedAt = o.CreatedAt

	c.mu.Lock()
	if _, ok := c.orders[o.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("local: add order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	c.orders[o.ID] = o
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Upsert(ctx, o); err != nil {
			c.logger.WarnContext(ctx, "persist order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Get returns the order with id.
func (c *OrderCache) Get(id string) (domain.SubmittedOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	return o, ok
}

// UpdateStatus changes the status of a cached order.
func (c *OrderCache) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	c.mu.Lock()
	o, ok := c.orders[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("local: update order %s: %w", id, domain.ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = c.now()
	c.orders[id] = o
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateStatus(ctx, id, status); err != nil {
			c.logger.WarnContext(ctx, "persist order status failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// ApplyFill records a fill result from the matching cluster.
func (c *OrderCache) ApplyFill(ctx context.Context, id string, filled domain.EncryptedField, complete bool) error {
	status := domain.OrderStatusPartial
	if complete {
		status = domain.OrderStatusFilled
	}

	c.mu.Lock()
	o, ok := c.orders[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("local: fill order %s: %w", id, domain.ErrNotFound)
	}
	if o.Status == domain.OrderStatusCancelled {
		c.mu.Unlock()
		return nil
	}
	o.Status = status
	o.EncryptedFilled = filled
	o.UpdatedAt = c.now()
	c.orders[id] = o
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateFill(ctx, id, status, filled); err != nil {
			c.logger.WarnContext(ctx, "persist order fill failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Remove drops an order from the cache and marks the durable record
// cancelled.
func (c *OrderCache) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	if _, ok := c.orders[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("local: remove order %s: %w", id, domain.ErrNotFound)
	}
	delete(c.orders, id)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateStatus(ctx, id, domain.OrderStatusCancelled); err != nil {
			c.logger.WarnContext(ctx, "persist order removal failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// List returns owner's orders, newest first. An empty owner lists all.
func (c *OrderCache) List(owner string) []domain.SubmittedOrder {
	c.mu.RLock()
	out := make([]domain.SubmittedOrder, 0, len(c.orders))
	for _, o := range c.orders {
		if owner == "" || o.Owner == owner {
			out = append(out, o)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancellable returns the orders an interactive cancel may be offered for.
// Legacy-broken records are excluded.
func (c *OrderCache) Cancellable(owner string) []domain.SubmittedOrder {
	var out []domain.SubmittedOrder
	for _, o := range c.List(owner) {
		if o.Cancellable() {
			out = append(out, o)
		}
	}
	return out
}

// Counts aggregates owner's orders.
func (c *OrderCache) Counts(owner string) domain.OrderCounts {
	var counts domain.OrderCounts
	for _, o := range c.List(owner) {
		counts.Total++
		if !o.Status.Active() {
			continue
		}
		if o.IsLegacyBroken {
			counts.Legacy++
		} else {
			counts.Active++
		}
	}
	return counts
}

// Close releases the cache contents.
func (c *OrderCache) Close() {
	c.mu.Lock()
	c.orders = make(map[string]domain.SubmittedOrder)
	c.mu.Unlock()
}
