package local

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// PositionCache is the client-held record of opened positions.
type PositionCache struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	store     domain.PositionStore
	logger    *slog.Logger
}

// NewPositionCache creates an empty cache. store may be nil.
func NewPositionCache(store domain.PositionStore, logger *slog.Logger) *PositionCache {
	return &PositionCache{
		positions: make(map[string]domain.Position),
		store:     store,
		logger:    logger.With(slog.String("component", "position_cache")),
	}
}

// Load hydrates the cache with owner's persisted positions.
func (c *PositionCache) Load(ctx context.Context, owner string) error {
	if c.store == nil {
		return nil
	}
	positions, err := c.store.ListByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("local: load positions: %w", err)
	}
	c.mu.Lock()
	for _, p := range positions {
		c.positions[p.ID] = p
	}
	c.mu.Unlock()
	return nil
}

// Add records a position.
func (c *PositionCache) Add(ctx context.Context, p domain.Position) error {
	c.mu.Lock()
	if _, ok := c.positions[p.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("local: add position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	c.positions[p.ID] = p
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Create(ctx, p); err != nil {
			c.logger.WarnContext(ctx, "persist position failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Get returns the position with id.
func (c *PositionCache) Get(id string) (domain.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[id]
	return p, ok
}

// List returns owner's positions, newest first.
func (c *PositionCache) List(owner string) []domain.Position {
	c.mu.RLock()
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		if owner == "" || p.Owner == owner {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// Close releases the cache contents.
func (c *PositionCache) Close() {
	c.mu.Lock()
	c.positions = make(map[string]domain.Position)
	c.mu.Unlock()
}
