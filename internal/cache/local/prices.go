package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/shopspring/decimal"
)

type priceEntry struct {
	price decimal.Decimal
	at    time.Time
}

// PriceCache keeps reference prices in memory. Prices older than maxAge are
// reported as unknown by ReferencePrice.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]priceEntry
	maxAge time.Duration
	now    func() time.Time
}

func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{prices: make(map[string]priceEntry), maxAge: maxAge, now: time.Now}
}

func (c *PriceCache) SetPrice(_ context.Context, pair string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	c.prices[pair] = priceEntry{price: price, at: ts}
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, pair string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	e, ok := c.prices[pair]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return e.price, e.at, nil
}

func (c *PriceCache) ReferencePrice(ctx context.Context, pair string) (decimal.Decimal, bool, error) {
	price, at, err := c.GetPrice(ctx, pair)
	if err != nil {
		return decimal.Zero, false, nil
	}
	if c.maxAge > 0 && c.now().Sub(at) > c.maxAge {
		return decimal.Zero, false, nil
	}
	return price, price.IsPositive(), nil
}

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.PriceSource = (*PriceCache)(nil)
)
