package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceCache stores the reference price of each pair in a hash at
// "<prefix>:price:<pair>" with fields "price" (decimal string) and "ts"
// (unix nanoseconds). It also serves as the market-order PriceSource; prices
// older than maxAge are treated as unknown.
type PriceCache struct {
	c      *Client
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceCache creates a PriceCache. A zero maxAge never expires prices.
func NewPriceCache(c *Client, maxAge time.Duration) *PriceCache {
	return &PriceCache{c: c, maxAge: maxAge, now: time.Now}
}

func (pc *PriceCache) key(pair string) string {
	return pc.c.Key("price", pair)
}

func (pc *PriceCache) SetPrice(ctx context.Context, pair string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.key(pair), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", pair, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when no price is stored.
func (pc *PriceCache) GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(pair)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", pair, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", pair, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", pair, err)
	}
	return price, time.Unix(0, tsNano), nil
}

// ReferencePrice implements domain.PriceSource.
func (pc *PriceCache) ReferencePrice(ctx context.Context, pair string) (decimal.Decimal, bool, error) {
	price, ts, err := pc.GetPrice(ctx, pair)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	if pc.maxAge > 0 && pc.now().Sub(ts) > pc.maxAge {
		return decimal.Zero, false, nil
	}
	return price, price.IsPositive(), nil
}

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.PriceSource = (*PriceCache)(nil)
)
