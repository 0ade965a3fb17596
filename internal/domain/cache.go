package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Signal bus channels.
const (
	ChannelOrders       = "orders"
	ChannelPositions    = "positions"
	ChannelProgress     = "progress"
	ChannelComputations = "computations"
	// ChannelPrices carries reference price ticks published by an external
	// price source.
	ChannelPrices = "prices"
)

// SignalBus provides pub/sub between the orchestrators, the result feed and
// the websocket hub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PriceCache stores the latest reference price per pair.
type PriceCache interface {
	SetPrice(ctx context.Context, pair string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, error)
}

// LockManager provides mutual exclusion keyed by string. Acquire returns
// ErrLockHeld when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter counts requests per key in a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
