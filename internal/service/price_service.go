package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceTick is one reference price update as published on
// domain.ChannelPrices.
type PriceTick struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceService keeps the reference price cache current from ticks on the
// signal bus. Market buys are sized against these prices.
type PriceService struct {
	prices  domain.PriceCache
	bus     domain.SignalBus
	markets map[string]string // upper-cased pair -> configured pair
	logger  *slog.Logger
	now     func() time.Time
}

// NewPriceService creates a PriceService. Ticks for pairs outside markets are
// dropped; an empty markets slice accepts every pair.
func NewPriceService(prices domain.PriceCache, bus domain.SignalBus, markets []domain.Market, logger *slog.Logger) *PriceService {
	known := make(map[string]string, len(markets))
	for _, m := range markets {
		known[strings.ToUpper(m.Pair)] = m.Pair
	}
	return &PriceService{
		prices:  prices,
		bus:     bus,
		markets: known,
		logger:  logger.With(slog.String("component", "price_service")),
		now:     time.Now,
	}
}

// Run subscribes to the price channel and applies ticks until ctx is
// cancelled.
func (s *PriceService) Run(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx, domain.ChannelPrices)
	if err != nil {
		return fmt.Errorf("price_service: subscribe: %w", err)
	}
	s.logger.Info("price relay started")
	defer s.logger.Info("price relay stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.HandleTick(ctx, data); err != nil {
				s.logger.WarnContext(ctx, "price tick rejected", slog.String("error", err.Error()))
			}
		}
	}
}

// HandleTick validates and stores one JSON encoded PriceTick. A tick without
// a timestamp is stamped with the current time.
func (s *PriceService) HandleTick(ctx context.Context, data []byte) error {
	var tick PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return fmt.Errorf("price_service: decode tick: %w", err)
	}
	pair := strings.ToUpper(strings.TrimSpace(tick.Pair))
	if pair == "" {
		return fmt.Errorf("price_service: tick without pair")
	}
	if len(s.markets) > 0 {
		configured, ok := s.markets[pair]
		if !ok {
			return fmt.Errorf("price_service: %s: %w", pair, domain.ErrUnknownMarket)
		}
		pair = configured
	}
	if !tick.Price.IsPositive() {
		return fmt.Errorf("price_service: %s: price must be positive", pair)
	}
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	// Ticks may arrive out of order; never move a price backwards in time.
	if _, last, err := s.prices.GetPrice(ctx, pair); err == nil && last.After(ts) {
		return nil
	}
	if err := s.prices.SetPrice(ctx, pair, tick.Price, ts); err != nil {
		return fmt.Errorf("price_service: set price for %q: %w", pair, err)
	}
	return nil
}
