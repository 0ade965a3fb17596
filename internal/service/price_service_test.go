package service

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/cache/local"
	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceService_HandleTick(t *testing.T) {
	ctx := context.Background()
	prices := local.NewPriceCache(0)
	svc := NewPriceService(prices, local.NewBus(), []domain.Market{solUSDC}, testLogger())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.HandleTick(ctx, []byte(`{"pair":"sol/usdc","price":"142.5"}`)))
	px, at, err := prices.GetPrice(ctx, "SOL/USDC")
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.RequireFromString("142.5")))
	assert.Equal(t, now, at)

	stale := `{"pair":"SOL/USDC","price":"100","timestamp":"2026-05-01T11:00:00Z"}`
	require.NoError(t, svc.HandleTick(ctx, []byte(stale)))
	px, _, err = prices.GetPrice(ctx, "SOL/USDC")
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.RequireFromString("142.5")), "older tick ignored")

	err = svc.HandleTick(ctx, []byte(`{"pair":"ETH/USDC","price":"1"}`))
	assert.ErrorIs(t, err, domain.ErrUnknownMarket)
	assert.Error(t, svc.HandleTick(ctx, []byte(`{"pair":"SOL/USDC","price":"0"}`)))
	assert.Error(t, svc.HandleTick(ctx, []byte(`not json`)))
}

func TestPriceService_RunRelaysBus(t *testing.T) {
	bus := local.NewBus()
	prices := local.NewPriceCache(time.Minute)
	svc := NewPriceService(prices, bus, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_ = bus.Publish(ctx, domain.ChannelPrices, []byte(`{"pair":"SOL/USDC","price":"150"}`))
		_, ok, _ := prices.ReferencePrice(ctx, "SOL/USDC")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
