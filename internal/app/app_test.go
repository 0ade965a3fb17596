package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/cache/local"
	"github.com/alanyoungcy/veilbook/internal/config"
	"github.com/alanyoungcy/veilbook/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Wallet.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Ledger.RPCURL = "http://127.0.0.1:1"
	cfg.Ledger.ProgramAddress = "0x1111111111111111111111111111111111111111"
	cfg.Markets = []config.MarketConfig{{
		Pair:          "SOL/USDC",
		BaseMint:      "0x2222222222222222222222222222222222222222",
		QuoteMint:     "0x3333333333333333333333333333333333333333",
		BaseDecimals:  9,
		QuoteDecimals: 6,
	}}
	cfg.Cluster.PublicKey = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
	return &cfg
}

func TestWire_InProcessFallbacks(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", deps.Owner)
	assert.IsType(t, &memory.OrderStore{}, deps.OrderStore)
	assert.IsType(t, &local.Bus{}, deps.SignalBus)
	assert.IsType(t, &local.PriceCache{}, deps.Prices)
	assert.Nil(t, deps.Receipts)
	assert.Contains(t, deps.Health, "ledger")
	assert.NotContains(t, deps.Health, "postgres")
	assert.NotNil(t, deps.Sealer.EphemeralPublicKey(), "sealer initialized")

	_, err = deps.Markets.Market(context.Background(), "sol/usdc")
	assert.NoError(t, err)
}

func TestWire_BadWalletKey(t *testing.T) {
	cfg := testConfig()
	cfg.Wallet.PrivateKey = "0xnothex"

	_, _, err := Wire(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: wallet")
}

func TestRunPeriodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	var calls atomic.Int32
	runPeriodic(gctx, g, 5*time.Millisecond, func() { calls.Add(1) })
	runPeriodic(gctx, g, 0, func() { t.Error("disabled job ran") })

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, g.Wait())
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
}
