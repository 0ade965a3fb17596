package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/veilbook/internal/blob/s3"
	"github.com/alanyoungcy/veilbook/internal/cache/local"
	"github.com/alanyoungcy/veilbook/internal/cache/redis"
	"github.com/alanyoungcy/veilbook/internal/config"
	"github.com/alanyoungcy/veilbook/internal/crypto"
	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/metrics"
	"github.com/alanyoungcy/veilbook/internal/notify"
	"github.com/alanyoungcy/veilbook/internal/platform/ledger"
	"github.com/alanyoungcy/veilbook/internal/platform/prover"
	"github.com/alanyoungcy/veilbook/internal/server/handler"
	"github.com/alanyoungcy/veilbook/internal/service"
	"github.com/alanyoungcy/veilbook/internal/store/memory"
	"github.com/alanyoungcy/veilbook/internal/store/postgres"
	"github.com/alanyoungcy/veilbook/internal/tracker"
)

// priceStore is a reference price cache that also answers market-order
// sizing lookups.
type priceStore interface {
	domain.PriceCache
	domain.PriceSource
}

// Dependencies bundles everything the modes need. It is built by Wire and
// torn down by the cleanup function Wire returns.
type Dependencies struct {
	// Owner is the wallet address every order and position belongs to.
	Owner string

	// Stores
	OrderStore       domain.OrderStore
	PositionStore    domain.PositionStore
	EligibilityStore domain.EligibilityStore
	SagaStore        domain.SagaStore
	AuditStore       domain.AuditStore

	// Caches and messaging
	Orders      *local.OrderCache
	Positions   *local.PositionCache
	Prices      priceStore
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Blob storage, nil when S3 is disabled
	Receipts domain.BlobWriter

	// Collaborators
	Signer   *crypto.Signer
	Sealer   *crypto.Sealer
	Ledger   *ledger.Client
	Markets  *ledger.Registry
	Balances *ledger.BalanceReader
	Builder  *ledger.Builder
	Prover   *prover.Client
	Tracker  *tracker.Tracker

	// Services
	OrderService    *service.OrderService
	PositionService *service.PositionService
	PriceService    *service.PriceService
	Dedup           *service.Dedup

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Health   map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order. Postgres, Redis and S3 are optional; without them the
// in-process stores and caches are used.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Wallet ---
	keyHex, err := crypto.ResolveKey(crypto.KeySource{
		RawKey:   cfg.Wallet.PrivateKey,
		KeyFile:  cfg.Wallet.EncryptedKeyPath,
		Password: cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail("wire: wallet: %w", err)
	}
	maxFee, err := cfg.Ledger.MaxFeeWei()
	if err != nil {
		return fail("wire: %w", err)
	}
	deps.Signer, err = crypto.NewSigner(keyHex, cfg.Ledger.ChainID, maxFee)
	if err != nil {
		return fail("wire: signer: %w", err)
	}
	deps.Owner = deps.Signer.Address().Hex()

	// --- Encryption provider ---
	clusterKey, err := cfg.Cluster.PublicKeyBytes()
	if err != nil {
		return fail("wire: %w", err)
	}
	deps.Sealer, err = crypto.NewSealer(clusterKey, cfg.Cluster.Hybrid)
	if err != nil {
		return fail("wire: sealer: %w", err)
	}
	if err := deps.Sealer.Initialize(ctx); err != nil {
		return fail("wire: sealer init: %w", err)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.EligibilityStore = postgres.NewEligibilityStore(pool)
		deps.SagaStore = postgres.NewSagaStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
	} else {
		deps.OrderStore = memory.NewOrderStore()
		deps.PositionStore = memory.NewPositionStore()
		deps.EligibilityStore = memory.NewEligibilityStore()
		deps.SagaStore = memory.NewSagaStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	var guard service.Guard = service.NewLocalGuard()
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Prices = redis.NewPriceCache(redisClient, cfg.Prices.MaxAge.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		guard = service.NewLockGuard(redis.NewLockManager(redisClient), cfg.Redis.LockTTL.Duration)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.Prices = local.NewPriceCache(cfg.Prices.MaxAge.Duration)
		deps.RateLimiter = local.NewRateLimiter()
		deps.SignalBus = local.NewBus()
	}

	// --- S3 receipt archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Receipts = s3blob.NewWriter(s3Client)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Ledger ---
	client, eth, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, deps.Signer, ledger.Config{
		GasLimit:       cfg.Ledger.GasLimit,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout.Duration,
		PollInterval:   cfg.Ledger.PollInterval.Duration,
	}, logger)
	if err != nil {
		return fail("wire: ledger: %w", err)
	}
	closers = append(closers, eth.Close)
	deps.Ledger = client
	deps.Health["ledger"] = func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}

	markets := make([]domain.Market, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets = append(markets, m.Domain())
	}
	deps.Markets = ledger.NewRegistry(eth, markets)
	deps.Builder, err = ledger.NewBuilder(cfg.Ledger.ProgramAddress)
	if err != nil {
		return fail("wire: tx builder: %w", err)
	}
	deps.Balances, err = ledger.NewBalanceReader(eth, cfg.Ledger.ProgramAddress, cfg.Ledger.BalanceTTL.Duration)
	if err != nil {
		return fail("wire: balances: %w", err)
	}

	// --- Prover ---
	var hmac *crypto.HMACAuth
	if cfg.Prover.APIKey != "" {
		hmac = &crypto.HMACAuth{Key: cfg.Prover.APIKey, Secret: cfg.Prover.APISecret}
	}
	deps.Prover = prover.NewClient(cfg.Prover.URL, cfg.Prover.Timeout.Duration, deps.Signer, hmac)

	// --- Local caches ---
	deps.Orders = local.NewOrderCache(deps.OrderStore, logger)
	closers = append(closers, deps.Orders.Close)
	if err := deps.Orders.Load(ctx); err != nil {
		logger.WarnContext(ctx, "order cache load failed", slog.String("error", err.Error()))
	}
	deps.Positions = local.NewPositionCache(deps.PositionStore, logger)
	closers = append(closers, deps.Positions.Close)
	if err := deps.Positions.Load(ctx, deps.Owner); err != nil {
		logger.WarnContext(ctx, "position cache load failed", slog.String("error", err.Error()))
	}

	deps.Tracker = tracker.New(tracker.Config{
		CompareDuration: cfg.Cluster.CompareDuration.Duration,
		FillDuration:    cfg.Cluster.FillDuration.Duration,
	})

	// --- Metrics and notifications ---
	deps.Metrics = metrics.New()
	deps.Metrics.WatchComputations(deps.Tracker.Counts)
	owner := deps.Owner
	deps.Metrics.WatchOrders(func() domain.OrderCounts { return deps.Orders.Counts(owner) })

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Dedup = service.NewDedup(cfg.Orders.IdempotencyTTL.Duration)

	orderSvc := service.NewOrderService(service.OrderConfig{
		AutoWrap:      cfg.Orders.AutoWrap,
		FallbackDelay: cfg.Orders.FallbackDelay.Duration,
		ReceiptPrefix: cfg.Orders.ReceiptPrefix,
	}, deps.Markets, deps.Balances, deps.Prover, deps.Sealer, deps.Builder, deps.Ledger, deps.Orders, deps.Tracker, logger).
		WithPrices(deps.Prices).
		WithBus(deps.SignalBus).
		WithAudit(deps.AuditStore).
		WithMetrics(deps.Metrics).
		WithGuard(guard).
		WithDedup(deps.Dedup)
	if deps.Receipts != nil {
		orderSvc.WithReceipts(deps.Receipts)
	}
	if deps.Notifier.Enabled() {
		orderSvc.WithNotifier(deps.Notifier)
	}
	deps.OrderService = orderSvc

	positionSvc := service.NewPositionService(service.PositionConfig{
		MinLeverage:           cfg.Positions.MinLeverage,
		MaxLeverage:           cfg.Positions.MaxLeverage,
		MaintenanceMarginRate: cfg.Positions.MaintenanceMarginRate,
		FallbackDelay:         cfg.Positions.FallbackDelay.Duration,
	}, deps.Markets, deps.Prover, deps.Sealer, deps.Builder, deps.Ledger, deps.Positions,
		deps.EligibilityStore, deps.SagaStore, logger).
		WithBus(deps.SignalBus).
		WithAudit(deps.AuditStore).
		WithMetrics(deps.Metrics).
		WithGuard(guard)
	if deps.Notifier.Enabled() {
		positionSvc.WithNotifier(deps.Notifier)
	}
	deps.PositionService = positionSvc

	deps.PriceService = service.NewPriceService(deps.Prices, deps.SignalBus, markets, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("owner", deps.Owner),
		slog.Int("markets", len(markets)),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Duration("confirm_timeout", cfg.Ledger.ConfirmTimeout.Duration),
	)
	return deps, cleanup, nil
}

// healthTimeout bounds a single dependency probe at startup.
const healthTimeout = 5 * time.Second

// checkHealth probes every registered dependency once and logs the result.
// Failures are not fatal: the health endpoint keeps reporting them.
func checkHealth(ctx context.Context, deps *Dependencies, logger *slog.Logger) {
	for name, check := range deps.Health {
		probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := check(probeCtx)
		cancel()
		if err != nil {
			logger.WarnContext(ctx, "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.DebugContext(ctx, "dependency healthy", slog.String("dependency", name))
	}
}
