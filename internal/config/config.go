// Package config defines the veilbook configuration, its defaults and
// validation.
package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VEILBOOK_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Markets   []MarketConfig  `toml:"markets"`
	Prover    ProverConfig    `toml:"prover"`
	Cluster   ClusterConfig   `toml:"cluster"`
	Orders    OrdersConfig    `toml:"orders"`
	Positions PositionsConfig `toml:"positions"`
	Prices    PricesConfig    `toml:"prices"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig says where the signing key comes from. PrivateKey wins over
// EncryptedKeyPath.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig holds the custody ledger RPC endpoint and transaction limits.
type LedgerConfig struct {
	RPCURL         string `toml:"rpc_url"`
	ChainID        int64  `toml:"chain_id"`
	ProgramAddress string `toml:"program_address"`
	GasLimit       uint64 `toml:"gas_limit"`
	// MaxFee is the most a single transaction may cost, in native units
	// ("0.05"). Empty disables the cap.
	MaxFee         string   `toml:"max_fee"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	PollInterval   duration `toml:"poll_interval"`
	BalanceTTL     duration `toml:"balance_ttl"`
}

// MaxFeeWei converts MaxFee to wei. It returns nil when no cap is set.
func (l LedgerConfig) MaxFeeWei() (*big.Int, error) {
	if strings.TrimSpace(l.MaxFee) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(l.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("ledger: max_fee: %w", err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("ledger: max_fee must be positive")
	}
	return d.Shift(18).Floor().BigInt(), nil
}

// MarketConfig describes one tradable pair.
type MarketConfig struct {
	Pair          string `toml:"pair"`
	BaseMint      string `toml:"base_mint"`
	QuoteMint     string `toml:"quote_mint"`
	BaseDecimals  int32  `toml:"base_decimals"`
	QuoteDecimals int32  `toml:"quote_decimals"`
	Address       string `toml:"address"`
	PerpAddress   string `toml:"perp_address"`
}

// Domain converts the entry to a domain.Market.
func (m MarketConfig) Domain() domain.Market {
	return domain.Market{
		Pair:          m.Pair,
		BaseMint:      m.BaseMint,
		QuoteMint:     m.QuoteMint,
		BaseDecimals:  m.BaseDecimals,
		QuoteDecimals: m.QuoteDecimals,
		Address:       m.Address,
		PerpAddress:   m.PerpAddress,
	}
}

// ProverConfig holds the eligibility prover endpoint and its HMAC credentials.
type ProverConfig struct {
	URL       string   `toml:"url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
}

// ClusterConfig holds the matching cluster's result feed and encryption key,
// and the nominal computation latencies used for display estimates.
type ClusterConfig struct {
	WSURL string `toml:"ws_url"`
	// PublicKey is the cluster's X25519 key, hex encoded.
	PublicKey string `toml:"public_key"`
	// Hybrid prefixes ciphertexts with a plaintext hint. Only deployments that
	// still read hybrid collateral fields need it.
	Hybrid          bool     `toml:"hybrid"`
	CompareDuration duration `toml:"compare_duration"`
	FillDuration    duration `toml:"fill_duration"`
	PruneAfter      duration `toml:"prune_after"`
	PruneInterval   duration `toml:"prune_interval"`
}

// PublicKeyBytes decodes PublicKey.
func (c ClusterConfig) PublicKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(c.PublicKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("cluster: public_key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cluster: public_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// OrdersConfig tunes the order pipeline.
type OrdersConfig struct {
	AutoWrap       bool     `toml:"auto_wrap"`
	FallbackDelay  duration `toml:"fallback_delay"`
	ReceiptPrefix  string   `toml:"receipt_prefix"`
	IdempotencyTTL duration `toml:"idempotency_ttl"`
}

// PositionsConfig tunes the position pipeline.
type PositionsConfig struct {
	MinLeverage           int             `toml:"min_leverage"`
	MaxLeverage           int             `toml:"max_leverage"`
	MaintenanceMarginRate decimal.Decimal `toml:"maintenance_margin_rate"`
	FallbackDelay         duration        `toml:"fallback_delay"`
	ResumeOnStart         bool            `toml:"resume_on_start"`
}

// PricesConfig bounds how old a reference price may be before market buys
// refuse to size against it.
type PricesConfig struct {
	MaxAge duration `toml:"max_age"`
}

// PostgresConfig holds the optional durable store.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Without Redis the bus,
// price cache, limiter and submission guard run in-process.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds the receipt archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	APIKey       string   `toml:"api_key"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	WriteTimeout duration `toml:"write_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        31337,
			GasLimit:       500_000,
			ConfirmTimeout: duration{90 * time.Second},
			PollInterval:   duration{2 * time.Second},
			BalanceTTL:     duration{5 * time.Second},
		},
		Prover: ProverConfig{
			URL:     "http://localhost:8081",
			Timeout: duration{60 * time.Second},
		},
		Cluster: ClusterConfig{
			WSURL:           "ws://localhost:8082/v1/results",
			CompareDuration: duration{15 * time.Second},
			FillDuration:    duration{30 * time.Second},
			PruneAfter:      duration{time.Hour},
			PruneInterval:   duration{5 * time.Minute},
		},
		Orders: OrdersConfig{
			AutoWrap:       true,
			FallbackDelay:  duration{1500 * time.Millisecond},
			ReceiptPrefix:  "receipts",
			IdempotencyTTL: duration{10 * time.Minute},
		},
		Positions: PositionsConfig{
			MinLeverage:           1,
			MaxLeverage:           20,
			MaintenanceMarginRate: decimal.RequireFromString("0.05"),
			FallbackDelay:         duration{1500 * time.Millisecond},
			ResumeOnStart:         true,
		},
		Prices: PricesConfig{
			MaxAge: duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "veilbook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "veilbook",
			LockTTL:    duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "veilbook-receipts",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:    30,
			RateWindow:   duration{time.Minute},
			WriteTimeout: duration{3 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"order_placed", "position_opened"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"watch": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, watch)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Ledger.ProgramAddress) {
		errs = append(errs, fmt.Sprintf("ledger: program_address %q is not an address", c.Ledger.ProgramAddress))
	}
	if _, err := c.Ledger.MaxFeeWei(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Ledger.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "ledger: confirm_timeout must be positive")
	}

	if len(c.Markets) == 0 {
		errs = append(errs, "markets: at least one market must be configured")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		where := fmt.Sprintf("markets[%d]", i)
		if m.Pair == "" {
			errs = append(errs, where+": pair must not be empty")
		} else if seen[strings.ToUpper(m.Pair)] {
			errs = append(errs, fmt.Sprintf("%s: duplicate pair %q", where, m.Pair))
		}
		seen[strings.ToUpper(m.Pair)] = true
		if !common.IsHexAddress(m.BaseMint) || !common.IsHexAddress(m.QuoteMint) {
			errs = append(errs, where+": base_mint and quote_mint must be addresses")
		}
		if m.BaseDecimals < 0 || m.BaseDecimals > 18 || m.QuoteDecimals < 0 || m.QuoteDecimals > 18 {
			errs = append(errs, where+": decimals must be 0-18")
		}
		// An empty address marks a market that is not deployed yet.
		if m.Address != "" && !common.IsHexAddress(m.Address) {
			errs = append(errs, where+": address is not an address")
		}
		if m.PerpAddress != "" && !common.IsHexAddress(m.PerpAddress) {
			errs = append(errs, where+": perp_address is not an address")
		}
	}

	if c.Prover.URL == "" {
		errs = append(errs, "prover: url must not be empty")
	}
	if (c.Prover.APIKey == "") != (c.Prover.APISecret == "") {
		errs = append(errs, "prover: api_key and api_secret must be set together")
	}

	if _, err := c.Cluster.PublicKeyBytes(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Cluster.WSURL == "" {
		errs = append(errs, "cluster: ws_url must not be empty")
	}

	if c.Positions.MinLeverage < 1 || c.Positions.MaxLeverage < c.Positions.MinLeverage {
		errs = append(errs, fmt.Sprintf("positions: leverage range %d-%d is invalid", c.Positions.MinLeverage, c.Positions.MaxLeverage))
	}
	if c.Positions.MaxLeverage > 65535 {
		errs = append(errs, "positions: max_leverage must fit in 16 bits")
	}
	if c.Positions.MaintenanceMarginRate.IsNegative() || c.Positions.MaintenanceMarginRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "positions: maintenance_margin_rate must be in [0, 1)")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
