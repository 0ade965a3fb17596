package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VEILBOOK_* environment variable overrides, and
// returns the final Config. The caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VEILBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// are meant to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "VEILBOOK_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "VEILBOOK_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "VEILBOOK_WALLET_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "VEILBOOK_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "VEILBOOK_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.ProgramAddress, "VEILBOOK_LEDGER_PROGRAM_ADDRESS")
	setUint64(&cfg.Ledger.GasLimit, "VEILBOOK_LEDGER_GAS_LIMIT")
	setStr(&cfg.Ledger.MaxFee, "VEILBOOK_LEDGER_MAX_FEE")
	setDuration(&cfg.Ledger.ConfirmTimeout, "VEILBOOK_LEDGER_CONFIRM_TIMEOUT")

	// ── Prover ──
	setStr(&cfg.Prover.URL, "VEILBOOK_PROVER_URL")
	setStr(&cfg.Prover.APIKey, "VEILBOOK_PROVER_API_KEY")
	setStr(&cfg.Prover.APISecret, "VEILBOOK_PROVER_API_SECRET")
	setDuration(&cfg.Prover.Timeout, "VEILBOOK_PROVER_TIMEOUT")

	// ── Cluster ──
	setStr(&cfg.Cluster.WSURL, "VEILBOOK_CLUSTER_WS_URL")
	setStr(&cfg.Cluster.PublicKey, "VEILBOOK_CLUSTER_PUBLIC_KEY")
	setBool(&cfg.Cluster.Hybrid, "VEILBOOK_CLUSTER_HYBRID")

	// ── Orders / Positions ──
	setBool(&cfg.Orders.AutoWrap, "VEILBOOK_ORDERS_AUTO_WRAP")
	setInt(&cfg.Positions.MaxLeverage, "VEILBOOK_POSITIONS_MAX_LEVERAGE")
	setDecimal(&cfg.Positions.MaintenanceMarginRate, "VEILBOOK_POSITIONS_MAINTENANCE_MARGIN_RATE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VEILBOOK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VEILBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "VEILBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VEILBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VEILBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VEILBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VEILBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VEILBOOK_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "VEILBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VEILBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VEILBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VEILBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VEILBOOK_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "VEILBOOK_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "VEILBOOK_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VEILBOOK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VEILBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VEILBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "VEILBOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VEILBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VEILBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VEILBOOK_S3_USE_SSL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VEILBOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VEILBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VEILBOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VEILBOOK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "VEILBOOK_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VEILBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VEILBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VEILBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VEILBOOK_NOTIFY_EVENTS")

	// ── General ──
	setStr(&cfg.Mode, "VEILBOOK_MODE")
	setStr(&cfg.LogLevel, "VEILBOOK_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
