package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterKey = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"

const sampleTOML = `
mode = "serve"
log_level = "debug"

[wallet]
private_key = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

[ledger]
rpc_url = "http://node:8545"
chain_id = 8453
program_address = "0x1111111111111111111111111111111111111111"
max_fee = "0.01"
confirm_timeout = "45s"

[[markets]]
pair = "SOL/USDC"
base_mint = "0x2222222222222222222222222222222222222222"
quote_mint = "0x3333333333333333333333333333333333333333"
base_decimals = 9
quote_decimals = 6
address = "0x4444444444444444444444444444444444444444"

[prover]
url = "http://prover:8081"

[cluster]
public_key = "` + clusterKey + `"

[positions]
max_leverage = 10
maintenance_margin_rate = "0.04"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veilbook.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Ledger.ProgramAddress = "0x1111111111111111111111111111111111111111"
	cfg.Markets = []MarketConfig{{
		Pair:          "SOL/USDC",
		BaseMint:      "0x2222222222222222222222222222222222222222",
		QuoteMint:     "0x3333333333333333333333333333333333333333",
		BaseDecimals:  9,
		QuoteDecimals: 6,
	}}
	cfg.Cluster.PublicKey = clusterKey
	return cfg
}

func TestLoad_MergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(8453), cfg.Ledger.ChainID)
	assert.Equal(t, 45*time.Second, cfg.Ledger.ConfirmTimeout.Duration)
	assert.Equal(t, uint64(500_000), cfg.Ledger.GasLimit, "default survives")
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, int32(9), cfg.Markets[0].Domain().BaseDecimals)
	assert.Equal(t, 10, cfg.Positions.MaxLeverage)
	assert.Equal(t, "0.04", cfg.Positions.MaintenanceMarginRate.String())
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VEILBOOK_SERVER_PORT", "9100")
	t.Setenv("VEILBOOK_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("VEILBOOK_PROVER_API_KEY", "k")
	t.Setenv("VEILBOOK_PROVER_API_SECRET", "s")
	t.Setenv("VEILBOOK_LEDGER_GAS_LIMIT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "k", cfg.Prover.APIKey)
	assert.Equal(t, uint64(500_000), cfg.Ledger.GasLimit, "unparsable values are ignored")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleTOML+"\n[ledger_typo]\nrpc = \"x\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger_typo")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Positions.MinLeverage = 5
	cfg.Positions.MaxLeverage = 2

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		"wallet: either private_key or encrypted_key_path",
		"program_address",
		"at least one market",
		"cluster: public_key",
		"leverage range 5-2",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_Markets(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	dup := cfg.Markets[0]
	dup.Pair = "sol/usdc"
	cfg.Markets = append(cfg.Markets, dup)
	cfg.Markets[0].Address = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate pair "sol/usdc"`)
	assert.Contains(t, err.Error(), "markets[0]: address is not an address")
}

func TestValidate_ProverCredentialsPaired(t *testing.T) {
	cfg := validConfig()
	cfg.Prover.APIKey = "only-key"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key and api_secret")
}

func TestLedgerConfig_MaxFeeWei(t *testing.T) {
	wei, err := LedgerConfig{MaxFee: "0.01"}.MaxFeeWei()
	require.NoError(t, err)
	assert.Equal(t, 0, wei.Cmp(big.NewInt(10_000_000_000_000_000)))

	wei, err = LedgerConfig{}.MaxFeeWei()
	require.NoError(t, err)
	assert.Nil(t, wei)

	_, err = LedgerConfig{MaxFee: "-1"}.MaxFeeWei()
	assert.Error(t, err)
	_, err = LedgerConfig{MaxFee: "lots"}.MaxFeeWei()
	assert.Error(t, err)
}

func TestClusterConfig_PublicKeyBytes(t *testing.T) {
	key, err := ClusterConfig{PublicKey: "0x" + clusterKey}.PublicKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = ClusterConfig{PublicKey: clusterKey[:10]}.PublicKeyBytes()
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Prover.APISecret = "hmac-secret"
	cfg.Server.APIKey = "api"
	cfg.Postgres.Password = ""

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Wallet.PrivateKey)
	assert.Equal(t, redacted, out.Prover.APISecret)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Empty(t, out.Postgres.Password, "empty secrets stay empty")
	assert.Equal(t, "0xabc", cfg.Wallet.PrivateKey, "original untouched")

	out.Markets[0].Pair = "X/Y"
	assert.Equal(t, "SOL/USDC", cfg.Markets[0].Pair)
	assert.False(t, strings.Contains(out.Notify.DiscordWebhookURL, "http"))
}
