// Package config loads and hot-reloads the engine's YAML configuration.
// Secrets are never stored in the file directly — each section names the
// environment variable that holds the actual value, the same
// PrivateKeyEnv-style indirection the teacher used for its wallet key.
package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds every tunable the engine reads at startup or on reload.
type Config struct {
	Chain    ChainConfig    `mapstructure:"chain"`
	Custody  CustodyConfig  `mapstructure:"custody"`
	AMM      AMMConfig      `mapstructure:"amm"`
	Store    StoreConfig    `mapstructure:"store"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Platform PlatformConfig `mapstructure:"platform"`
	Flywheel FlywheelConfig `mapstructure:"flywheel"`
	Claim    ClaimConfig    `mapstructure:"claim"`
	Deposit  DepositConfig  `mapstructure:"deposit"`
	Reactive ReactiveConfig `mapstructure:"reactive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ChainConfig addresses the RPC node.
type ChainConfig struct {
	RPCURL      string `mapstructure:"rpc_url"`
	FallbackURL string `mapstructure:"fallback_url"`
	APIKeyEnv   string `mapstructure:"api_key_env"`
}

// CustodyConfig addresses the delegated signing service.
type CustodyConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	TokenEnv string `mapstructure:"token_env"`
}

// AMMConfig addresses the bonding-curve/AMM service.
type AMMConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKeysEnv string `mapstructure:"api_keys_env"` // comma-separated key list
}

// StoreConfig addresses the SQLite persistence layer.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// WebhookConfig addresses the swap-ingest HTTP listener.
type WebhookConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	SharedSecretEnv string `mapstructure:"shared_secret_env"`
	BearerTokenEnv  string `mapstructure:"bearer_token_env"`
}

// AdminConfig addresses the Admin Control HTTP listener.
type AdminConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	VerifyPubkey string `mapstructure:"verify_pubkey"`
}

// PlatformConfig drives the platform's own self-signed token loop.
type PlatformConfig struct {
	TokenMint        string  `mapstructure:"token_mint"`
	DevPrivateKeyEnv string  `mapstructure:"dev_private_key_env"`
	OpsPrivateKeyEnv string  `mapstructure:"ops_private_key_env"`
	TickIntervalSec  int     `mapstructure:"tick_interval_sec"`
	ClaimIntervalMin int     `mapstructure:"claim_interval_min"`
	ReserveSOL       float64 `mapstructure:"reserve_sol"`
	MinBuySOL        float64 `mapstructure:"min_buy_sol"`
	MaxBuySOL        float64 `mapstructure:"max_buy_sol"`
	SlippageBps      int     `mapstructure:"slippage_bps"`
}

// FlywheelConfig sources the per-tick buy/sell scheduler's cadence.
type FlywheelConfig struct {
	IntervalMin         int     `mapstructure:"interval_min"`
	MaxTradesPerMinute  int     `mapstructure:"max_trades_per_minute"`
	InterTokenDelayMs   int     `mapstructure:"inter_token_delay_ms"`
	DevWalletMinReserve float64 `mapstructure:"dev_wallet_min_reserve_sol"`
	MinFeeThresholdSOL  float64 `mapstructure:"min_fee_threshold_sol"`
	PlatformFeePercent  float64 `mapstructure:"platform_fee_percent"`
	SmartModeCooldownMs int     `mapstructure:"smart_mode_cooldown_ms"`
	BuysPerCycle        int     `mapstructure:"buys_per_cycle"`
	SellsPerCycle       int     `mapstructure:"sells_per_cycle"`
}

// ClaimConfig sources the fast/slow fee-claim cadences.
type ClaimConfig struct {
	FastIntervalSec    int     `mapstructure:"fast_interval_sec"`
	FastThresholdSOL   float64 `mapstructure:"fast_threshold_sol"`
	SlowIntervalMin    int     `mapstructure:"slow_interval_min"`
	SlowMaxTokens      int     `mapstructure:"slow_max_tokens"`
	ReserveSOL         float64 `mapstructure:"reserve_sol"`
	PlatformFeePercent float64 `mapstructure:"platform_fee_percent"`
}

// DepositConfig sources the deposit-triggered launch watcher.
type DepositConfig struct {
	PollIntervalSec  int     `mapstructure:"poll_interval_sec"`
	MaxLaunchRetries int     `mapstructure:"max_launch_retries"`
	ExpiryHours      int     `mapstructure:"launch_expiry_hours"`
	RentReserveSOL   float64 `mapstructure:"rent_reserve_sol"`
}

// ReactiveConfig sources the reactive-cache refresh cadence.
type ReactiveConfig struct {
	CacheTTLSec int `mapstructure:"cache_ttl_sec"`
}

// NotifyConfig addresses the launch/refund/claim chat-notification webhook.
// An unset WebhookURLEnv (or an env var that resolves empty) means no
// webhook is configured, and the engine falls back to a no-op Notifier.
type NotifyConfig struct {
	WebhookURLEnv string `mapstructure:"webhook_url_env"`
}

// Manager loads Config from YAML and hot-reloads it via fsnotify,
// mirroring the teacher's viper.Viper-backed Manager.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads configPath and starts watching it for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("chain.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("chain.api_key_env", "CHAIN_RPC_API_KEY")
	v.SetDefault("custody.token_env", "CUSTODY_TOKEN")
	v.SetDefault("amm.api_keys_env", "AMM_API_KEYS")
	v.SetDefault("store.sqlite_path", "./data/engine.db")
	v.SetDefault("webhook.host", "0.0.0.0")
	v.SetDefault("webhook.port", 8081)
	v.SetDefault("webhook.shared_secret_env", "WEBHOOK_SHARED_SECRET")
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 8082)
	v.SetDefault("platform.dev_private_key_env", "PLATFORM_DEV_PRIVATE_KEY")
	v.SetDefault("platform.ops_private_key_env", "PLATFORM_OPS_PRIVATE_KEY")
	v.SetDefault("platform.tick_interval_sec", 60)
	v.SetDefault("platform.claim_interval_min", 60)
	v.SetDefault("platform.reserve_sol", 0.01)
	v.SetDefault("platform.min_buy_sol", 0.02)
	v.SetDefault("platform.max_buy_sol", 0.1)
	v.SetDefault("platform.slippage_bps", 300)
	v.SetDefault("flywheel.interval_min", 1)
	v.SetDefault("flywheel.max_trades_per_minute", 30)
	v.SetDefault("flywheel.inter_token_delay_ms", 500)
	v.SetDefault("flywheel.dev_wallet_min_reserve_sol", 0.01)
	v.SetDefault("flywheel.min_fee_threshold_sol", 0.01)
	v.SetDefault("flywheel.platform_fee_percent", 10)
	v.SetDefault("flywheel.smart_mode_cooldown_ms", 300000)
	v.SetDefault("flywheel.buys_per_cycle", 5)
	v.SetDefault("flywheel.sells_per_cycle", 5)
	v.SetDefault("claim.fast_interval_sec", 30)
	v.SetDefault("claim.fast_threshold_sol", 0.15)
	v.SetDefault("claim.slow_interval_min", 60)
	v.SetDefault("claim.slow_max_tokens", 100)
	v.SetDefault("claim.reserve_sol", 0.01)
	v.SetDefault("claim.platform_fee_percent", 10)
	v.SetDefault("deposit.poll_interval_sec", 30)
	v.SetDefault("deposit.max_launch_retries", 3)
	v.SetDefault("deposit.launch_expiry_hours", 24)
	v.SetDefault("deposit.rent_reserve_sol", 0.001)
	v.SetDefault("reactive.cache_ttl_sec", 60)
	v.SetDefault("notify.webhook_url_env", "NOTIFY_WEBHOOK_URL")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback invoked after every successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update mutates the in-memory config's mutable tunables (trade budgets,
// intervals, thresholds) and persists them to the config file. Admin
// Control's restart_scheduler and update_limits do not call it.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.config)

	m.viper.Set("flywheel.interval_min", m.config.Flywheel.IntervalMin)
	m.viper.Set("flywheel.max_trades_per_minute", m.config.Flywheel.MaxTradesPerMinute)
	m.viper.Set("claim.fast_interval_sec", m.config.Claim.FastIntervalSec)
	m.viper.Set("claim.fast_threshold_sol", m.config.Claim.FastThresholdSOL)
	m.viper.Set("claim.slow_interval_min", m.config.Claim.SlowIntervalMin)
	m.viper.Set("claim.slow_max_tokens", m.config.Claim.SlowMaxTokens)
	m.viper.Set("platform.tick_interval_sec", m.config.Platform.TickIntervalSec)
	m.viper.Set("platform.claim_interval_min", m.config.Platform.ClaimIntervalMin)

	if err := m.viper.WriteConfig(); err != nil {
		return err
	}
	if m.onChange != nil {
		m.onChange(m.config)
	}
	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetChainAPIKey reads the RPC API key from the configured env var.
func (m *Manager) GetChainAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Chain.APIKeyEnv)
}

// GetCustodyToken reads the custody bearer token from its configured env var.
func (m *Manager) GetCustodyToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Custody.TokenEnv)
}

// GetAMMAPIKeys reads and splits the comma-separated AMM API key list.
func (m *Manager) GetAMMAPIKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw := os.Getenv(m.config.AMM.APIKeysEnv)
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// GetWebhookSharedSecret reads the webhook shared secret from its env var.
func (m *Manager) GetWebhookSharedSecret() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Webhook.SharedSecretEnv)
}

// GetWebhookBearerToken reads the webhook bearer token from its env var.
func (m *Manager) GetWebhookBearerToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Webhook.BearerTokenEnv)
}

// GetNotifyWebhookURL reads the chat-notification webhook URL from its env
// var. An empty result means no webhook is configured.
func (m *Manager) GetNotifyWebhookURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Notify.WebhookURLEnv)
}

// adminVerifyPubkeyEnv is the env var SPEC_FULL.md names directly (not a
// pointer to another var name, unlike the *Env fields above) since an admin
// verification key isn't a secret that needs indirection — it's fine for it
// to also be set in the YAML file for local/dev use.
const adminVerifyPubkeyEnv = "ADMIN_VERIFY_PUBKEY"

// GetAdminVerifyPubkey returns the base58 ed25519 public key Admin Control
// mutations must be signed by. The env var takes precedence over the YAML
// field so a deployment can rotate the key without touching the config file.
func (m *Manager) GetAdminVerifyPubkey() string {
	if v := os.Getenv(adminVerifyPubkeyEnv); v != "" {
		return v
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Admin.VerifyPubkey
}

// GetPlatformDevPrivateKey reads the platform token's dev wallet seed.
func (m *Manager) GetPlatformDevPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Platform.DevPrivateKeyEnv)
}

// GetPlatformOpsPrivateKey reads the platform token's ops wallet seed.
func (m *Manager) GetPlatformOpsPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Platform.OpsPrivateKeyEnv)
}

// FlywheelTickInterval returns the flywheel scheduler's tick cadence.
func (m *Manager) FlywheelTickInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Flywheel.IntervalMin) * time.Minute
}
