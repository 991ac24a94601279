package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Chain        ChainConfig        `mapstructure:"chain"`
	VaultData    VaultDataConfig    `mapstructure:"vaultdata"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Watcher      WatcherConfig      `mapstructure:"watcher"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type AuthConfig struct {
	// APIKey gates the user/session management endpoints.
	APIKey string `mapstructure:"api_key"`
	// CronSecret gates the cycle trigger endpoint. Compared constant-time.
	CronSecret string `mapstructure:"cron_secret"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// PriceFeed is the Chainlink aggregator for the settlement asset
	// (default: USDC/USD on Base).
	PriceFeed          string  `mapstructure:"price_feed"`
	PriceMaxAgeSeconds int     `mapstructure:"price_max_age_seconds"`
	PricePeg           float64 `mapstructure:"price_peg"`
	DepegTolerance     float64 `mapstructure:"depeg_tolerance"`
	OracleTimeoutMs    int     `mapstructure:"oracle_timeout_ms"`
	OracleRetries      int     `mapstructure:"oracle_retries"`
}

type VaultDataConfig struct {
	Endpoint  string  `mapstructure:"endpoint"`
	APIKey    string  `mapstructure:"api_key"`
	ChainID   int64   `mapstructure:"chain_id"`
	Asset     string  `mapstructure:"asset"`
	TimeoutMs int     `mapstructure:"timeout_ms"`
	QPS       float64 `mapstructure:"qps"`
	Burst     int     `mapstructure:"burst"`
}

type ExecutorConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type OrchestratorConfig struct {
	BatchSize      int     `mapstructure:"batch_size"`
	Concurrency    int     `mapstructure:"concurrency"`
	DryRun         bool    `mapstructure:"dry_run"`
	MinVaultTVL    float64 `mapstructure:"min_vault_tvl"`
	MaxRiskScore   int     `mapstructure:"max_risk_score"`
	DefaultMinGain float64 `mapstructure:"default_min_gain"`
	RebalanceCost  float64 `mapstructure:"rebalance_cost"`
	MaxHorizonDays int     `mapstructure:"max_horizon_days"`
	DailyOpCeiling int     `mapstructure:"daily_op_ceiling"`
	DailyOpReserve int     `mapstructure:"daily_op_reserve"`
	LockTTLSeconds int     `mapstructure:"lock_ttl_seconds"`
	FetchTimeoutMs int     `mapstructure:"fetch_timeout_ms"`
	LedgerQueryMax int     `mapstructure:"ledger_query_max"`
}

type SessionConfig struct {
	// DefaultTTLHours bounds freshly issued session authorizations.
	DefaultTTLHours int `mapstructure:"default_ttl_hours"`
	// MaxTTLHours caps caller-requested validity.
	MaxTTLHours int `mapstructure:"max_ttl_hours"`
	// SealIdentity is the age X25519 identity protecting credentials at
	// rest. Supply via VAULTPILOT_SESSION_SEAL_IDENTITY.
	SealIdentity string `mapstructure:"seal_identity"`
	// GasCeiling and RateWindowSeconds seed the on-chain policy params
	// attached to scoped sessions.
	GasCeiling        int64 `mapstructure:"gas_ceiling"`
	RateWindowSeconds int   `mapstructure:"rate_window_seconds"`
}

type WatcherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	WSURL   string `mapstructure:"ws_url"`
	// MinMoveBps is the net-APY move (basis points) that triggers a
	// targeted cycle for the vault that moved.
	MinMoveBps         int `mapstructure:"min_move_bps"`
	DebounceSeconds    int `mapstructure:"debounce_seconds"`
	PingPeriodSeconds  int `mapstructure:"ping_period_seconds"`
	ReconnectMaxDelayS int `mapstructure:"reconnect_max_delay_seconds"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. VAULTPILOT_AUTH_CRON_SECRET
	viper.SetEnvPrefix("vaultpilot")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("chain.price_feed", "0x7e860098F58bBFC8648a4311b374B1D669a2bc6B")
	viper.SetDefault("chain.price_max_age_seconds", 3600)
	viper.SetDefault("chain.price_peg", 1.0)
	viper.SetDefault("chain.depeg_tolerance", 0.005)
	viper.SetDefault("chain.oracle_timeout_ms", 5000)
	viper.SetDefault("chain.oracle_retries", 1)
	viper.SetDefault("vaultdata.chain_id", 8453)
	viper.SetDefault("vaultdata.asset", "USDC")
	viper.SetDefault("vaultdata.timeout_ms", 10000)
	viper.SetDefault("vaultdata.qps", 10)
	viper.SetDefault("vaultdata.burst", 20)
	viper.SetDefault("executor.timeout_ms", 30000)
	viper.SetDefault("orchestrator.batch_size", 50)
	viper.SetDefault("orchestrator.concurrency", 10)
	viper.SetDefault("orchestrator.dry_run", false)
	viper.SetDefault("orchestrator.min_vault_tvl", 100000)
	viper.SetDefault("orchestrator.max_risk_score", 2)
	viper.SetDefault("orchestrator.default_min_gain", 0.005)
	viper.SetDefault("orchestrator.rebalance_cost", 2.0)
	viper.SetDefault("orchestrator.max_horizon_days", 30)
	viper.SetDefault("orchestrator.daily_op_ceiling", 90)
	viper.SetDefault("orchestrator.daily_op_reserve", 3)
	viper.SetDefault("orchestrator.lock_ttl_seconds", 120)
	viper.SetDefault("orchestrator.fetch_timeout_ms", 10000)
	viper.SetDefault("orchestrator.ledger_query_max", 200)
	viper.SetDefault("session.default_ttl_hours", 168)
	viper.SetDefault("session.max_ttl_hours", 720)
	viper.SetDefault("session.gas_ceiling", 2000000)
	viper.SetDefault("session.rate_window_seconds", 86400)
	viper.SetDefault("watcher.enabled", false)
	viper.SetDefault("watcher.min_move_bps", 25)
	viper.SetDefault("watcher.debounce_seconds", 60)
	viper.SetDefault("watcher.ping_period_seconds", 15)
	viper.SetDefault("watcher.reconnect_max_delay_seconds", 30)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// OracleTimeout returns the configured oracle read timeout.
func (c *ChainConfig) OracleTimeout() time.Duration {
	if c.OracleTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.OracleTimeoutMs) * time.Millisecond
}

// PriceMaxAge returns the staleness threshold for the price feed.
func (c *ChainConfig) PriceMaxAge() time.Duration {
	if c.PriceMaxAgeSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.PriceMaxAgeSeconds) * time.Second
}

// LockTTL returns the per-user lock expiry. It must exceed the longest
// plausible pipeline run so a crashed worker cannot strand a user, while
// still clearing fast enough for the next scheduled cycle.
func (c *OrchestratorConfig) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// FetchTimeout bounds a single vault-data fetch inside the pipeline.
func (c *OrchestratorConfig) FetchTimeout() time.Duration {
	if c.FetchTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}
