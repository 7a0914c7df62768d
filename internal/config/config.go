package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModeSimulation = "simulation"
	ModeLive       = "live"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Mode       string           `mapstructure:"mode"`
	Tokens     []string         `mapstructure:"tokens"`
	Exchanges  ExchangesConfig  `mapstructure:"exchanges"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Funding    FundingConfig    `mapstructure:"funding"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Journal    JournalConfig    `mapstructure:"journal"`
}

type AppConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type ExchangesConfig struct {
	Extended    ExtendedConfig    `mapstructure:"extended"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
}

type ExtendedConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	APIKey          string        `mapstructure:"api_key"`
	StarkPublicKey  string        `mapstructure:"stark_public_key"`
	StarkPrivateKey string        `mapstructure:"stark_private_key"`
	Vault           string        `mapstructure:"vault"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Slippage        float64       `mapstructure:"slippage"`
	FundingPeriod   time.Duration `mapstructure:"funding_period"`
}

type HyperliquidConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	WalletAddress string        `mapstructure:"wallet_address"`
	PrivateKey    string        `mapstructure:"private_key"`
	Slippage      float64       `mapstructure:"slippage"`
	FundingPeriod time.Duration `mapstructure:"funding_period"`
}

// StrategyConfig holds the randomized-parameter ranges and bias curve.
type StrategyConfig struct {
	ConcurrentTokens  bool          `mapstructure:"concurrent_tokens"`
	LeverageMin       int           `mapstructure:"leverage_min"`
	LeverageMax       int           `mapstructure:"leverage_max"`
	EquityFractionMin float64       `mapstructure:"equity_fraction_min"`
	EquityFractionMax float64       `mapstructure:"equity_fraction_max"`
	HoldMin           time.Duration `mapstructure:"hold_min"`
	HoldMax           time.Duration `mapstructure:"hold_max"`
	CooldownMin       time.Duration `mapstructure:"cooldown_min"`
	CooldownMax       time.Duration `mapstructure:"cooldown_max"`
	BiasLowThreshold  float64       `mapstructure:"bias_low_threshold"`
	BiasHighThreshold float64       `mapstructure:"bias_high_threshold"`
	BiasLowWeight     float64       `mapstructure:"bias_low_weight"`
	BiasMidWeight     float64       `mapstructure:"bias_mid_weight"`
	BiasHighWeight    float64       `mapstructure:"bias_high_weight"`
	BiasCap           float64       `mapstructure:"bias_cap"`
	SafetyBuffer      float64       `mapstructure:"safety_buffer"`
	FeeRate           float64       `mapstructure:"fee_rate"`
	FundingInterval   time.Duration `mapstructure:"funding_interval"`
	RetryAfterFailure time.Duration `mapstructure:"retry_after_failure"`
}

type FundingConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxAbsRate float64       `mapstructure:"max_abs_rate"`
}

type RiskConfig struct {
	MarginBufferPct           float64       `mapstructure:"margin_buffer_pct"`
	MinLiquidationDistancePct float64       `mapstructure:"min_liquidation_distance_pct"`
	MaintenanceMarginRate     float64       `mapstructure:"maintenance_margin_rate"`
	BalanceMaxAge             time.Duration `mapstructure:"balance_max_age"`
	MinBalance                float64       `mapstructure:"min_balance"`
	MaxPositionValue          float64       `mapstructure:"max_position_value"`
	MaxLeverage               int           `mapstructure:"max_leverage"`
}

type ExecutionConfig struct {
	LegTimeout            time.Duration `mapstructure:"leg_timeout"`
	SizeTolerance         float64       `mapstructure:"size_tolerance"`
	RollbackAttempts      int           `mapstructure:"rollback_attempts"`
	RollbackBaseDelay     time.Duration `mapstructure:"rollback_base_delay"`
	RollbackMaxDelay      time.Duration `mapstructure:"rollback_max_delay"`
	ExposureCheckInterval time.Duration `mapstructure:"exposure_check_interval"`
}

type SafetyConfig struct {
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	AutoFlatten            bool          `mapstructure:"auto_flatten"`
	ShutdownCloseTimeout   time.Duration `mapstructure:"shutdown_close_timeout"`
}

// SimulationConfig seeds the paper venues.
type SimulationConfig struct {
	Balance      float64            `mapstructure:"balance"`
	FundingRates map[string]float64 `mapstructure:"funding_rates"`
	Prices       map[string]float64 `mapstructure:"prices"`
	FundingDrift float64            `mapstructure:"funding_drift"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// SupportedTokens is the closed set of tradable tokens.
var SupportedTokens = []string{"BTC", "ETH", "SOL", "HYPE"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")
	v.SetDefault("app.metrics_port", 9102)
	v.SetDefault("mode", ModeSimulation)
	v.SetDefault("tokens", SupportedTokens)

	v.SetDefault("exchanges.extended.base_url", "https://api.starknet.extended.exchange")
	v.SetDefault("exchanges.extended.ws_url", "wss://api.starknet.extended.exchange/stream.extended.exchange/v1")
	v.SetDefault("exchanges.extended.timeout", 30*time.Second)
	v.SetDefault("exchanges.extended.slippage", 0.01)
	v.SetDefault("exchanges.extended.funding_period", time.Hour)
	// credentials need a registered key for AutomaticEnv to reach them in Unmarshal
	for _, k := range []string{"api_key", "stark_public_key", "stark_private_key", "vault"} {
		v.SetDefault("exchanges.extended."+k, "")
	}
	v.SetDefault("exchanges.hyperliquid.wallet_address", "")
	v.SetDefault("exchanges.hyperliquid.private_key", "")
	v.SetDefault("exchanges.hyperliquid.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("exchanges.hyperliquid.slippage", 0.01)
	v.SetDefault("exchanges.hyperliquid.funding_period", time.Hour)

	v.SetDefault("strategy.concurrent_tokens", true)
	v.SetDefault("strategy.leverage_min", 10)
	v.SetDefault("strategy.leverage_max", 20)
	v.SetDefault("strategy.equity_fraction_min", 0.40)
	v.SetDefault("strategy.equity_fraction_max", 0.80)
	v.SetDefault("strategy.hold_min", 20*time.Minute)
	v.SetDefault("strategy.hold_max", 120*time.Minute)
	v.SetDefault("strategy.cooldown_min", 10*time.Minute)
	v.SetDefault("strategy.cooldown_max", 60*time.Minute)
	v.SetDefault("strategy.bias_low_threshold", 0.00001)
	v.SetDefault("strategy.bias_high_threshold", 0.0001)
	v.SetDefault("strategy.bias_low_weight", 0.50)
	v.SetDefault("strategy.bias_mid_weight", 0.60)
	v.SetDefault("strategy.bias_high_weight", 0.75)
	v.SetDefault("strategy.bias_cap", 0.90)
	v.SetDefault("strategy.safety_buffer", 1.0)
	v.SetDefault("strategy.fee_rate", 0.0005)
	v.SetDefault("strategy.funding_interval", 8*time.Hour)
	v.SetDefault("strategy.retry_after_failure", time.Minute)

	v.SetDefault("funding.timeout", 5*time.Second)
	v.SetDefault("funding.max_abs_rate", 0.01)

	v.SetDefault("risk.margin_buffer_pct", 0.20)
	v.SetDefault("risk.min_liquidation_distance_pct", 0.03)
	v.SetDefault("risk.maintenance_margin_rate", 0.005)
	v.SetDefault("risk.balance_max_age", 30*time.Second)
	v.SetDefault("risk.min_balance", 25.0)
	v.SetDefault("risk.max_position_value", 100000.0)
	v.SetDefault("risk.max_leverage", 20)

	v.SetDefault("execution.leg_timeout", 60*time.Second)
	v.SetDefault("execution.size_tolerance", 0.01)
	v.SetDefault("execution.rollback_attempts", 5)
	v.SetDefault("execution.rollback_base_delay", 500*time.Millisecond)
	v.SetDefault("execution.rollback_max_delay", 10*time.Second)
	v.SetDefault("execution.exposure_check_interval", 30*time.Second)

	v.SetDefault("safety.reconcile_interval", 30*time.Second)
	v.SetDefault("safety.max_consecutive_failures", 3)
	v.SetDefault("safety.auto_flatten", true)
	v.SetDefault("safety.shutdown_close_timeout", 90*time.Second)

	v.SetDefault("simulation.balance", 10000.0)
	v.SetDefault("simulation.funding_rates", map[string]float64{})
	v.SetDefault("simulation.prices", map[string]float64{
		"BTC": 95000, "ETH": 3300, "SOL": 180, "HYPE": 25,
	})
	v.SetDefault("simulation.funding_drift", 0.0001)

	v.SetDefault("journal.path", "data/cycles.db")
}

// LoadConfig reads config.yaml from path (optional), .env (optional) and the
// environment, then validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for i, t := range cfg.Tokens {
		cfg.Tokens[i] = strings.ToUpper(strings.TrimSpace(t))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration built only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) IsLive() bool {
	return c.Mode == ModeLive
}
