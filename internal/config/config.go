package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	API         APIConfig         `mapstructure:"api"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Data        DataConfig        `mapstructure:"data"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	WalkForward WalkForwardConfig `mapstructure:"walkforward"`
	MonteCarlo  MonteCarloConfig  `mapstructure:"montecarlo"`
	Costs       CostsConfig       `mapstructure:"costs"`
	Capital     CapitalConfig     `mapstructure:"capital"`
	Sizing      SizingConfig      `mapstructure:"sizing"`
	RandomSeed  int64             `mapstructure:"random_seed"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains the fold cache settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NATSConfig contains progress event settings
type NATSConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	URL             string  `mapstructure:"url"`
	SubjectPrefix   string  `mapstructure:"subject_prefix"`
	EventsPerSecond float64 `mapstructure:"events_per_second"` // Throttle for evaluation and simulation events
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	MaxConcurrent  int      `mapstructure:"max_concurrent"` // Jobs running at once
	APIKey         string   `mapstructure:"api_key"`        // Empty disables authentication
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// DataConfig selects where the price series comes from
type DataConfig struct {
	Source string `mapstructure:"source"` // csv or postgres
	Path   string `mapstructure:"path"`
	Symbol string `mapstructure:"symbol"`
	From   string `mapstructure:"from"` // Optional YYYY-MM-DD bound
	To     string `mapstructure:"to"`
}

// StrategyConfig selects the reference rules and which components to ablate
type StrategyConfig struct {
	Name     string   `mapstructure:"name"`
	Disabled []string `mapstructure:"disabled"` // hurst_filter, composite_rsi_exit, profitable_close_exit, time_exit
}

// WalkForwardConfig holds the raw walk-forward settings. Window lengths use
// the ParseWindow syntax ("2y", "6mo", "126b").
type WalkForwardConfig struct {
	ISWindowLength     string        `mapstructure:"is_window_length"`
	OOSWindowLength    string        `mapstructure:"oos_window_length"`
	StepLength         string        `mapstructure:"step_length"`
	Anchored           bool          `mapstructure:"anchored"`
	OptimizerKind      string        `mapstructure:"optimizer_kind"`
	ObjectiveMetric    string        `mapstructure:"objective_metric"`
	OptimizationBudget int           `mapstructure:"optimization_budget"`
	Parallelism        int           `mapstructure:"parallelism"`
	FoldTimeout        time.Duration `mapstructure:"fold_timeout"`
}

// MonteCarloConfig holds the raw Monte Carlo settings
type MonteCarloConfig struct {
	Simulations int     `mapstructure:"simulations"`
	Mode        string  `mapstructure:"mode"`
	BlockSize   int     `mapstructure:"block_size"`
	Jitter      float64 `mapstructure:"jitter"`
	Parallelism int     `mapstructure:"parallelism"`
}

// CostsConfig holds per-instrument trading costs
type CostsConfig struct {
	CommissionPerContract float64 `mapstructure:"commission_per_contract"`
	SlippagePerContract   float64 `mapstructure:"slippage_per_contract"`
	TickValue             float64 `mapstructure:"tick_value"`
	TickSize              float64 `mapstructure:"tick_size"`
	PointValue            float64 `mapstructure:"point_value"`
}

// CapitalConfig holds the account settings
type CapitalConfig struct {
	Starting float64 `mapstructure:"starting"`
}

// SizingConfig selects the position sizer
type SizingConfig struct {
	Method            string  `mapstructure:"method"` // fixed or kelly
	Contracts         int     `mapstructure:"contracts"`
	KellyFraction     float64 `mapstructure:"kelly_fraction"`
	KellyMaxFraction  float64 `mapstructure:"kelly_max_fraction"`
	KellyMinTrades    int     `mapstructure:"kelly_min_trades"`
	MarginPerContract float64 `mapstructure:"margin_per_contract"`
	MaxContracts      int     `mapstructure:"max_contracts"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// WFA_WALKFORWARD_PARALLELISM overrides walkforward.parallelism
	v.SetEnvPrefix("WFA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "foldwise")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "foldwise")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 7*24*time.Hour)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "foldwise")
	v.SetDefault("nats.events_per_second", 50.0)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.max_concurrent", 2)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.allowed_origins", []string{"*"})

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Data defaults
	v.SetDefault("data.source", "csv")
	v.SetDefault("data.path", "")
	v.SetDefault("data.symbol", "")
	v.SetDefault("data.from", "")
	v.SetDefault("data.to", "")

	// Strategy defaults
	v.SetDefault("strategy.name", "rsi2_pullback")
	v.SetDefault("strategy.disabled", []string{})

	// Walk-forward defaults
	v.SetDefault("walkforward.is_window_length", "2y")
	v.SetDefault("walkforward.oos_window_length", "6mo")
	v.SetDefault("walkforward.step_length", "")
	v.SetDefault("walkforward.anchored", false)
	v.SetDefault("walkforward.optimizer_kind", "bayesian")
	v.SetDefault("walkforward.objective_metric", "sharpe")
	v.SetDefault("walkforward.optimization_budget", 50)
	v.SetDefault("walkforward.parallelism", 4)
	v.SetDefault("walkforward.fold_timeout", 5*time.Minute)

	// Monte Carlo defaults
	v.SetDefault("montecarlo.simulations", 1000)
	v.SetDefault("montecarlo.mode", "path")
	v.SetDefault("montecarlo.block_size", backtest.DefaultBlockSize)
	v.SetDefault("montecarlo.jitter", backtest.DefaultJitter)
	v.SetDefault("montecarlo.parallelism", 4)

	v.SetDefault("random_seed", 42)

	// Cost defaults (E-mini S&P 500)
	v.SetDefault("costs.commission_per_contract", 2.5)
	v.SetDefault("costs.slippage_per_contract", 12.5)
	v.SetDefault("costs.tick_value", 12.5)
	v.SetDefault("costs.tick_size", 0.25)
	v.SetDefault("costs.point_value", 0.0)

	v.SetDefault("capital.starting", 100000.0)

	// Sizing defaults
	v.SetDefault("sizing.method", "fixed")
	v.SetDefault("sizing.contracts", 1)
	v.SetDefault("sizing.kelly_fraction", 0.5)
	v.SetDefault("sizing.kelly_max_fraction", 0.25)
	v.SetDefault("sizing.kelly_min_trades", 30)
	v.SetDefault("sizing.margin_per_contract", 0.0)
	v.SetDefault("sizing.max_contracts", 0)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetURL returns the PostgreSQL connection URL used by pgx pools
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode, c.PoolSize,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CostModel returns the engine cost model
func (c *Config) CostModel() backtest.CostModel {
	return backtest.CostModel{
		CommissionPerContract: c.Costs.CommissionPerContract,
		SlippagePerContract:   c.Costs.SlippagePerContract,
		TickValue:             c.Costs.TickValue,
		TickSize:              c.Costs.TickSize,
		PointValue:            c.Costs.PointValue,
	}
}

// WalkForwardConfig converts the raw settings into the engine configuration
func (c *Config) WalkForwardConfig() (backtest.WalkForwardConfig, error) {
	is, err := backtest.ParseWindow(c.WalkForward.ISWindowLength)
	if err != nil {
		return backtest.WalkForwardConfig{}, fmt.Errorf("walkforward.is_window_length: %w", err)
	}
	oos, err := backtest.ParseWindow(c.WalkForward.OOSWindowLength)
	if err != nil {
		return backtest.WalkForwardConfig{}, fmt.Errorf("walkforward.oos_window_length: %w", err)
	}
	step, err := backtest.ParseWindow(c.WalkForward.StepLength)
	if err != nil {
		return backtest.WalkForwardConfig{}, fmt.Errorf("walkforward.step_length: %w", err)
	}

	return backtest.WalkForwardConfig{
		ISWindow:        is,
		OOSWindow:       oos,
		StepWindow:      step,
		Anchored:        c.WalkForward.Anchored,
		Optimizer:       backtest.SearcherKind(strings.ToLower(c.WalkForward.OptimizerKind)),
		ObjectiveMetric: c.WalkForward.ObjectiveMetric,
		Budget:          c.WalkForward.OptimizationBudget,
		Parallelism:     c.WalkForward.Parallelism,
		FoldTimeout:     c.WalkForward.FoldTimeout,
		Seed:            c.RandomSeed,
		StartingCapital: c.Capital.Starting,
		Cost:            c.CostModel(),
	}, nil
}

// MonteCarloConfig converts the raw settings into the engine configuration
func (c *Config) MonteCarloConfig() backtest.MonteCarloConfig {
	return backtest.MonteCarloConfig{
		BlockSize:       c.MonteCarlo.BlockSize,
		Jitter:          c.MonteCarlo.Jitter,
		Parallelism:     c.MonteCarlo.Parallelism,
		StartingCapital: c.Capital.Starting,
		Cost:            c.CostModel(),
	}
}

// MonteCarloMode parses montecarlo.mode
func (c *Config) MonteCarloMode() (backtest.MonteCarloMode, error) {
	return backtest.ParseMonteCarloMode(c.MonteCarlo.Mode)
}

// Sizer returns the configured position sizer
func (c *Config) Sizer() backtest.Sizer {
	if strings.EqualFold(c.Sizing.Method, "kelly") {
		return &backtest.KellySizer{
			Fraction:          c.Sizing.KellyFraction,
			MaxFraction:       c.Sizing.KellyMaxFraction,
			MinTrades:         c.Sizing.KellyMinTrades,
			MarginPerContract: c.Sizing.MarginPerContract,
			Fallback:          c.Sizing.Contracts,
			MaxContracts:      c.Sizing.MaxContracts,
		}
	}
	return backtest.FixedContracts(c.Sizing.Contracts)
}
