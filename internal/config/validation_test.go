package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "foldwise",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "foldwise",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			TTL:  time.Hour,
		},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			SubjectPrefix:   "foldwise",
			EventsPerSecond: 50,
		},
		API: APIConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			MaxConcurrent: 2,
		},
		Data: DataConfig{
			Source: "csv",
			Path:   "testdata/es.csv",
			Symbol: "ES",
		},
		Strategy: StrategyConfig{Name: "rsi2_pullback"},
		WalkForward: WalkForwardConfig{
			ISWindowLength:     "2y",
			OOSWindowLength:    "6mo",
			OptimizerKind:      "bayesian",
			ObjectiveMetric:    "sharpe",
			OptimizationBudget: 50,
			Parallelism:        4,
			FoldTimeout:        5 * time.Minute,
		},
		MonteCarlo: MonteCarloConfig{
			Simulations: 1000,
			Mode:        "path",
			BlockSize:   20,
			Jitter:      0.1,
			Parallelism: 4,
		},
		Costs: CostsConfig{
			CommissionPerContract: 2.5,
			SlippagePerContract:   12.5,
			TickValue:             12.5,
			TickSize:              0.25,
		},
		Capital:    CapitalConfig{Starting: 100000},
		Sizing:     SizingConfig{Method: "fixed", Contracts: 1},
		RandomSeed: 42,
	}
}

func requireFieldError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T", err)
	assert.Contains(t, verrs.Fields(), field)
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	err := cfg.Validate()
	assert.NoError(t, err, "Valid configuration should not produce errors")
}

func TestValidateApp(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{
			name:   "missing app name",
			modify: func(c *Config) { c.App.Name = "" },
			field:  "app.name",
		},
		{
			name:   "invalid environment",
			modify: func(c *Config) { c.App.Environment = "invalid_env" },
			field:  "app.environment",
		},
		{
			name:   "invalid log level",
			modify: func(c *Config) { c.App.LogLevel = "verbose" },
			field:  "app.log_level",
		},
		{
			name:   "invalid log format",
			modify: func(c *Config) { c.App.LogFormat = "xml" },
			field:  "app.log_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			requireFieldError(t, cfg.Validate(), tt.field)
		})
	}
}

func TestValidateOptionalBackends(t *testing.T) {
	t.Run("disabled backends are not checked", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.Database = DatabaseConfig{}
		cfg.Redis = RedisConfig{}
		cfg.NATS = NATSConfig{}
		assert.NoError(t, cfg.Validate())
	})

	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{
			name: "database port out of range",
			modify: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Port = 70000
			},
			field: "database.port",
		},
		{
			name: "postgres source requires database settings",
			modify: func(c *Config) {
				c.Data.Source = "postgres"
				c.Database.Host = ""
			},
			field: "database.host",
		},
		{
			name: "production requires database password",
			modify: func(c *Config) {
				c.App.Environment = "production"
				c.Database.Enabled = true
			},
			field: "database.password",
		},
		{
			name: "database pool size",
			modify: func(c *Config) {
				c.Database.Enabled = true
				c.Database.PoolSize = 0
			},
			field: "database.pool_size",
		},
		{
			name: "redis missing host",
			modify: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Host = ""
			},
			field: "redis.host",
		},
		{
			name: "redis negative ttl",
			modify: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.TTL = -time.Second
			},
			field: "redis.ttl",
		},
		{
			name: "nats url scheme",
			modify: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = "http://localhost:4222"
			},
			field: "nats.url",
		},
		{
			name: "nats event rate",
			modify: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.EventsPerSecond = 0
			},
			field: "nats.events_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			requireFieldError(t, cfg.Validate(), tt.field)
		})
	}
}

func TestValidateAPIAndData(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing api port", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"api port out of range", func(c *Config) { c.API.Port = -1 }, "api.port"},
		{"no concurrent jobs", func(c *Config) { c.API.MaxConcurrent = 0 }, "api.max_concurrent"},
		{"short api key", func(c *Config) { c.API.APIKey = "secret" }, "api.api_key"},
		{"unknown data source", func(c *Config) { c.Data.Source = "parquet" }, "data.source"},
		{"postgres requires symbol", func(c *Config) { c.Data.Source = "postgres"; c.Data.Symbol = "" }, "data.symbol"},
		{"bad from date", func(c *Config) { c.Data.From = "01/02/2020" }, "data.from"},
		{"bad to date", func(c *Config) { c.Data.To = "2020-13-01" }, "data.to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			requireFieldError(t, cfg.Validate(), tt.field)
		})
	}
}

func TestValidateWalkForward(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing is window", func(c *Config) { c.WalkForward.ISWindowLength = "" }, "walkforward.is_window_length"},
		{"malformed oos window", func(c *Config) { c.WalkForward.OOSWindowLength = "6x" }, "walkforward.oos_window_length"},
		{"malformed step", func(c *Config) { c.WalkForward.StepLength = "-1" }, "walkforward.step_length"},
		{"unknown optimizer", func(c *Config) { c.WalkForward.OptimizerKind = "annealing" }, "walkforward.optimizer_kind"},
		{"unknown objective", func(c *Config) { c.WalkForward.ObjectiveMetric = "alpha" }, "walkforward.objective_metric"},
		{"zero budget for random", func(c *Config) {
			c.WalkForward.OptimizerKind = "random"
			c.WalkForward.OptimizationBudget = 0
		}, "walkforward.optimization_budget"},
		{"negative budget", func(c *Config) { c.WalkForward.OptimizationBudget = -3 }, "walkforward.optimization_budget"},
		{"zero parallelism", func(c *Config) { c.WalkForward.Parallelism = 0 }, "walkforward.parallelism"},
		{"negative timeout", func(c *Config) { c.WalkForward.FoldTimeout = -time.Second }, "walkforward.fold_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			requireFieldError(t, cfg.Validate(), tt.field)
		})
	}

	t.Run("zero budget allowed for grid", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.WalkForward.OptimizerKind = "GRID"
		cfg.WalkForward.OptimizationBudget = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateMonteCarloCostsAndSizing(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"no simulations", func(c *Config) { c.MonteCarlo.Simulations = 0 }, "montecarlo.simulations"},
		{"unknown mode", func(c *Config) { c.MonteCarlo.Mode = "shuffle" }, "montecarlo.mode"},
		{"zero block size", func(c *Config) { c.MonteCarlo.BlockSize = 0 }, "montecarlo.block_size"},
		{"jitter too large", func(c *Config) { c.MonteCarlo.Jitter = 1 }, "montecarlo.jitter"},
		{"zero mc parallelism", func(c *Config) { c.MonteCarlo.Parallelism = 0 }, "montecarlo.parallelism"},
		{"negative commission", func(c *Config) { c.Costs.CommissionPerContract = -1 }, "costs.commission_per_contract"},
		{"negative point value", func(c *Config) { c.Costs.PointValue = -50 }, "costs.point_value"},
		{"no capital", func(c *Config) { c.Capital.Starting = 0 }, "capital.starting"},
		{"unknown sizing", func(c *Config) { c.Sizing.Method = "martingale" }, "sizing.method"},
		{"zero contracts", func(c *Config) { c.Sizing.Contracts = 0 }, "sizing.contracts"},
		{"kelly fraction", func(c *Config) {
			c.Sizing.Method = "kelly"
			c.Sizing.KellyFraction = 0
		}, "sizing.kelly_fraction"},
		{"kelly cap", func(c *Config) {
			c.Sizing.Method = "kelly"
			c.Sizing.KellyFraction = 0.5
			c.Sizing.KellyMaxFraction = 2
		}, "sizing.kelly_max_fraction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			requireFieldError(t, cfg.Validate(), tt.field)
		})
	}
}

func TestValidateReportsEveryError(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Name = ""
	cfg.WalkForward.Parallelism = 0
	cfg.MonteCarlo.Simulations = 0

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{"app.name", "walkforward.parallelism", "montecarlo.simulations"}, verrs.Fields())
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "field1", Message: "error message 1"},
		{Field: "field2", Message: "error message 2"},
		{Field: "field3", Message: "error message 3"},
	}

	errMsg := errs.Error()

	assert.Contains(t, errMsg, "Configuration validation failed with 3 error(s)")
	assert.Contains(t, errMsg, "1. field1: error message 1")
	assert.Contains(t, errMsg, "2. field2: error message 2")
	assert.Contains(t, errMsg, "3. field3: error message 3")
	assert.Contains(t, errMsg, "Please fix the above errors and try again")
}

func TestValidationErrors_Empty(t *testing.T) {
	errs := ValidationErrors{}
	assert.Equal(t, "", errs.Error())
}
