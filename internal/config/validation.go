package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Fields returns the names of the invalid fields in order
func (ve ValidationErrors) Fields() []string {
	fields := make([]string, len(ve))
	for i, err := range ve {
		fields[i] = err.Field
	}
	return fields
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateData()...)
	errors = append(errors, c.validateWalkForward()...)
	errors = append(errors, c.validateMonteCarlo()...)
	errors = append(errors, c.validateCosts()...)
	errors = append(errors, c.validateSizing()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	if !slices.Contains(validEnvs, c.App.Environment) {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.App.LogLevel)) {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("Invalid log level '%s'. Must be one of: %v", c.App.LogLevel, validLevels),
		})
	}

	if c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: "Log format must be 'json' or 'console'",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if !c.Database.Enabled && c.Data.Source != "postgres" {
		return nil
	}

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	errors = append(errors, validatePort("database.port", c.Database.Port)...)

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment == "production" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if !c.Redis.Enabled {
		return nil
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	errors = append(errors, validatePort("redis.port", c.Redis.Port)...)

	if c.Redis.TTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.ttl",
			Message: "Cache TTL must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	if c.NATS.SubjectPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.subject_prefix",
			Message: "Subject prefix is required",
		})
	}

	if c.NATS.EventsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "nats.events_per_second",
			Message: "Event rate must be positive",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	errors := validatePort("api.port", c.API.Port)

	if c.API.MaxConcurrent < 1 {
		errors = append(errors, ValidationError{
			Field:   "api.max_concurrent",
			Message: "At least one concurrent job is required",
		})
	}

	if c.API.APIKey != "" && len(c.API.APIKey) < minAPIKeyLength {
		errors = append(errors, ValidationError{
			Field:   "api.api_key",
			Message: fmt.Sprintf("API key must be at least %d characters", minAPIKeyLength),
		})
	}

	return errors
}

const minAPIKeyLength = 16

func (c *Config) validateData() ValidationErrors {
	var errors ValidationErrors

	switch c.Data.Source {
	case "csv", "json", "postgres":
	default:
		errors = append(errors, ValidationError{
			Field:   "data.source",
			Message: fmt.Sprintf("Invalid data source '%s'. Must be one of: csv, json, postgres", c.Data.Source),
		})
	}

	if c.Data.Source == "postgres" && c.Data.Symbol == "" {
		errors = append(errors, ValidationError{
			Field:   "data.symbol",
			Message: "Symbol is required when loading from postgres",
		})
	}

	for _, bound := range [][2]string{{"data.from", c.Data.From}, {"data.to", c.Data.To}} {
		if bound[1] == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, bound[1]); err != nil {
			errors = append(errors, ValidationError{
				Field:   bound[0],
				Message: fmt.Sprintf("Invalid date '%s'. Use YYYY-MM-DD", bound[1]),
			})
		}
	}

	return errors
}

func (c *Config) validateWalkForward() ValidationErrors {
	var errors ValidationErrors
	wf := c.WalkForward

	windows := []struct {
		field    string
		value    string
		required bool
	}{
		{"walkforward.is_window_length", wf.ISWindowLength, true},
		{"walkforward.oos_window_length", wf.OOSWindowLength, true},
		{"walkforward.step_length", wf.StepLength, false},
	}
	for _, w := range windows {
		parsed, err := backtest.ParseWindow(w.value)
		switch {
		case err != nil:
			errors = append(errors, ValidationError{Field: w.field, Message: err.Error()})
		case w.required && parsed.IsZero():
			errors = append(errors, ValidationError{Field: w.field, Message: "Window length is required"})
		}
	}

	if _, err := backtest.NewSearcherFactory(backtest.SearcherKind(strings.ToLower(wf.OptimizerKind))); err != nil {
		errors = append(errors, ValidationError{
			Field:   "walkforward.optimizer_kind",
			Message: fmt.Sprintf("Invalid optimizer '%s'. Must be one of: grid, random, bayesian, genetic", wf.OptimizerKind),
		})
	}

	if _, err := backtest.ObjectiveByName(wf.ObjectiveMetric); err != nil {
		errors = append(errors, ValidationError{
			Field:   "walkforward.objective_metric",
			Message: fmt.Sprintf("Invalid objective '%s'. Must be one of: %v", wf.ObjectiveMetric, backtest.ObjectiveNames()),
		})
	}

	if wf.OptimizationBudget < 0 || (wf.OptimizationBudget == 0 && !strings.EqualFold(wf.OptimizerKind, "grid")) {
		errors = append(errors, ValidationError{
			Field:   "walkforward.optimization_budget",
			Message: "Optimization budget must be positive (zero is only allowed for grid search)",
		})
	}

	if wf.Parallelism < 1 {
		errors = append(errors, ValidationError{
			Field:   "walkforward.parallelism",
			Message: "Parallelism must be at least 1",
		})
	}

	if wf.FoldTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "walkforward.fold_timeout",
			Message: "Fold timeout must be non-negative (zero disables it)",
		})
	}

	return errors
}

func (c *Config) validateMonteCarlo() ValidationErrors {
	var errors ValidationErrors
	mc := c.MonteCarlo

	if mc.Simulations < 1 {
		errors = append(errors, ValidationError{
			Field:   "montecarlo.simulations",
			Message: "At least one simulation is required",
		})
	}

	if _, err := backtest.ParseMonteCarloMode(mc.Mode); err != nil {
		errors = append(errors, ValidationError{
			Field:   "montecarlo.mode",
			Message: fmt.Sprintf("Invalid mode '%s'. Must be one of: path, params, both", mc.Mode),
		})
	}

	if mc.BlockSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "montecarlo.block_size",
			Message: "Block size must be at least 1",
		})
	}

	if mc.Jitter < 0 || mc.Jitter >= 1 {
		errors = append(errors, ValidationError{
			Field:   "montecarlo.jitter",
			Message: "Jitter must be in [0, 1)",
		})
	}

	if mc.Parallelism < 1 {
		errors = append(errors, ValidationError{
			Field:   "montecarlo.parallelism",
			Message: "Parallelism must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateCosts() ValidationErrors {
	var errors ValidationErrors

	costs := []struct {
		field string
		value float64
	}{
		{"costs.commission_per_contract", c.Costs.CommissionPerContract},
		{"costs.slippage_per_contract", c.Costs.SlippagePerContract},
		{"costs.tick_value", c.Costs.TickValue},
		{"costs.tick_size", c.Costs.TickSize},
		{"costs.point_value", c.Costs.PointValue},
	}
	for _, cost := range costs {
		if cost.value < 0 {
			errors = append(errors, ValidationError{
				Field:   cost.field,
				Message: "Must be non-negative",
			})
		}
	}

	if c.Capital.Starting <= 0 {
		errors = append(errors, ValidationError{
			Field:   "capital.starting",
			Message: "Starting capital must be positive",
		})
	}

	return errors
}

func (c *Config) validateSizing() ValidationErrors {
	var errors ValidationErrors

	method := strings.ToLower(c.Sizing.Method)
	if method != "fixed" && method != "kelly" {
		errors = append(errors, ValidationError{
			Field:   "sizing.method",
			Message: fmt.Sprintf("Invalid sizing method '%s'. Must be 'fixed' or 'kelly'", c.Sizing.Method),
		})
	}

	if c.Sizing.Contracts < 1 {
		errors = append(errors, ValidationError{
			Field:   "sizing.contracts",
			Message: "Contracts must be at least 1",
		})
	}

	if method == "kelly" {
		if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
			errors = append(errors, ValidationError{
				Field:   "sizing.kelly_fraction",
				Message: "Kelly fraction must be in (0, 1]",
			})
		}
		if c.Sizing.KellyMaxFraction < 0 || c.Sizing.KellyMaxFraction > 1 {
			errors = append(errors, ValidationError{
				Field:   "sizing.kelly_max_fraction",
				Message: "Kelly cap must be in [0, 1]",
			})
		}
		if c.Sizing.KellyMinTrades < 0 {
			errors = append(errors, ValidationError{
				Field:   "sizing.kelly_min_trades",
				Message: "Minimum trades must be non-negative",
			})
		}
	}

	return errors
}

func validatePort(field string, port int) ValidationErrors {
	if port == 0 {
		return ValidationErrors{{Field: field, Message: "Port is required"}}
	}
	if port < 1 || port > 65535 {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", port)}}
	}
	return nil
}
