// Package analysis runs walk-forward, Monte Carlo and ablation studies
// against the configured data source and optional backends. The CLI and
// the REST API both drive runs through a Service.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/foldwise/internal/cache"
	"github.com/ajitpratap0/foldwise/internal/config"
	"github.com/ajitpratap0/foldwise/internal/db"
	"github.com/ajitpratap0/foldwise/internal/events"
	"github.com/ajitpratap0/foldwise/internal/marketdata"
	"github.com/ajitpratap0/foldwise/internal/metrics"
	"github.com/ajitpratap0/foldwise/internal/strategies"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Run kinds
const (
	KindWalkForward = db.KindWalkForward
	KindMonteCarlo  = db.KindMonteCarlo
	KindAblation    = "ablation"
)

// ErrNoDatabase is returned when a run needs postgres and none is configured
var ErrNoDatabase = errors.New("database not configured")

// Request overrides the configured run. Zero fields keep the configured value.
type Request struct {
	Source   string   `json:"source,omitempty"`
	Path     string   `json:"path,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
	Seed     *int64   `json:"seed,omitempty"`

	// Monte Carlo and ablation
	Params      backtest.ParameterSet `json:"params,omitempty"`   // Fixed parameters to stress
	FromRun     string                `json:"from_run,omitempty"` // Stored walk-forward run whose final parameters to stress
	OOSOnly     *bool                 `json:"oos_only,omitempty"` // Limit a from_run Monte Carlo to that run's OOS span; default true
	Simulations int                   `json:"simulations,omitempty"`
	Mode        string                `json:"mode,omitempty"`
}

// Service wires the engine to data, storage, cache and events
type Service struct {
	cfg       *config.Config
	db        *db.DB
	runs      *db.RunRepository
	cache     *cache.FoldCache
	publisher *events.Publisher
	logger    zerolog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithDatabase enables postgres bars and run persistence
func WithDatabase(d *db.DB) Option {
	return func(s *Service) {
		if d != nil {
			s.db = d
			s.runs = db.NewRunRepository(d)
		}
	}
}

// WithFoldCache enables the Redis fold cache
func WithFoldCache(c *cache.FoldCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPublisher enables NATS progress events
func WithPublisher(p *events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// New creates a service over the base configuration
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: config.NewLogger("analysis"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the base configuration
func (s *Service) Config() *config.Config { return s.cfg }

// Runs returns the run repository, or nil without a database
func (s *Service) Runs() *db.RunRepository { return s.runs }

// resolve applies the request overrides to a copy of the base configuration
func (s *Service) resolve(req Request) (*config.Config, error) {
	cfg := *s.cfg
	if req.Source != "" {
		cfg.Data.Source = req.Source
	}
	if req.Path != "" {
		cfg.Data.Path = req.Path
	}
	if req.Symbol != "" {
		cfg.Data.Symbol = req.Symbol
	}
	if req.From != "" {
		cfg.Data.From = req.From
	}
	if req.To != "" {
		cfg.Data.To = req.To
	}
	if req.Strategy != "" {
		cfg.Strategy.Name = req.Strategy
	}
	if req.Disabled != nil {
		cfg.Strategy.Disabled = req.Disabled
	}
	if req.Seed != nil {
		cfg.RandomSeed = *req.Seed
	}
	if req.Simulations > 0 {
		cfg.MonteCarlo.Simulations = req.Simulations
	}
	if req.Mode != "" {
		cfg.MonteCarlo.Mode = req.Mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check resolves the request without running it, so callers can reject a
// bad request before queueing it
func (s *Service) Check(req Request) error {
	cfg, err := s.resolve(req)
	if err != nil {
		return err
	}
	if _, _, err := s.strategy(cfg); err != nil {
		return err
	}
	if req.FromRun != "" && req.Params == nil && s.runs == nil {
		return fmt.Errorf("from_run: %w", ErrNoDatabase)
	}
	if strings.EqualFold(cfg.Data.Source, "postgres") && s.db == nil {
		return fmt.Errorf("postgres source: %w", ErrNoDatabase)
	}
	return nil
}

// LoadSeries loads the bars the data settings select
func (s *Service) LoadSeries(ctx context.Context, data config.DataConfig) (*backtest.PriceSeries, error) {
	from, to, err := dateRange(data)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(data.Source) {
	case "postgres":
		if s.db == nil {
			return nil, fmt.Errorf("postgres source: %w", ErrNoDatabase)
		}
		return s.db.LoadSeries(ctx, db.CandleQuery{Symbol: data.Symbol, From: from, To: to})
	case "csv", "json", "":
		if data.Path == "" {
			return nil, fmt.Errorf("data.path is required for %s source", data.Source)
		}
		return marketdata.LoadFile(data.Path, marketdata.Query{Symbol: data.Symbol, From: from, To: to})
	}
	return nil, fmt.Errorf("unknown data source: %s", data.Source)
}

func dateRange(data config.DataConfig) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if data.From != "" {
		if from, err = time.Parse(time.DateOnly, data.From); err != nil {
			return from, to, fmt.Errorf("invalid data.from: %w", err)
		}
	}
	if data.To != "" {
		if to, err = time.Parse(time.DateOnly, data.To); err != nil {
			return from, to, fmt.Errorf("invalid data.to: %w", err)
		}
		// Include every bar on the final day
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

func (s *Service) strategy(cfg *config.Config) (strategies.Strategy, strategies.Ablation, error) {
	ablation, err := strategies.ParseAblation(cfg.Strategy.Disabled)
	if err != nil {
		return nil, ablation, err
	}
	strat, err := strategies.Lookup(cfg.Strategy.Name, ablation)
	return strat, ablation, err
}

func engineFor(cfg *config.Config, strat strategies.Strategy) *backtest.RuleEngine {
	return backtest.NewRuleEngine(strat,
		backtest.WithSizer(cfg.Sizer()),
		backtest.WithEngineCapital(cfg.Capital.Starting),
	)
}

func objectiveFor(cfg *config.Config) (backtest.Objective, error) {
	name := cfg.WalkForward.ObjectiveMetric
	if name == "" {
		name = "sharpe"
	}
	return backtest.ObjectiveByName(name)
}

// observers fans progress out to the metrics recorder and, when events are
// enabled, to the run's publisher
func (s *Service) observers(objective backtest.Objective, pub *events.Publisher) backtest.Observer {
	obs := backtest.MultiObserver{metrics.NewRecorder(objective)}
	if pub != nil {
		obs = append(obs, pub)
	}
	return obs
}

// finish records the run outcome in metrics and on the event stream
func (s *Service) finish(pub *events.Publisher, kind string, score float64, started time.Time, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.RecordRun(kind, status)
	pub.RunCompleted(kind, score, time.Since(started), err)
	if ferr := pub.Flush(); ferr != nil {
		s.logger.Warn().Err(ferr).Msg("Failed to flush events")
	}
}

// WalkForward runs a walk-forward analysis and stores the report when a
// database is configured. A cancelled run still returns its partial report.
func (s *Service) WalkForward(ctx context.Context, req Request) (*backtest.WalkForwardReport, error) {
	started := time.Now()
	cfg, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	series, err := s.LoadSeries(ctx, cfg.Data)
	if err != nil {
		return nil, err
	}
	strat, _, err := s.strategy(cfg)
	if err != nil {
		return nil, err
	}
	wfc, err := cfg.WalkForwardConfig()
	if err != nil {
		return nil, err
	}
	objective, err := objectiveFor(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	pub := s.publisher.ForRun(runID, series.Symbol())
	logger := config.NewRunLogger("analysis", runID, series.Symbol())

	opts := []backtest.WalkForwardOption{backtest.WithObserver(s.observers(objective, pub))}
	if s.cache != nil {
		opts = append(opts, backtest.WithFoldCache(s.cache))
	}
	wf, err := backtest.NewWalkForward(engineFor(cfg, strat), strat.Space(), wfc, opts...)
	if err != nil {
		s.finish(pub, KindWalkForward, 0, started, err)
		return nil, err
	}

	report, runErr := wf.Run(ctx, series)
	if report == nil {
		s.finish(pub, KindWalkForward, 0, started, runErr)
		return nil, runErr
	}
	report.RunID = runID

	if err := s.save(ctx, logger, func(ctx context.Context) (string, error) {
		return s.runs.SaveWalkForward(ctx, report)
	}); err != nil && runErr == nil {
		runErr = err
	}

	s.finish(pub, KindWalkForward, report.Aggregate.ObjectiveOOSMean, started, runErr)
	return report, runErr
}

// MonteCarlo stresses one parameter set. The parameters come from the
// request, else from the final fold of FromRun, else the strategy defaults.
// Parameters taken from a run are only replayed on the span that run tested
// out of sample, unless OOSOnly is false.
func (s *Service) MonteCarlo(ctx context.Context, req Request) (*backtest.MonteCarloReport, error) {
	started := time.Now()
	cfg, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	series, err := s.LoadSeries(ctx, cfg.Data)
	if err != nil {
		return nil, err
	}
	strat, _, err := s.strategy(cfg)
	if err != nil {
		return nil, err
	}
	objective, err := objectiveFor(cfg)
	if err != nil {
		return nil, err
	}
	mode, err := cfg.MonteCarloMode()
	if err != nil {
		return nil, err
	}
	params, source, err := s.params(ctx, req, strat)
	if err != nil {
		return nil, err
	}
	if source != nil && (req.OOSOnly == nil || *req.OOSOnly) {
		if series, err = outOfSample(series, source); err != nil {
			return nil, fmt.Errorf("run %s: %w", req.FromRun, err)
		}
		s.logger.Info().
			Str("from_run", req.FromRun).
			Time("from", series.Start()).
			Time("to", series.End()).
			Int("bars", series.Len()).
			Msg("Monte Carlo limited to the out-of-sample span")
	}

	runID := uuid.NewString()
	pub := s.publisher.ForRun(runID, series.Symbol())
	logger := config.NewRunLogger("analysis", runID, series.Symbol())

	mc, err := backtest.NewMonteCarlo(engineFor(cfg, strat), objective, cfg.MonteCarloConfig(),
		backtest.WithSimulationObserver(s.observers(objective, pub)))
	if err != nil {
		s.finish(pub, KindMonteCarlo, 0, started, err)
		return nil, err
	}

	report, runErr := mc.Simulate(ctx, backtest.SimulationInput{
		Series: series,
		Params: params,
		Space:  strat.Space(),
	}, mode, cfg.MonteCarlo.Simulations, cfg.RandomSeed)
	if report == nil {
		s.finish(pub, KindMonteCarlo, 0, started, runErr)
		return nil, runErr
	}

	if err := s.save(ctx, logger, func(ctx context.Context) (string, error) {
		return s.runs.SaveMonteCarlo(ctx, series.Symbol(), report)
	}); err != nil && runErr == nil {
		runErr = err
	}

	s.finish(pub, KindMonteCarlo, report.ObjectivePercentiles.P50, started, runErr)
	return report, runErr
}

// Ablation evaluates the strategy with each component disabled in turn
func (s *Service) Ablation(ctx context.Context, req Request) ([]*strategies.AblationResult, error) {
	started := time.Now()
	cfg, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	series, err := s.LoadSeries(ctx, cfg.Data)
	if err != nil {
		return nil, err
	}
	strat, base, err := s.strategy(cfg)
	if err != nil {
		return nil, err
	}
	objective, err := objectiveFor(cfg)
	if err != nil {
		return nil, err
	}
	params, _, err := s.params(ctx, req, strat)
	if err != nil {
		return nil, err
	}

	results, err := strategies.RunAblation(ctx, series, strategies.AblationConfig{
		Strategy:        cfg.Strategy.Name,
		Params:          params,
		Base:            base,
		Objective:       objective,
		Cost:            cfg.CostModel(),
		StartingCapital: cfg.Capital.Starting,
		Sizer:           cfg.Sizer(),
	})
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.RecordRun(KindAblation, status)
	s.logger.Info().
		Str("symbol", series.Symbol()).
		Int("variants", len(results)).
		Dur("duration", time.Since(started)).
		Msg("Ablation complete")
	return results, err
}

// params picks the parameter set a Monte Carlo or ablation run evaluates.
// Request parameters are laid over the strategy defaults. When they come
// from a stored run, that run is returned too.
func (s *Service) params(ctx context.Context, req Request, strat strategies.Strategy) (backtest.ParameterSet, *backtest.WalkForwardReport, error) {
	space := strat.Space()
	chosen := req.Params
	var source *backtest.WalkForwardReport
	if chosen == nil && req.FromRun != "" {
		if s.runs == nil {
			return nil, nil, fmt.Errorf("from_run: %w", ErrNoDatabase)
		}
		report, err := s.runs.GetWalkForward(ctx, req.FromRun)
		if err != nil {
			return nil, nil, err
		}
		final, ok := report.FinalParams()
		if !ok {
			return nil, nil, fmt.Errorf("run %s has no completed folds", req.FromRun)
		}
		chosen, source = final, report
	}

	params := strat.Defaults()
	if chosen == nil {
		return params, nil, nil
	}
	coerced, err := space.Coerce(chosen)
	if err != nil {
		return nil, nil, err
	}
	for name, v := range coerced {
		params[name] = v
	}
	if err := space.Contains(params); err != nil {
		return nil, nil, err
	}
	return params, source, nil
}

// outOfSample narrows series to the dates report tested out of sample
func outOfSample(series *backtest.PriceSeries, report *backtest.WalkForwardReport) (*backtest.PriceSeries, error) {
	from, to, ok := report.OOSSpan()
	if !ok {
		return nil, fmt.Errorf("%w: no out-of-sample span", backtest.ErrInsufficientData)
	}
	return series.Between(from, to)
}

// save stores a report when a database is configured
func (s *Service) save(ctx context.Context, logger zerolog.Logger, store func(context.Context) (string, error)) error {
	if s.runs == nil {
		return nil
	}
	// A cancelled run is still worth keeping
	ctx = context.WithoutCancel(ctx)
	id, err := store(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store report")
		metrics.RecordError("store_report", "analysis")
		return fmt.Errorf("failed to store report: %w", err)
	}
	logger.Info().Str("stored_id", id).Msg("Report stored")
	return nil
}
