// Package events publishes walk-forward and Monte Carlo progress to NATS.
//
// Subjects are <prefix>.fold.<state>, <prefix>.evaluation,
// <prefix>.simulation and <prefix>.run.<status>. Fold transitions and run
// completions are always sent; evaluations and simulations share a rate
// limiter and are dropped when it is exhausted.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/foldwise/internal/metrics"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Event types
const (
	TypeFold       = "fold"
	TypeEvaluation = "evaluation"
	TypeSimulation = "simulation"
	TypeRun        = "run"
)

// Config configures the publisher
type Config struct {
	URL             string
	SubjectPrefix   string
	EventsPerSecond float64 // Zero disables throttling
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		SubjectPrefix:   "foldwise",
		EventsPerSecond: 50,
	}
}

// Event is the envelope for every published message
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// FoldEvent reports a fold transition
type FoldEvent struct {
	Index         int                   `json:"index"`
	State         backtest.FoldState    `json:"state"`
	OOSStartDate  time.Time             `json:"oos_start_date,omitzero"`
	OOSEndDate    time.Time             `json:"oos_end_date,omitzero"`
	BestParams    backtest.ParameterSet `json:"best_params,omitempty"`
	BestScore     float64               `json:"best_score,omitempty"`
	OOSNetProfit  float64               `json:"oos_net_profit,omitempty"`
	OOSTrades     int                   `json:"oos_trades,omitempty"`
	Evaluations   int                   `json:"evaluations"`
	FailureKind   string                `json:"failure_kind,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	Cached        bool                  `json:"cached,omitempty"`
	DurationMs    int64                 `json:"duration_ms,omitempty"`
}

// EvaluationEvent reports one optimizer trial
type EvaluationEvent struct {
	Fold     int                   `json:"fold"`
	Searcher backtest.SearcherKind `json:"searcher"`
	Index    int                   `json:"index"`
	Params   backtest.ParameterSet `json:"params"`
	Score    float64               `json:"score"`
	Feasible bool                  `json:"feasible"`
	Reason   string                `json:"reason,omitempty"`
}

// SimulationEvent reports one Monte Carlo simulation
type SimulationEvent struct {
	Mode     backtest.MonteCarloMode `json:"mode"`
	Index    int                     `json:"index"`
	Score    float64                 `json:"score"`
	Excluded bool                    `json:"excluded"`
	Reason   string                  `json:"reason,omitempty"`
}

// RunEvent reports the end of a run
type RunEvent struct {
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	Score      float64 `json:"score"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// Publisher is a backtest.Observer that forwards progress to NATS
type Publisher struct {
	nc      *nats.Conn
	prefix  string
	limiter *rate.Limiter
	ownsNC  bool
	runID   string
	symbol  string
}

var _ backtest.Observer = (*Publisher)(nil)

// Connect dials NATS and returns a publisher that closes the connection on Close
func Connect(cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("foldwise"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewPublisher(nc, cfg.SubjectPrefix, cfg.EventsPerSecond)
	p.ownsNC = true

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", p.prefix).
		Float64("events_per_second", cfg.EventsPerSecond).
		Msg("Event publisher initialized")
	return p, nil
}

// NewPublisher wraps an existing connection
func NewPublisher(nc *nats.Conn, prefix string, eventsPerSecond float64) *Publisher {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}

	limit := rate.Inf
	burst := 0
	if eventsPerSecond > 0 {
		limit = rate.Limit(eventsPerSecond)
		burst = max(1, int(eventsPerSecond))
	}

	return &Publisher{
		nc:      nc,
		prefix:  prefix,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ForRun returns a publisher that tags every event with the run ID and
// symbol. It shares the connection and rate limiter with p.
func (p *Publisher) ForRun(runID, symbol string) *Publisher {
	cp := *p
	cp.runID = runID
	cp.symbol = symbol
	cp.ownsNC = false
	return &cp
}

// Subject returns the full subject for suffix
func (p *Publisher) Subject(suffix string) string {
	return p.prefix + "." + suffix
}

// FoldStateChanged publishes every fold transition
func (p *Publisher) FoldStateChanged(r *backtest.FoldResult) {
	ev := FoldEvent{
		Index:         r.Fold.Index,
		State:         r.State,
		OOSStartDate:  r.Fold.OOSStartDate,
		OOSEndDate:    r.Fold.OOSEndDate,
		BestParams:    r.BestParams,
		BestScore:     r.BestScore,
		Evaluations:   r.Evaluations,
		FailureKind:   r.FailureKind,
		FailureReason: r.FailureReason,
		Cached:        r.Cached,
		DurationMs:    r.Duration.Milliseconds(),
	}
	if r.OOSMetrics != nil {
		ev.OOSNetProfit = r.OOSMetrics.NetProfit
		ev.OOSTrades = r.OOSMetrics.TotalTrades
	}
	p.publish(TypeFold, "fold."+strings.ToLower(string(r.State)), ev)
}

// EvaluationCompleted publishes a trial unless the limiter is exhausted
func (p *Publisher) EvaluationCompleted(fold int, kind backtest.SearcherKind, trial *backtest.Trial) {
	if !p.limiter.Allow() {
		metrics.RecordEvent(TypeEvaluation, false)
		return
	}
	p.publish(TypeEvaluation, "evaluation", EvaluationEvent{
		Fold:     fold,
		Searcher: kind,
		Index:    trial.Index,
		Params:   trial.Params,
		Score:    trial.Score,
		Feasible: trial.Feasible,
		Reason:   trial.Reason,
	})
}

// SimulationCompleted publishes a simulation unless the limiter is exhausted
func (p *Publisher) SimulationCompleted(mode backtest.MonteCarloMode, sim *backtest.Simulation) {
	if !p.limiter.Allow() {
		metrics.RecordEvent(TypeSimulation, false)
		return
	}
	p.publish(TypeSimulation, "simulation", SimulationEvent{
		Mode:     mode,
		Index:    sim.Index,
		Score:    sim.Score,
		Excluded: sim.Excluded,
		Reason:   sim.Reason,
	})
}

// RunCompleted publishes the outcome of a run. A nil err means success.
func (p *Publisher) RunCompleted(kind string, score float64, duration time.Duration, err error) {
	ev := RunEvent{
		Kind:       kind,
		Status:     "completed",
		Score:      score,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		ev.Status = "failed"
		ev.Error = err.Error()
	}
	p.publish(TypeRun, "run."+ev.Status, ev)
}

func (p *Publisher) publish(eventType, suffix string, payload interface{}) {
	if p == nil || p.nc == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("type", eventType).Msg("Failed to marshal event payload")
		metrics.RecordEvent(eventType, false)
		return
	}

	data, err := json.Marshal(Event{
		ID:        uuid.New(),
		Type:      eventType,
		RunID:     p.runID,
		Symbol:    p.symbol,
		Payload:   body,
		Timestamp: time.Now(),
	})
	if err != nil {
		metrics.RecordEvent(eventType, false)
		return
	}

	if err := p.nc.Publish(p.Subject(suffix), data); err != nil {
		log.Debug().Err(err).Str("subject", p.Subject(suffix)).Msg("Failed to publish event")
		metrics.RecordEvent(eventType, false)
		return
	}
	metrics.RecordEvent(eventType, true)
}

// Flush waits until the server has processed everything published so far
func (p *Publisher) Flush() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Flush()
}

// Close drains the connection if the publisher opened it
func (p *Publisher) Close() {
	if p == nil || p.nc == nil || !p.ownsNC {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("Failed to drain NATS connection")
	}
}
