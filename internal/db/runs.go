package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Run kinds stored in analysis_runs
const (
	KindWalkForward = "walkforward"
	KindMonteCarlo  = "montecarlo"
)

// ErrRunNotFound is returned when no run matches the requested ID
var ErrRunNotFound = errors.New("run not found")

// RunSummary is one row of analysis_runs without the report payload
type RunSummary struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	Symbol         string        `json:"symbol"`
	SchemaVersion  string        `json:"schema_version"`
	Objective      string        `json:"objective"`
	CompletedFolds int           `json:"completed_folds"`
	FailedFolds    int           `json:"failed_folds"`
	SummaryScore   float64       `json:"summary_score"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// RunRepository handles database operations for analysis runs
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

const insertRunQuery = `
	INSERT INTO analysis_runs (id, kind, symbol, schema_version, objective, completed_folds, failed_folds,
		summary_score, report, started_at, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// SaveWalkForward stores the report and one fold_results row per fold. A
// report without a RunID is assigned a new one.
func (r *RunRepository) SaveWalkForward(ctx context.Context, report *backtest.WalkForwardReport) (string, error) {
	if r.db == nil || r.db.pool == nil {
		return "", fmt.Errorf("database connection not available")
	}
	if report.RunID == "" {
		report.RunID = uuid.New().String()
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal walk-forward report: %w", err)
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // Rollback on error - commit overrides if successful

	agg := report.Aggregate
	if agg == nil {
		agg = &backtest.AggregateStats{}
	}
	_, err = tx.Exec(ctx, insertRunQuery,
		report.RunID,
		KindWalkForward,
		report.Symbol,
		report.SchemaVersion,
		agg.Objective,
		agg.CompletedFolds,
		agg.FailedFolds,
		agg.ObjectiveOOSMean,
		payload,
		report.StartedAt,
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	foldQuery := `
		INSERT INTO fold_results (run_id, fold_index, state, is_start_date, is_end_date, oos_start_date, oos_end_date,
			best_params, best_score, oos_net_profit, oos_sharpe, oos_trades, evaluations, failure_kind, failure_reason, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	for _, f := range report.Folds {
		params, err := json.Marshal(f.BestParams)
		if err != nil {
			return "", fmt.Errorf("failed to marshal fold %d params: %w", f.Fold.Index, err)
		}

		var netProfit, sharpe *float64
		var trades *int
		if f.OOSMetrics != nil {
			netProfit = &f.OOSMetrics.NetProfit
			sharpe = &f.OOSMetrics.SharpeRatio
			trades = &f.OOSMetrics.TotalTrades
		}

		_, err = tx.Exec(ctx, foldQuery,
			report.RunID,
			f.Fold.Index,
			string(f.State),
			nullTime(f.Fold.ISStartDate),
			nullTime(f.Fold.ISEndDate),
			nullTime(f.Fold.OOSStartDate),
			nullTime(f.Fold.OOSEndDate),
			params,
			f.BestScore,
			netProfit,
			sharpe,
			trades,
			f.Evaluations,
			f.FailureKind,
			f.FailureReason,
			f.Duration.Milliseconds(),
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert fold %d: %w", f.Fold.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}

	log.Info().
		Str("run_id", report.RunID).
		Str("symbol", report.Symbol).
		Int("folds", len(report.Folds)).
		Msg("Walk-forward run saved")

	return report.RunID, nil
}

// SaveMonteCarlo stores a Monte Carlo report under a new ID
func (r *RunRepository) SaveMonteCarlo(ctx context.Context, symbol string, report *backtest.MonteCarloReport) (string, error) {
	if r.db == nil || r.db.pool == nil {
		return "", fmt.Errorf("database connection not available")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal monte carlo report: %w", err)
	}

	id := uuid.New().String()
	_, err = r.db.pool.Exec(ctx, insertRunQuery,
		id,
		KindMonteCarlo,
		symbol,
		report.SchemaVersion,
		report.Objective,
		report.Simulations-report.Excluded,
		report.Excluded,
		report.ObjectivePercentiles.P50,
		payload,
		time.Now().Add(-report.Duration),
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert monte carlo run: %w", err)
	}

	log.Info().Str("run_id", id).Str("symbol", symbol).Int("simulations", report.Simulations).Msg("Monte Carlo run saved")
	return id, nil
}

// GetWalkForward loads a stored walk-forward report
func (r *RunRepository) GetWalkForward(ctx context.Context, id string) (*backtest.WalkForwardReport, error) {
	var report backtest.WalkForwardReport
	if err := r.loadReport(ctx, id, KindWalkForward, &report); err != nil {
		return nil, err
	}
	if err := backtest.CheckSchemaVersion(report.SchemaVersion); err != nil {
		return nil, err
	}
	return &report, nil
}

// GetMonteCarlo loads a stored Monte Carlo report
func (r *RunRepository) GetMonteCarlo(ctx context.Context, id string) (*backtest.MonteCarloReport, error) {
	var report backtest.MonteCarloReport
	if err := r.loadReport(ctx, id, KindMonteCarlo, &report); err != nil {
		return nil, err
	}
	if err := backtest.CheckSchemaVersion(report.SchemaVersion); err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *RunRepository) loadReport(ctx context.Context, id, kind string, out interface{}) error {
	if r.db == nil || r.db.pool == nil {
		return fmt.Errorf("database connection not available")
	}

	var payload []byte
	err := r.db.pool.QueryRow(ctx,
		"SELECT report FROM analysis_runs WHERE id = $1 AND kind = $2",
		id, kind,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return fmt.Errorf("failed to load run %s: %w", id, err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty symbol
// matches every symbol.
func (r *RunRepository) ListRuns(ctx context.Context, symbol string, limit int) ([]*RunSummary, error) {
	if r.db == nil || r.db.pool == nil {
		return nil, fmt.Errorf("database connection not available")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id::text, kind, symbol, schema_version, objective, completed_folds, failed_folds,
			COALESCE(summary_score, 0), started_at, duration_ms
		FROM analysis_runs
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		var s RunSummary
		var durationMs int64
		if err := rows.Scan(&s.ID, &s.Kind, &s.Symbol, &s.SchemaVersion, &s.Objective,
			&s.CompletedFolds, &s.FailedFolds, &s.SummaryScore, &s.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		s.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}
