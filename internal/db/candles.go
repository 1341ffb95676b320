package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/internal/metrics"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// DailyInterval is the candlestick interval the engine consumes
const DailyInterval = "1d"

// CandleQuery selects bars from the candlesticks table. Zero dates are unbounded.
type CandleQuery struct {
	Symbol   string
	Interval string
	From     time.Time
	To       time.Time
}

// LoadCandles loads bars ordered by open time
func (db *DB) LoadCandles(ctx context.Context, q CandleQuery) ([]*backtest.Candlestick, error) {
	if db.pool == nil {
		return nil, fmt.Errorf("database connection not available")
	}
	if q.Interval == "" {
		q.Interval = DailyInterval
	}

	query := `
		SELECT open_time, open, high, low, close, volume
		FROM candlesticks
		WHERE symbol = $1
			AND interval = $2
			AND ($3::timestamptz IS NULL OR open_time >= $3)
			AND ($4::timestamptz IS NULL OR open_time <= $4)
		ORDER BY open_time ASC
	`

	start := time.Now()
	rows, err := db.pool.Query(ctx, query, q.Symbol, q.Interval, nullTime(q.From), nullTime(q.To))
	if err != nil {
		metrics.RecordError("query", "db")
		return nil, fmt.Errorf("failed to query candlesticks: %w", err)
	}
	defer rows.Close()

	var candles []*backtest.Candlestick
	for rows.Next() {
		c := &backtest.Candlestick{Symbol: q.Symbol}
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candlestick row: %w", err)
		}
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candlestick rows: %w", err)
	}
	metrics.RecordDatabaseQuery("load_candles", float64(time.Since(start).Milliseconds()))

	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candlesticks found for %s", backtest.ErrInsufficientData, q.Symbol)
	}

	log.Debug().
		Str("symbol", q.Symbol).
		Str("interval", q.Interval).
		Int("bars", len(candles)).
		Msg("Candlesticks loaded from database")

	return candles, nil
}

// LoadSeries loads bars and validates them into a PriceSeries
func (db *DB) LoadSeries(ctx context.Context, q CandleQuery) (*backtest.PriceSeries, error) {
	candles, err := db.LoadCandles(ctx, q)
	if err != nil {
		return nil, err
	}
	return backtest.NewPriceSeries(q.Symbol, candles)
}

// SaveCandles upserts bars in one transaction and returns how many were written
func (db *DB) SaveCandles(ctx context.Context, symbol, interval string, candles []*backtest.Candlestick) (int, error) {
	if db.pool == nil {
		return 0, fmt.Errorf("database connection not available")
	}
	if interval == "" {
		interval = DailyInterval
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // Rollback on error - commit overrides if successful

	query := `
		INSERT INTO candlesticks (symbol, interval, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`

	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, query, symbol, interval, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return 0, fmt.Errorf("failed to insert candlestick %s: %w", c.Timestamp.Format(time.DateOnly), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit candlesticks: %w", err)
	}

	log.Info().Str("symbol", symbol).Int("bars", len(candles)).Msg("Candlesticks saved")
	return len(candles), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
