package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func candleRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"open_time", "open", "high", "low", "close", "volume"}).
		AddRow(day(2), 4700.0, 4720.0, 4690.0, 4710.0, 1000.0).
		AddRow(day(3), 4710.0, 4715.0, 4650.0, 4660.0, 1200.0).
		AddRow(day(4), 4660.0, 4700.0, 4655.0, 4695.0, 900.0)
}

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock), mock
}

func TestLoadCandles(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT open_time, open, high, low, close, volume FROM candlesticks").
		WithArgs("ES", DailyInterval, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(candleRows())

	candles, err := db.LoadCandles(context.Background(), CandleQuery{Symbol: "ES", From: day(1)})
	require.NoError(t, err)
	require.Len(t, candles, 3)

	assert.Equal(t, "ES", candles[0].Symbol)
	assert.Equal(t, day(2), candles[0].Timestamp)
	assert.Equal(t, 4710.0, candles[0].Close)
	assert.Equal(t, 900.0, candles[2].Volume)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCandlesNoData(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT open_time, open, high, low, close, volume FROM candlesticks").
		WithArgs("NQ", "1h", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"open_time", "open", "high", "low", "close", "volume"}))

	_, err := db.LoadCandles(context.Background(), CandleQuery{Symbol: "NQ", Interval: "1h"})
	require.Error(t, err)
	assert.ErrorIs(t, err, backtest.ErrInsufficientData)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCandlesQueryError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT open_time").
		WithArgs("ES", DailyInterval, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := db.LoadCandles(context.Background(), CandleQuery{Symbol: "ES"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query candlesticks")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSeries(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT open_time").
		WithArgs("ES", DailyInterval, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(candleRows())

	series, err := db.LoadSeries(context.Background(), CandleQuery{Symbol: "ES"})
	require.NoError(t, err)
	assert.Equal(t, 3, series.Len())
	assert.Equal(t, "ES", series.Symbol())
	assert.Equal(t, day(4), series.End())
}

func TestLoadSeriesRejectsBadBars(t *testing.T) {
	db, mock := newMockDB(t)

	rows := pgxmock.NewRows([]string{"open_time", "open", "high", "low", "close", "volume"}).
		AddRow(day(2), 4700.0, 4720.0, 4690.0, 4710.0, 1000.0).
		AddRow(day(2), 4710.0, 4715.0, 4650.0, 4660.0, 1200.0)
	mock.ExpectQuery("SELECT open_time").
		WithArgs("ES", DailyInterval, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	_, err := db.LoadSeries(context.Background(), CandleQuery{Symbol: "ES"})
	assert.ErrorIs(t, err, backtest.ErrDataIntegrity)
}

func TestSaveCandles(t *testing.T) {
	db, mock := newMockDB(t)

	candles := []*backtest.Candlestick{
		{Timestamp: day(2), Open: 10, High: 12, Low: 9, Close: 11, Volume: 100},
		{Timestamp: day(3), Open: 11, High: 13, Low: 10, Close: 12, Volume: 150},
	}

	mock.ExpectBegin()
	for _, c := range candles {
		mock.ExpectExec("INSERT INTO candlesticks").
			WithArgs("CL", DailyInterval, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	n, err := db.SaveCandles(context.Background(), "CL", "", candles)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCandlesRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO candlesticks").
		WithArgs("CL", DailyInterval, day(2), 10.0, 12.0, 9.0, 11.0, 100.0).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := db.SaveCandles(context.Background(), "CL", DailyInterval, []*backtest.Candlestick{
		{Timestamp: day(2), Open: 10, High: 12, Low: 9, Close: 11, Volume: 100},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-01-02")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCandlesValidates(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := db.SaveCandles(context.Background(), "CL", DailyInterval, []*backtest.Candlestick{
		{Timestamp: day(2), Open: 10, High: 8, Low: 9, Close: 11},
	})
	assert.ErrorIs(t, err, backtest.ErrDataIntegrity)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthAndStats(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectPing()
	assert.NoError(t, db.Health(context.Background()))

	active, idle := db.Stats()
	assert.Zero(t, active)
	assert.Zero(t, idle)

	assert.Error(t, (&DB{}).Health(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), "")
	require.Error(t, err)

	_, err = New(context.Background(), "://not a url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database URL")
}
