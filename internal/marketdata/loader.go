// Package marketdata loads daily OHLCV bars from CSV or JSON files into a
// backtest.PriceSeries.
package marketdata

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Format of a bar file
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// FormatFromPath infers the format from the file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported bar file extension: %s", filepath.Ext(path))
}

// Query restricts the loaded bars. Zero dates are unbounded.
type Query struct {
	Symbol string
	From   time.Time
	To     time.Time
}

func (q Query) includes(t time.Time) bool {
	return (q.From.IsZero() || !t.Before(q.From)) && (q.To.IsZero() || !t.After(q.To))
}

// csvBar is one CSV row. Headers are matched case-insensitively.
type csvBar struct {
	Timestamp string  `csv:"timestamp"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
}

// headerAliases maps common column names onto csvBar's tags
var headerAliases = map[string]string{
	"date":     "timestamp",
	"time":     "timestamp",
	"datetime": "timestamp",
	"ts":       "timestamp",
	"vol":      "volume",
}

var timestampFormats = []string{
	time.DateOnly,
	time.RFC3339,
	time.DateTime,
	"2006-01-02T15:04:05",
	"01/02/2006",
	"20060102",
}

// ParseTimestamp accepts dates, date-times and unix seconds
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 9 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// LoadFile reads path in the format its extension implies
func LoadFile(path string, q Query) (*backtest.PriceSeries, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar file: %w", err)
	}
	defer f.Close()

	if q.Symbol == "" {
		q.Symbol = strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}

	var candles []*backtest.Candlestick
	switch format {
	case FormatCSV:
		candles, err = ReadCSV(f, q)
	case FormatJSON:
		candles, err = ReadJSON(f, q)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Str("symbol", q.Symbol).
		Int("bars", len(candles)).
		Msg("Loaded bars")

	return backtest.NewPriceSeries(q.Symbol, candles)
}

// ReadCSV parses OHLCV rows. Rows with a missing price are dropped; the
// survivors are sorted by date.
func ReadCSV(r io.Reader, q Query) ([]*backtest.Candlestick, error) {
	normalized, err := normalizeHeader(r)
	if err != nil {
		return nil, err
	}

	var rows []*csvBar
	if err := gocsv.Unmarshal(normalized, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}

	candles := make([]*backtest.Candlestick, 0, len(rows))
	dropped := 0
	for i, row := range rows {
		ts, err := ParseTimestamp(row.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if row.Open <= 0 || row.High <= 0 || row.Low <= 0 || row.Close <= 0 {
			dropped++
			continue
		}
		if !q.includes(ts) {
			continue
		}
		candles = append(candles, &backtest.Candlestick{
			Symbol:    q.Symbol,
			Timestamp: ts,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		})
	}
	if dropped > 0 {
		log.Warn().Int("rows", dropped).Msg("Dropped incomplete CSV rows")
	}
	return finish(candles)
}

// ReadJSON parses an array of backtest.Candlestick objects
func ReadJSON(r io.Reader, q Query) ([]*backtest.Candlestick, error) {
	var all []*backtest.Candlestick
	if err := json.NewDecoder(r).Decode(&all); err != nil {
		return nil, fmt.Errorf("failed to parse JSON bars: %w", err)
	}

	candles := make([]*backtest.Candlestick, 0, len(all))
	for _, c := range all {
		if c == nil || !q.includes(c.Timestamp) {
			continue
		}
		c.Timestamp = c.Timestamp.UTC()
		if c.Symbol == "" {
			c.Symbol = q.Symbol
		}
		candles = append(candles, c)
	}
	return finish(candles)
}

// WriteCSV writes bars with a lowercase header that ReadCSV accepts
func WriteCSV(w io.Writer, candles []*backtest.Candlestick) error {
	rows := make([]*csvBar, len(candles))
	for i, c := range candles {
		rows[i] = &csvBar{
			Timestamp: c.Timestamp.UTC().Format(time.DateOnly),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}
	return gocsv.Marshal(&rows, w)
}

func finish(candles []*backtest.Candlestick) ([]*backtest.Candlestick, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no bars in range", backtest.ErrInsufficientData)
	}
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

// normalizeHeader lowercases the header line and applies headerAliases
func normalizeHeader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("empty CSV")
	}

	eol := ""
	if strings.HasSuffix(line, "\n") {
		eol = "\n"
	}
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	for i, f := range fields {
		name := strings.TrimPrefix(strings.TrimSpace(f), "\ufeff")
		name = strings.ToLower(strings.Trim(name, `"`))
		if alias, ok := headerAliases[name]; ok {
			name = alias
		}
		fields[i] = name
	}
	return io.MultiReader(strings.NewReader(strings.Join(fields, ",")+eol), br), nil
}
