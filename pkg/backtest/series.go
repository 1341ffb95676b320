package backtest

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Candlestick is a single daily OHLCV bar
type Candlestick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks that the bar is internally consistent
func (c Candlestick) Validate() error {
	switch {
	case c.Timestamp.IsZero():
		return fmt.Errorf("%w: bar has no timestamp", ErrDataIntegrity)
	case c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0:
		return fmt.Errorf("%w: non-positive price on %s", ErrDataIntegrity, c.Timestamp.Format(time.DateOnly))
	case c.High < c.Low:
		return fmt.Errorf("%w: high %.4f below low %.4f on %s", ErrDataIntegrity, c.High, c.Low, c.Timestamp.Format(time.DateOnly))
	case c.Open < c.Low || c.Open > c.High:
		return fmt.Errorf("%w: open %.4f outside [%.4f, %.4f] on %s", ErrDataIntegrity, c.Open, c.Low, c.High, c.Timestamp.Format(time.DateOnly))
	case c.Close < c.Low || c.Close > c.High:
		return fmt.Errorf("%w: close %.4f outside [%.4f, %.4f] on %s", ErrDataIntegrity, c.Close, c.Low, c.High, c.Timestamp.Format(time.DateOnly))
	case c.Volume < 0:
		return fmt.Errorf("%w: negative volume on %s", ErrDataIntegrity, c.Timestamp.Format(time.DateOnly))
	}
	return nil
}

// PriceSeries is an immutable, strictly date-ordered sequence of bars for one
// instrument. Slices share the parent's storage and are never written to, so a
// series can be handed to any number of goroutines.
type PriceSeries struct {
	symbol string
	bars   []Candlestick
}

// NewPriceSeries validates and copies candles into a PriceSeries. Dates must
// be strictly increasing.
func NewPriceSeries(symbol string, candles []*Candlestick) (*PriceSeries, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: empty series for %s", ErrDataIntegrity, symbol)
	}

	bars := make([]Candlestick, len(candles))
	for i, c := range candles {
		if c == nil {
			return nil, fmt.Errorf("%w: nil bar at index %d", ErrDataIntegrity, i)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("bar %d: %w", i, err)
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			if c.Timestamp.Equal(candles[i-1].Timestamp) {
				return nil, fmt.Errorf("%w: duplicate date %s at index %d", ErrDataIntegrity, c.Timestamp.Format(time.DateOnly), i)
			}
			return nil, fmt.Errorf("%w: non-monotonic date %s at index %d", ErrDataIntegrity, c.Timestamp.Format(time.DateOnly), i)
		}
		bars[i] = *c
		if bars[i].Symbol == "" {
			bars[i].Symbol = symbol
		}
	}

	return &PriceSeries{symbol: symbol, bars: bars}, nil
}

// Symbol returns the instrument symbol
func (s *PriceSeries) Symbol() string { return s.symbol }

// Len returns the number of bars
func (s *PriceSeries) Len() int { return len(s.bars) }

// Bar returns a copy of bar i
func (s *PriceSeries) Bar(i int) Candlestick { return s.bars[i] }

// Start returns the date of the first bar
func (s *PriceSeries) Start() time.Time { return s.bars[0].Timestamp }

// End returns the date of the last bar
func (s *PriceSeries) End() time.Time { return s.bars[len(s.bars)-1].Timestamp }

// Slice returns the bars in [from, to] (inclusive) as a new series view.
func (s *PriceSeries) Slice(from, to int) (*PriceSeries, error) {
	if from < 0 || to >= len(s.bars) || from > to {
		return nil, fmt.Errorf("%w: slice [%d, %d] outside series of %d bars", ErrInvalidConfiguration, from, to, len(s.bars))
	}
	return &PriceSeries{symbol: s.symbol, bars: s.bars[from : to+1 : to+1]}, nil
}

// Between returns the bars dated within [from, to] as a new series view
func (s *PriceSeries) Between(from, to time.Time) (*PriceSeries, error) {
	i := s.search(from)
	j := sort.Search(len(s.bars), func(k int) bool {
		return s.bars[k].Timestamp.After(to)
	})
	if i >= j {
		return nil, fmt.Errorf("%w: no bars between %s and %s", ErrInsufficientData, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	return s.Slice(i, j-1)
}

// IndexOf returns the index of the bar dated t
func (s *PriceSeries) IndexOf(t time.Time) (int, bool) {
	i := s.search(t)
	if i < len(s.bars) && s.bars[i].Timestamp.Equal(t) {
		return i, true
	}
	return -1, false
}

// search returns the index of the first bar dated at or after t
func (s *PriceSeries) search(t time.Time) int {
	return sort.Search(len(s.bars), func(i int) bool {
		return !s.bars[i].Timestamp.Before(t)
	})
}

// Closes returns a fresh slice of closing prices
func (s *PriceSeries) Closes() []float64 {
	closes := make([]float64, len(s.bars))
	for i := range s.bars {
		closes[i] = s.bars[i].Close
	}
	return closes
}

// LogReturns returns the Len()-1 close-to-close log returns
func (s *PriceSeries) LogReturns() []float64 {
	if len(s.bars) < 2 {
		return nil
	}
	returns := make([]float64, len(s.bars)-1)
	for i := 1; i < len(s.bars); i++ {
		returns[i-1] = math.Log(s.bars[i].Close / s.bars[i-1].Close)
	}
	return returns
}

// Candles returns copies of the bars as pointers, for export
func (s *PriceSeries) Candles() []*Candlestick {
	out := make([]*Candlestick, len(s.bars))
	for i := range s.bars {
		c := s.bars[i]
		out[i] = &c
	}
	return out
}

// Fingerprint is a stable hash over dates and prices, used to key cached
// fold results.
func (s *PriceSeries) Fingerprint() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(s.symbol)
	var buf [8]byte
	for i := range s.bars {
		b := &s.bars[i]
		for _, v := range []uint64{
			uint64(b.Timestamp.Unix()),
			math.Float64bits(b.Open),
			math.Float64bits(b.High),
			math.Float64bits(b.Low),
			math.Float64bits(b.Close),
		} {
			binary.LittleEndian.PutUint64(buf[:], v)
			_, _ = h.Write(buf[:])
		}
	}
	return h.Sum64()
}
