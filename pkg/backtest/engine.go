// Package backtest provides a walk-forward analysis engine with a Monte Carlo
// robustness layer for daily futures strategies
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// RULE INTERFACES
// ============================================================================

// Rules is a strategy expressed as entry and exit conditions. Prepare is
// called once per evaluation with the slice being evaluated; the returned
// RuleSet must only look at bars up to the index it is asked about.
type Rules interface {
	Prepare(series *PriceSeries, params ParameterSet) (RuleSet, error)
}

// RuleSet answers signal questions at the close of bar i
type RuleSet interface {
	// Entry reports whether to open a position at the next bar's open
	Entry(i int) (Side, bool)
	// Exit reports whether to close pos at the next bar's open, with a reason
	Exit(i int, pos *Position) (string, bool)
}

// RulesFunc adapts a function to Rules
type RulesFunc func(series *PriceSeries, params ParameterSet) (RuleSet, error)

// Prepare calls f
func (f RulesFunc) Prepare(series *PriceSeries, params ParameterSet) (RuleSet, error) {
	return f(series, params)
}

// Position is the open position seen by exit rules
type Position struct {
	Side       Side      `json:"side"`
	EntryIndex int       `json:"entry_index"`
	EntryDate  time.Time `json:"entry_date"`
	EntryPrice float64   `json:"entry_price"`
	Contracts  int       `json:"contracts"`
	BarsHeld   int       `json:"bars_held"` // Closes observed since entry, including the entry bar
}

// OpenPoints returns the open profit in price points at price
func (p *Position) OpenPoints(price float64) float64 {
	return (price - p.EntryPrice) * p.Side.direction()
}

// ============================================================================
// POSITION SIZING
// ============================================================================

// Sizer decides how many contracts to trade on an entry
type Sizer interface {
	Contracts(equity, price float64, history []*Trade, cost CostModel) int
}

// FixedContracts always trades the same number of contracts
type FixedContracts int

// Contracts returns the fixed size
func (f FixedContracts) Contracts(float64, float64, []*Trade, CostModel) int { return int(f) }

// ============================================================================
// RULE ENGINE
// ============================================================================

const endOfDataReason = "end_of_data"

// RuleEngine evaluates Rules bar by bar. Signals computed at the close of
// bar i are filled at the open of bar i+1; a position still open after the
// last bar is closed at the last close.
type RuleEngine struct {
	rules   Rules
	sizer   Sizer
	capital float64
}

// RuleEngineOption customizes a RuleEngine
type RuleEngineOption func(*RuleEngine)

// WithSizer sets the position sizer
func WithSizer(s Sizer) RuleEngineOption {
	return func(e *RuleEngine) {
		if s != nil {
			e.sizer = s
		}
	}
}

// WithEngineCapital sets the capital sizers see as starting equity
func WithEngineCapital(capital float64) RuleEngineOption {
	return func(e *RuleEngine) { e.capital = capital }
}

// NewRuleEngine creates an engine trading one contract by default
func NewRuleEngine(rules Rules, opts ...RuleEngineOption) *RuleEngine {
	e := &RuleEngine{
		rules:   rules,
		sizer:   FixedContracts(1),
		capital: 100000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CacheKey identifies the rules, the sizer and the sizing capital
func (e *RuleEngine) CacheKey() string {
	return fmt.Sprintf("%s|%T%+v|%v", cacheIdentity(e.rules), e.sizer, e.sizer, e.capital)
}

// Evaluate implements Evaluator
func (e *RuleEngine) Evaluate(ctx context.Context, series *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
	rules, err := e.rules.Prepare(series, params)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rules: %w", err)
	}

	record := &TradeRecord{}
	equity := e.capital
	n := series.Len()

	var (
		pos         *Position
		pendingSide Side
		exitReason  string
	)

	closePosition := func(i int, price float64, reason string) {
		t := &Trade{
			EntryDate:  pos.EntryDate,
			ExitDate:   series.bars[i].Timestamp,
			Side:       pos.Side,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  price,
			Contracts:  pos.Contracts,
			Bars:       max(i-pos.EntryIndex, 1),
			ExitReason: reason,
		}
		t.Settle(cost)
		record.Trades = append(record.Trades, t)
		equity += t.NetPnL
		pos = nil

		log.Debug().
			Str("symbol", series.Symbol()).
			Str("side", string(t.Side)).
			Time("entry", t.EntryDate).
			Time("exit", t.ExitDate).
			Float64("net_pnl", t.NetPnL).
			Str("reason", reason).
			Msg("Closed trade")
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := &series.bars[i]

		// Fills at the open from signals of the previous close
		if pos != nil && exitReason != "" {
			closePosition(i, bar.Open, exitReason)
			exitReason = ""
		}
		if pos == nil && pendingSide != "" {
			if contracts := e.sizer.Contracts(equity, bar.Open, record.Trades, cost); contracts > 0 {
				pos = &Position{
					Side:       pendingSide,
					EntryIndex: i,
					EntryDate:  bar.Timestamp,
					EntryPrice: bar.Open,
					Contracts:  contracts,
				}
			}
		}
		pendingSide = ""

		// Signals at the close
		if pos != nil {
			pos.BarsHeld = i - pos.EntryIndex + 1
			if reason, ok := rules.Exit(i, pos); ok {
				exitReason = reason
			}
		} else if side, ok := rules.Entry(i); ok {
			pendingSide = side
		}
	}

	if pos != nil {
		closePosition(n-1, series.bars[n-1].Close, endOfDataReason)
	}
	return record, nil
}
