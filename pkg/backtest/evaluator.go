package backtest

import (
	"context"
	"fmt"
	"time"
)

// Side of a trade
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// direction returns +1 for long and -1 for short
func (s Side) direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// CostModel holds per-instrument trading costs. Commission is charged per
// contract per side; slippage per contract per round turn.
type CostModel struct {
	CommissionPerContract float64 `json:"commission_per_contract" yaml:"commission_per_contract"`
	SlippagePerContract   float64 `json:"slippage_per_contract" yaml:"slippage_per_contract"`
	TickValue             float64 `json:"tick_value" yaml:"tick_value"`
	TickSize              float64 `json:"tick_size" yaml:"tick_size"`
	PointValue            float64 `json:"point_value" yaml:"point_value"`
}

// Validate rejects negative costs
func (c CostModel) Validate() error {
	if c.CommissionPerContract < 0 || c.SlippagePerContract < 0 {
		return invalidConfig("commission and slippage must be non-negative")
	}
	if c.TickValue < 0 || c.TickSize < 0 || c.PointValue < 0 {
		return invalidConfig("tick value, tick size and point value must be non-negative")
	}
	return nil
}

// Multiplier is the currency value of a one-point move for one contract.
// An explicit PointValue wins, then TickValue/TickSize, then 1.
func (c CostModel) Multiplier() float64 {
	switch {
	case c.PointValue > 0:
		return c.PointValue
	case c.TickValue > 0 && c.TickSize > 0:
		return c.TickValue / c.TickSize
	}
	return 1
}

// RoundTurn returns the commission and slippage for one round turn
func (c CostModel) RoundTurn(contracts int) (commission, slippage float64) {
	n := float64(contracts)
	return 2 * c.CommissionPerContract * n, c.SlippagePerContract * n
}

// Trade is one completed round turn
type Trade struct {
	EntryDate  time.Time `json:"entry_date" yaml:"entry_date"`
	ExitDate   time.Time `json:"exit_date" yaml:"exit_date"`
	Side       Side      `json:"side" yaml:"side"`
	EntryPrice float64   `json:"entry_price" yaml:"entry_price"`
	ExitPrice  float64   `json:"exit_price" yaml:"exit_price"`
	Contracts  int       `json:"contracts" yaml:"contracts"`
	PointValue float64   `json:"point_value" yaml:"point_value"`
	Commission float64   `json:"commission" yaml:"commission"`
	Slippage   float64   `json:"slippage" yaml:"slippage"`
	GrossPnL   float64   `json:"gross_pnl" yaml:"gross_pnl"`
	NetPnL     float64   `json:"net_pnl" yaml:"net_pnl"`
	Bars       int       `json:"bars" yaml:"bars"`
	ExitReason string    `json:"exit_reason,omitempty" yaml:"exit_reason,omitempty"`
}

// Settle fills in costs and P&L from the prices, side and contracts
func (t *Trade) Settle(cost CostModel) {
	t.Commission, t.Slippage = cost.RoundTurn(t.Contracts)
	t.PointValue = cost.Multiplier()
	t.GrossPnL = (t.ExitPrice - t.EntryPrice) * t.Side.direction() * t.PointValue * float64(t.Contracts)
	t.NetPnL = t.GrossPnL - t.Commission - t.Slippage
}

// TradeRecord is the ordered list of trades produced by one evaluation
type TradeRecord struct {
	Trades []*Trade `json:"trades" yaml:"trades"`
}

// Len returns the number of trades; a nil record has none
func (r *TradeRecord) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Trades)
}

// NetProfit sums trade net P&L
func (r *TradeRecord) NetProfit() float64 {
	if r == nil {
		return 0
	}
	total := 0.0
	for _, t := range r.Trades {
		total += t.NetPnL
	}
	return total
}

// Evaluator runs trading logic over a series slice. It must only use bars
// inside the slice it is given and must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, series *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error)
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(ctx context.Context, series *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error)

// Evaluate calls f
func (f EvaluatorFunc) Evaluate(ctx context.Context, series *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
	return f(ctx, series, params, cost)
}

// Evaluation bundles the outputs of one evaluator run
type Evaluation struct {
	Record  *TradeRecord
	Curve   []*EquityPoint
	Metrics *Metrics
}

// evaluate runs the evaluator and derives the equity curve and metrics
func evaluate(ctx context.Context, evaluator Evaluator, series *PriceSeries, params ParameterSet, cost CostModel, capital float64) (*Evaluation, error) {
	record, err := evaluator.Evaluate(ctx, series, params, cost)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, timeoutError(ctxErr)
		}
		return nil, fmt.Errorf("evaluate %s: %w", params.Key(), err)
	}
	if record == nil {
		record = &TradeRecord{}
	}
	curve, err := BuildEquityCurve(series, record, capital)
	if err != nil {
		return nil, err
	}
	return &Evaluation{
		Record:  record,
		Curve:   curve,
		Metrics: ComputeMetrics(curve, record, capital),
	}, nil
}
