package backtest

import (
	"fmt"
	"time"
)

// EquityPoint is account equity at the close of one bar
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Equity    float64   `json:"equity" yaml:"equity"`
	InMarket  bool      `json:"in_market" yaml:"in_market"`
}

// BuildEquityCurve derives one equity point per bar of series from the trade
// record. Closed trades contribute their net P&L on the exit bar; open trades
// are marked to market at each close while held.
func BuildEquityCurve(series *PriceSeries, record *TradeRecord, startingCapital float64) ([]*EquityPoint, error) {
	n := series.Len()
	realized := make([]float64, n)
	unrealized := make([]float64, n)
	inMarket := make([]bool, n)

	if record != nil {
		for k, t := range record.Trades {
			entry, ok := series.IndexOf(t.EntryDate)
			if !ok {
				return nil, fmt.Errorf("%w: trade %d entry %s not in series", ErrDataIntegrity, k, t.EntryDate.Format(time.DateOnly))
			}
			exit, ok := series.IndexOf(t.ExitDate)
			if !ok {
				return nil, fmt.Errorf("%w: trade %d exit %s not in series", ErrDataIntegrity, k, t.ExitDate.Format(time.DateOnly))
			}
			if exit < entry {
				return nil, fmt.Errorf("%w: trade %d exits before it enters", ErrDataIntegrity, k)
			}

			realized[exit] += t.NetPnL
			if exit == entry {
				inMarket[entry] = true
				continue
			}
			perPoint := t.Side.direction() * float64(t.Contracts) * pointValue(t)
			for j := entry; j < exit; j++ {
				unrealized[j] += (series.bars[j].Close - t.EntryPrice) * perPoint
				inMarket[j] = true
			}
		}
	}

	curve := make([]*EquityPoint, n)
	cumulative := 0.0
	for j := 0; j < n; j++ {
		cumulative += realized[j]
		curve[j] = &EquityPoint{
			Timestamp: series.bars[j].Timestamp,
			Equity:    startingCapital + cumulative + unrealized[j],
			InMarket:  inMarket[j],
		}
	}
	return curve, nil
}

// pointValue recovers the contract multiplier of trades built without Settle
func pointValue(t *Trade) float64 {
	if t.PointValue > 0 {
		return t.PointValue
	}
	if d := t.ExitPrice - t.EntryPrice; d != 0 && t.Contracts != 0 {
		return t.GrossPnL / (d * t.Side.direction() * float64(t.Contracts))
	}
	return 1
}
