package backtest

import (
	"math"

	"github.com/rs/zerolog/log"
)

// TradingStats holds statistical data for Kelly Criterion calculation
type TradingStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	BreakEven     int     `json:"break_even"`
	AvgWin        float64 `json:"avg_win"`        // Average profit per winning trade
	AvgLoss       float64 `json:"avg_loss"`       // Average loss per losing trade (positive value)
	WinRate       float64 `json:"win_rate"`       // Fraction of winning trades (0.0 to 1.0)
	AvgReturn     float64 `json:"avg_return"`     // Average net P&L per trade
	TotalProfit   float64 `json:"total_profit"`   // Total profit from all winning trades
	TotalLoss     float64 `json:"total_loss"`     // Total loss from all losing trades (positive value)
	LargestWin    float64 `json:"largest_win"`    // Largest single win
	LargestLoss   float64 `json:"largest_loss"`   // Largest single loss (positive value)
	WinLossRatio  float64 `json:"win_loss_ratio"` // AvgWin / AvgLoss
}

// CalculateStatsFromTrades computes trading statistics from closed trades
func CalculateStatsFromTrades(trades []*Trade) *TradingStats {
	stats := &TradingStats{}

	if len(trades) == 0 {
		return stats
	}

	stats.TotalTrades = len(trades)

	for _, trade := range trades {
		pl := trade.NetPnL

		switch {
		case pl > 0:
			stats.WinningTrades++
			stats.TotalProfit += pl
			if pl > stats.LargestWin {
				stats.LargestWin = pl
			}
		case pl == 0:
			stats.BreakEven++
		default:
			stats.LosingTrades++
			absLoss := -pl
			stats.TotalLoss += absLoss
			if absLoss > stats.LargestLoss {
				stats.LargestLoss = absLoss
			}
		}
	}

	if stats.WinningTrades > 0 {
		stats.AvgWin = stats.TotalProfit / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = stats.TotalLoss / float64(stats.LosingTrades)
	}

	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	stats.AvgReturn = (stats.TotalProfit - stats.TotalLoss) / float64(stats.TotalTrades)

	if stats.AvgLoss > 0 {
		stats.WinLossRatio = stats.AvgWin / stats.AvgLoss
	}

	return stats
}

// KellyPercent returns the raw Kelly fraction f* = (p*b - q) / b, or 0 when
// the statistics cannot support it.
//
// Where:
// - p = probability of winning (win rate)
// - q = probability of losing (1 - p)
// - b = ratio of average win to average loss
func KellyPercent(stats *TradingStats) float64 {
	if stats.WinRate <= 0 || stats.WinRate >= 1 || stats.WinLossRatio <= 0 {
		return 0
	}
	p := stats.WinRate
	q := 1 - p
	b := stats.WinLossRatio
	return (p*b - q) / b
}

// KellySizer sizes entries with fractional Kelly computed from the trades
// closed so far in the same evaluation. Until MinTrades trades exist it
// trades Fallback contracts. When the Kelly stake cannot pay for a single
// contract it returns zero and the entry is skipped.
type KellySizer struct {
	Fraction          float64 // Share of full Kelly, 0.5 for half Kelly
	MaxFraction       float64 // Cap on the share of equity committed
	MinTrades         int
	MarginPerContract float64 // Capital per contract; zero uses the contract notional
	Fallback          int
	MaxContracts      int // Zero means unlimited
}

// DefaultKellySizer returns a half-Kelly sizer capped at 25% of equity
func DefaultKellySizer() *KellySizer {
	return &KellySizer{
		Fraction:    0.5,
		MaxFraction: 0.25,
		MinTrades:   30,
		Fallback:    1,
	}
}

// Contracts implements Sizer
func (k *KellySizer) Contracts(equity, price float64, history []*Trade, cost CostModel) int {
	if len(history) < k.MinTrades {
		return k.Fallback
	}

	stats := CalculateStatsFromTrades(history)
	kelly := KellyPercent(stats)
	if kelly <= 0 {
		log.Debug().
			Float64("win_rate", stats.WinRate).
			Float64("win_loss_ratio", stats.WinLossRatio).
			Msg("No positive Kelly edge - using fallback size")
		return k.Fallback
	}

	adjusted := kelly * k.Fraction
	if k.MaxFraction > 0 && adjusted > k.MaxFraction {
		adjusted = k.MaxFraction
	}

	perContract := k.MarginPerContract
	if perContract <= 0 {
		perContract = price * cost.Multiplier()
	}
	if perContract <= 0 || equity <= 0 {
		return k.Fallback
	}

	contracts := int(math.Floor(equity * adjusted / perContract))
	if k.MaxContracts > 0 && contracts > k.MaxContracts {
		contracts = k.MaxContracts
	}
	return contracts
}
