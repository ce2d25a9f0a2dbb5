package backtester

import "math"

// tradingDaysPerYear is the standard annualization constant for daily
// equity-curve metrics.
const tradingDaysPerYear = 252

// computeMetrics derives performance statistics from a completed run's
// daily snapshots and trade log. This is the one component in the module
// built on the standard library only: no statistics/finance library
// appears anywhere in the retrieved example pack, so there is nothing to
// ground a third-party dependency on here (see DESIGN.md).
func computeMetrics(initialCapital float64, snapshots []DailySnapshot, trades []Trade) Metrics {
	var m Metrics
	if len(snapshots) == 0 {
		return m
	}

	final := snapshots[len(snapshots)-1].TotalValue
	if initialCapital != 0 {
		m.TotalReturn = final/initialCapital - 1
	}

	returns := make([]float64, 0, len(snapshots))
	for i := 1; i < len(snapshots); i++ {
		prev := snapshots[i-1].TotalValue
		if prev == 0 {
			continue
		}
		returns = append(returns, snapshots[i].TotalValue/prev-1)
	}
	m.Volatility = stdev(returns)
	m.AnnualizedVolatility = m.Volatility * math.Sqrt(tradingDaysPerYear)
	if m.AnnualizedVolatility != 0 {
		m.SharpeRatio = mean(returns) * tradingDaysPerYear / m.AnnualizedVolatility
	}

	peak := snapshots[0].TotalValue
	var maxDD float64
	for _, s := range snapshots {
		if s.TotalValue > peak {
			peak = s.TotalValue
		}
		if peak > 0 {
			dd := (peak - s.TotalValue) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	m.MaxDrawdown = maxDD

	var wins, losses int
	var winSum, lossSum float64
	for _, t := range trades {
		if t.Action != ActionSell && t.Action != ActionCover {
			continue
		}
		switch {
		case t.RealizedPnL > 0:
			wins++
			winSum += t.RealizedPnL
		case t.RealizedPnL < 0:
			losses++
			lossSum += -t.RealizedPnL
		}
	}
	closed := wins + losses
	m.TradeCount = len(trades)
	if closed > 0 {
		m.WinRate = float64(wins) / float64(closed)
	}
	if wins > 0 {
		m.AverageWin = winSum / float64(wins)
	}
	if losses > 0 {
		m.AverageLoss = lossSum / float64(losses)
	}
	if lossSum > 0 {
		m.ProfitFactor = winSum / lossSum
	}

	return m
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev returns the sample standard deviation of xs (n-1 denominator),
// matching common finance-library conventions for a return series. Fewer
// than two observations yields 0.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}
