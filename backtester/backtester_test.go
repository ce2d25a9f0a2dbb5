package backtester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeUptrendBars(n int, startClose, endClose float64) []HistoricalBar {
	bars := make([]HistoricalBar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := (endClose - startClose) / float64(n-1)
	for i := 0; i < n; i++ {
		close := startClose + step*float64(i)
		bars[i] = HistoricalBar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      close,
			High:      close,
			Low:       close,
			Close:     close,
			Volume:    1000,
		}
	}
	return bars
}

func TestBacktesterBuyAndHoldUptrend(t *testing.T) {
	cfg := Config{
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		InitialCapital: 100000,
		MaxPositions:   5,
	}
	bt, err := New(cfg)
	require.NoError(t, err)

	bt.LoadData("AAPL", makeUptrendBars(90, 100, 200))

	bought := false
	strategy := func(state StrategyState) []Signal {
		if bought {
			return nil
		}
		if _, ok := state.Bars["AAPL"]; !ok {
			return nil
		}
		bought = true
		return []Signal{{Action: ActionBuy, Symbol: "AAPL", Quantity: 100}}
	}

	result, err := bt.Run(strategy)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, 100.0, result.FinalPortfolio.Positions["AAPL"].Quantity)
	assert.Greater(t, result.Metrics.TotalReturn, 0.0)
	assert.GreaterOrEqual(t, result.Metrics.MaxDrawdown, 0.0)
	require.NotEmpty(t, result.DailySnapshots)
	last := result.DailySnapshots[len(result.DailySnapshots)-1]
	assert.InDelta(t, result.Metrics.TotalReturn, last.CumulativeReturn, 1e-9)
}

func TestBacktesterRunFailsFastWithNoData(t *testing.T) {
	cfg := Config{InitialCapital: 1000, MaxPositions: 1}
	bt, err := New(cfg)
	require.NoError(t, err)

	_, err = bt.Run(func(state StrategyState) []Signal { return nil })
	assert.ErrorIs(t, err, ErrNoData)
}

func TestBacktesterCashConservationOnBuyThenSell(t *testing.T) {
	cfg := Config{
		InitialCapital: 10000,
		Commission:     0.01,
		MaxPositions:   1,
	}
	bt, err := New(cfg)
	require.NoError(t, err)

	bars := makeUptrendBars(3, 100, 120)
	bt.LoadData("X", bars)

	step := 0
	strategy := func(state StrategyState) []Signal {
		step++
		switch step {
		case 1:
			return []Signal{{Action: ActionBuy, Symbol: "X", Quantity: 10}}
		case 3:
			return []Signal{{Action: ActionSell, Symbol: "X", Quantity: 10}}
		}
		return nil
	}

	result, err := bt.Run(strategy)
	require.NoError(t, err)
	require.Len(t, result.Trades, 2)

	buy := result.Trades[0]
	sell := result.Trades[1]
	expectedCash := cfg.InitialCapital - (buy.Price*buy.Quantity + buy.Commission) + (sell.Price*sell.Quantity - sell.Commission)
	assert.InDelta(t, expectedCash, result.FinalPortfolio.Cash, 1e-6)
}

func TestBacktesterRejectsBuyBeyondMaxPositions(t *testing.T) {
	cfg := Config{InitialCapital: 100000, MaxPositions: 1}
	bt, err := New(cfg)
	require.NoError(t, err)

	bt.LoadData("A", makeUptrendBars(2, 10, 11))
	bt.LoadData("B", makeUptrendBars(2, 10, 11))

	strategy := func(state StrategyState) []Signal {
		return []Signal{
			{Action: ActionBuy, Symbol: "A", Quantity: 1},
			{Action: ActionBuy, Symbol: "B", Quantity: 1},
		}
	}

	result, err := bt.Run(strategy)
	require.NoError(t, err)
	assert.Len(t, result.Trades, 2) // first timestamp: A opens, B rejected... repeated every bar
	assert.NotEmpty(t, result.Errors)
}
