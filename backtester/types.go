// Package backtester runs a user strategy against time-aligned historical
// bars in a deterministic, event-driven replay loop, modeling commission,
// slippage, position sizing and limits, and computing performance metrics.
package backtester

import "time"

// HistoricalBar is a single OHLCV record for one symbol at one timestamp.
type HistoricalBar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Action is the trade direction a Signal requests.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionShort Action = "short"
	ActionCover Action = "cover"
)

// Signal is a strategy's instruction to trade, for one symbol, at the
// current timestamp.
type Signal struct {
	Action     Action
	Symbol     string
	Quantity   float64 // 0 means "size via the configured position-sizing rule"
	LimitPrice float64 // not a fill limit: orders always fill at the bar's close adjusted for slippage; SizeRisk reads it as the stop price
	Reason     string
}

// Position is an open holding in one symbol. Quantity is negative for an
// open short.
type Position struct {
	Symbol       string
	Quantity     float64
	AvgCost      float64
	CurrentPrice float64
}

// Portfolio is the simulated account: cash plus open positions.
type Portfolio struct {
	Cash          float64
	Positions     map[string]Position
	TotalValue    float64
	RealizedPnL   float64
	UnrealizedPnL float64
}

// Trade is an executed fill. RealizedPnL is only meaningful for Sell/Cover
// fills, which close out (all or part of) an existing position.
type Trade struct {
	Timestamp   time.Time
	Symbol      string
	Action      Action
	Price       float64
	Quantity    float64
	Commission  float64
	Slippage    float64
	Reason      string
	RealizedPnL float64
}

// DailySnapshot is a point-in-time record of portfolio value and returns,
// written once per replayed timestamp.
type DailySnapshot struct {
	Date             time.Time
	Cash             float64
	Positions        map[string]Position
	TotalValue       float64
	CumulativeReturn float64
	DailyReturn      float64
}

// Metrics are computed once, at the end of a run, from dailySnapshots and
// trades.
type Metrics struct {
	TotalReturn          float64
	Volatility           float64
	AnnualizedVolatility float64
	SharpeRatio          float64
	MaxDrawdown          float64

	TradeCount   int
	WinRate      float64
	AverageWin   float64
	AverageLoss  float64
	ProfitFactor float64
}

// Result is what Run returns: the full record of a backtest.
type Result struct {
	Trades         []Trade
	DailySnapshots []DailySnapshot
	FinalPortfolio Portfolio
	Metrics        Metrics
	Errors         []string
}

// StrategyState is the read-only view a Strategy receives each timestamp:
// the current bars and a snapshot of the portfolio after the prior
// timestamp's fills, with positions marked to the current bars' closes.
type StrategyState struct {
	Timestamp time.Time
	Bars      map[string]HistoricalBar
	Portfolio Portfolio
}

// Strategy is user-supplied trading logic. It must not mutate the state it
// receives and must return promptly; panics are recovered and recorded as
// a StrategyError.
type Strategy func(state StrategyState) []Signal
