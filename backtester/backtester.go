package backtester

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/brokeagent/tradeflow/events"
	"github.com/brokeagent/tradeflow/logging"
)

// Backtester replays loaded historical bars through a user Strategy,
// modeling commission, slippage, position sizing and limits, and computing
// performance metrics. A single Backtester runs one Run at a time; it is
// not safe to call Run concurrently on the same instance.
type Backtester struct {
	cfg    Config
	bus    *events.Bus
	logger logging.Logger
	bars   map[string][]HistoricalBar
}

// Option configures a Backtester at construction time.
type Option func(*Backtester)

func WithBus(b *events.Bus) Option { return func(bt *Backtester) { bt.bus = b } }

func WithLogger(l logging.Logger) Option { return func(bt *Backtester) { bt.logger = l } }

// New constructs a Backtester. Returns a ConfigurationError-class error if
// cfg is invalid.
func New(cfg Config, opts ...Option) (*Backtester, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	bt := &Backtester{
		cfg:    cfg,
		bus:    events.New(),
		logger: logging.NewNop(),
		bars:   make(map[string][]HistoricalBar),
	}
	for _, opt := range opts {
		opt(bt)
	}
	return bt, nil
}

// Bus exposes the backtester's event bus.
func (bt *Backtester) Bus() *events.Bus { return bt.bus }

// On subscribes handler to eventType on the backtester's bus.
func (bt *Backtester) On(eventType string, handler events.Handler) {
	bt.bus.On(eventType, handler)
}

// LoadData filters bars to [StartDate, EndDate], sorts them ascending by
// timestamp, and stores them for symbol, replacing any prior load.
func (bt *Backtester) LoadData(symbol string, bars []HistoricalBar) {
	filtered := make([]HistoricalBar, 0, len(bars))
	for _, b := range bars {
		if !bt.cfg.StartDate.IsZero() && b.Timestamp.Before(bt.cfg.StartDate) {
			continue
		}
		if !bt.cfg.EndDate.IsZero() && b.Timestamp.After(bt.cfg.EndDate) {
			continue
		}
		filtered = append(filtered, b)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Timestamp.Before(filtered[j].Timestamp) })
	bt.bars[symbol] = filtered

	bt.bus.Emit(context.Background(), EventDataLoaded, "backtester", dataLoadedPayload{Symbol: symbol, Bars: len(filtered)})
}

type dataLoadedPayload struct {
	Symbol string `json:"symbol"`
	Bars   int    `json:"bars"`
}

// runState is the mutable simulation state threaded through one Run.
type runState struct {
	cash      float64
	positions map[string]*Position
	cursors   map[string]int
	trades    []Trade
	snapshots []DailySnapshot
	errors    []string
}

// Run executes the simulation driver: builds the timeline, steps through
// it bar by bar invoking strategy, and returns the full trade/snapshot
// record plus computed metrics. Fails fast if no loaded symbol has data.
func (bt *Backtester) Run(strategy Strategy) (Result, error) {
	timeline := bt.buildTimeline()
	if len(timeline) == 0 {
		return Result{}, ErrNoData
	}

	st := &runState{
		cash:      bt.cfg.InitialCapital,
		positions: make(map[string]*Position),
		cursors:   make(map[string]int),
	}

	total := len(timeline)
	lastPct := -1
	var prevTotalValue float64

	for i, ts := range timeline {
		currentBars := bt.barsAt(st, ts)

		for symbol, pos := range st.positions {
			if bar, ok := currentBars[symbol]; ok {
				pos.CurrentPrice = bar.Close
			}
		}

		portfolioSnapshot := bt.snapshotPortfolio(st)
		signals := bt.invokeStrategy(strategy, st, ts, currentBars, portfolioSnapshot)

		for _, sig := range signals {
			bt.executeSignal(st, ts, currentBars, sig)
		}

		totalValue := bt.totalValue(st)
		cumulative := 0.0
		if bt.cfg.InitialCapital != 0 {
			cumulative = totalValue/bt.cfg.InitialCapital - 1
		}
		daily := 0.0
		if i > 0 && prevTotalValue != 0 {
			daily = totalValue/prevTotalValue - 1
		}
		prevTotalValue = totalValue

		snap := DailySnapshot{
			Date:             ts,
			Cash:             st.cash,
			Positions:        copyPositions(st.positions),
			TotalValue:       totalValue,
			CumulativeReturn: cumulative,
			DailyReturn:      daily,
		}
		st.snapshots = append(st.snapshots, snap)
		bt.bus.Emit(context.Background(), EventSnapshot, "backtester", snap)

		pct := (i + 1) * 100 / total
		if pct != lastPct {
			lastPct = pct
			bt.bus.Emit(context.Background(), EventProgress, "backtester", progressPayload{Percent: pct})
		}
	}

	finalPortfolio := bt.snapshotPortfolio(st)
	metrics := computeMetrics(bt.cfg.InitialCapital, st.snapshots, st.trades)
	result := Result{
		Trades:         st.trades,
		DailySnapshots: st.snapshots,
		FinalPortfolio: finalPortfolio,
		Metrics:        metrics,
		Errors:         st.errors,
	}
	bt.bus.Emit(context.Background(), EventComplete, "backtester", completePayload{Trades: len(st.trades), Errors: len(st.errors)})
	return result, nil
}

type progressPayload struct {
	Percent int `json:"percent"`
}

type completePayload struct {
	Trades int `json:"trades"`
	Errors int `json:"errors"`
}

// buildTimeline collects every unique bar timestamp across loaded symbols
// and returns them sorted ascending.
func (bt *Backtester) buildTimeline() []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range bt.bars {
		for _, b := range bars {
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	timeline := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		timeline = append(timeline, t)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Before(timeline[j]) })
	return timeline
}

// barsAt advances each symbol's cursor to ts and returns the bars present
// at exactly ts. Symbols with no bar at ts are omitted.
func (bt *Backtester) barsAt(st *runState, ts time.Time) map[string]HistoricalBar {
	out := make(map[string]HistoricalBar)
	for symbol, bars := range bt.bars {
		cursor := st.cursors[symbol]
		for cursor < len(bars) && bars[cursor].Timestamp.Before(ts) {
			cursor++
		}
		if cursor < len(bars) && bars[cursor].Timestamp.Equal(ts) {
			out[symbol] = bars[cursor]
		}
		st.cursors[symbol] = cursor
	}
	return out
}

func (bt *Backtester) invokeStrategy(strategy Strategy, st *runState, ts time.Time, bars map[string]HistoricalBar, portfolio Portfolio) (signals []Signal) {
	defer func() {
		if r := recover(); r != nil {
			st.errors = append(st.errors, fmt.Sprintf("strategy panicked at %s: %v", ts, r))
			signals = nil
		}
	}()
	return strategy(StrategyState{Timestamp: ts, Bars: bars, Portfolio: portfolio})
}

func (bt *Backtester) snapshotPortfolio(st *runState) Portfolio {
	p := Portfolio{Cash: st.cash, Positions: copyPositions(st.positions)}
	var unrealized float64
	for _, pos := range p.Positions {
		unrealized += (pos.CurrentPrice - pos.AvgCost) * pos.Quantity
	}
	p.UnrealizedPnL = unrealized
	p.TotalValue = bt.totalValue(st)
	return p
}

func (bt *Backtester) totalValue(st *runState) float64 {
	total := st.cash
	for _, pos := range st.positions {
		total += pos.Quantity * pos.CurrentPrice
	}
	return total
}

func copyPositions(in map[string]*Position) map[string]Position {
	out := make(map[string]Position, len(in))
	for symbol, pos := range in {
		out[symbol] = *pos
	}
	return out
}

// openPositionCount counts positions with non-zero quantity, excluding
// exclude, per the buy/short maxPositions rule.
func openPositionCount(positions map[string]*Position, exclude string) int {
	n := 0
	for symbol, pos := range positions {
		if symbol == exclude {
			continue
		}
		if pos.Quantity != 0 {
			n++
		}
	}
	return n
}

func clampMax(quantity, max float64) float64 {
	if quantity > max {
		return max
	}
	return quantity
}
