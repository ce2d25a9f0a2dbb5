package backtester

import (
	"context"
	"fmt"
	"math"
	"time"
)

// executeSignal resolves sig against currentBars and applies it to st,
// appending a Trade on success or a message to st.errors on rejection.
// Missing market data and rejections never abort the run.
func (bt *Backtester) executeSignal(st *runState, ts time.Time, currentBars map[string]HistoricalBar, sig Signal) {
	bar, ok := currentBars[sig.Symbol]
	if !ok {
		st.errors = append(st.errors, fmt.Sprintf("%s %s at %s: no bar for symbol", sig.Action, sig.Symbol, ts))
		return
	}

	switch sig.Action {
	case ActionBuy:
		bt.executeBuy(st, ts, bar, sig)
	case ActionSell:
		bt.executeSell(st, ts, bar, sig)
	case ActionShort:
		if !bt.cfg.AllowShorts {
			st.errors = append(st.errors, fmt.Sprintf("short %s at %s: shorting disabled", sig.Symbol, ts))
			return
		}
		bt.executeShort(st, ts, bar, sig)
	case ActionCover:
		if !bt.cfg.AllowShorts {
			st.errors = append(st.errors, fmt.Sprintf("cover %s at %s: shorting disabled", sig.Symbol, ts))
			return
		}
		bt.executeCover(st, ts, bar, sig)
	default:
		st.errors = append(st.errors, fmt.Sprintf("unknown action %q for %s at %s", sig.Action, sig.Symbol, ts))
	}
}

// sizeQuantity resolves an omitted Signal.Quantity via the configured
// position-sizing rule. effectivePrice is the price the fill would occur
// at; totalValue is the portfolio's value before this trade.
func (bt *Backtester) sizeQuantity(sig Signal, effectivePrice, totalValue float64) (float64, error) {
	if sig.Quantity > 0 {
		return sig.Quantity, nil
	}
	switch bt.cfg.PositionSizing {
	case SizePercent:
		if effectivePrice <= 0 {
			return 0, fmt.Errorf("backtester: cannot size percent position at zero price")
		}
		return (bt.cfg.PositionSize * totalValue) / effectivePrice, nil
	case SizeRisk:
		stopDistance := math.Abs(effectivePrice - sig.LimitPrice)
		if stopDistance <= 0 {
			return 0, fmt.Errorf("backtester: risk sizing requires signal.LimitPrice as a stop distinct from the fill price")
		}
		return bt.cfg.PositionSize / stopDistance, nil
	default: // SizeFixed, or unset
		return bt.cfg.PositionSize, nil
	}
}

func (bt *Backtester) executeBuy(st *runState, ts time.Time, bar HistoricalBar, sig Signal) {
	if openPositionCount(st.positions, sig.Symbol) >= bt.cfg.MaxPositions {
		st.errors = append(st.errors, fmt.Sprintf("buy %s at %s: max positions reached", sig.Symbol, ts))
		return
	}

	effectivePrice := bar.Close * (1 + bt.cfg.Slippage)
	totalValue := bt.totalValue(st)
	quantity, err := bt.sizeQuantity(sig, effectivePrice, totalValue)
	if err != nil {
		st.errors = append(st.errors, fmt.Sprintf("buy %s at %s: %v", sig.Symbol, ts, err))
		return
	}

	if effectivePrice > 0 {
		maxAffordable := st.cash / (effectivePrice * (1 + bt.cfg.Commission))
		quantity = clampMax(quantity, maxAffordable)
	}
	if quantity <= 0 {
		st.errors = append(st.errors, fmt.Sprintf("buy %s at %s: insufficient cash for any quantity", sig.Symbol, ts))
		return
	}

	commission := effectivePrice * quantity * bt.cfg.Commission
	cost := effectivePrice*quantity + commission
	st.cash -= cost

	pos, exists := st.positions[sig.Symbol]
	if !exists {
		pos = &Position{Symbol: sig.Symbol, CurrentPrice: bar.Close}
		st.positions[sig.Symbol] = pos
	}
	newQty := pos.Quantity + quantity
	pos.AvgCost = weightedAverage(pos.Quantity, pos.AvgCost, quantity, effectivePrice)
	pos.Quantity = newQty
	pos.CurrentPrice = bar.Close

	bt.recordTrade(ts, Trade{
		Timestamp: ts, Symbol: sig.Symbol, Action: ActionBuy,
		Price: effectivePrice, Quantity: quantity, Commission: commission,
		Slippage: effectivePrice - bar.Close, Reason: sig.Reason,
	}, st)
}

func (bt *Backtester) executeSell(st *runState, ts time.Time, bar HistoricalBar, sig Signal) {
	pos, ok := st.positions[sig.Symbol]
	if !ok || pos.Quantity <= 0 {
		st.errors = append(st.errors, fmt.Sprintf("sell %s at %s: no long position held", sig.Symbol, ts))
		return
	}

	effectivePrice := bar.Close * (1 - bt.cfg.Slippage)
	quantity := sig.Quantity
	if quantity <= 0 {
		quantity = pos.Quantity
	}
	quantity = clampMax(quantity, pos.Quantity)

	commission := effectivePrice * quantity * bt.cfg.Commission
	st.cash += effectivePrice*quantity - commission
	realized := (effectivePrice - pos.AvgCost) * quantity

	pos.Quantity -= quantity
	pos.CurrentPrice = bar.Close
	if pos.Quantity == 0 {
		delete(st.positions, sig.Symbol)
	}

	bt.recordTrade(ts, Trade{
		Timestamp: ts, Symbol: sig.Symbol, Action: ActionSell,
		Price: effectivePrice, Quantity: quantity, Commission: commission,
		Slippage: bar.Close - effectivePrice, Reason: sig.Reason, RealizedPnL: realized,
	}, st)
}

func (bt *Backtester) executeShort(st *runState, ts time.Time, bar HistoricalBar, sig Signal) {
	if openPositionCount(st.positions, sig.Symbol) >= bt.cfg.MaxPositions {
		st.errors = append(st.errors, fmt.Sprintf("short %s at %s: max positions reached", sig.Symbol, ts))
		return
	}

	effectivePrice := bar.Close * (1 - bt.cfg.Slippage)
	totalValue := bt.totalValue(st)
	quantity, err := bt.sizeQuantity(sig, effectivePrice, totalValue)
	if err != nil {
		st.errors = append(st.errors, fmt.Sprintf("short %s at %s: %v", sig.Symbol, ts, err))
		return
	}
	if quantity <= 0 {
		st.errors = append(st.errors, fmt.Sprintf("short %s at %s: non-positive quantity", sig.Symbol, ts))
		return
	}

	commission := effectivePrice * quantity * bt.cfg.Commission
	st.cash += effectivePrice*quantity - commission

	pos, exists := st.positions[sig.Symbol]
	if !exists {
		pos = &Position{Symbol: sig.Symbol, CurrentPrice: bar.Close}
		st.positions[sig.Symbol] = pos
	}
	// Short positions are tracked as negative quantity; avgCost still
	// reflects the entry (short) price, weighted the same way a long
	// position's cost basis accumulates.
	pos.AvgCost = weightedAverage(-pos.Quantity, pos.AvgCost, quantity, effectivePrice)
	pos.Quantity -= quantity
	pos.CurrentPrice = bar.Close

	bt.recordTrade(ts, Trade{
		Timestamp: ts, Symbol: sig.Symbol, Action: ActionShort,
		Price: effectivePrice, Quantity: quantity, Commission: commission,
		Slippage: bar.Close - effectivePrice, Reason: sig.Reason,
	}, st)
}

func (bt *Backtester) executeCover(st *runState, ts time.Time, bar HistoricalBar, sig Signal) {
	pos, ok := st.positions[sig.Symbol]
	if !ok || pos.Quantity >= 0 {
		st.errors = append(st.errors, fmt.Sprintf("cover %s at %s: no short position held", sig.Symbol, ts))
		return
	}

	effectivePrice := bar.Close * (1 + bt.cfg.Slippage)
	held := -pos.Quantity
	quantity := sig.Quantity
	if quantity <= 0 {
		quantity = held
	}
	quantity = clampMax(quantity, held)

	commission := effectivePrice * quantity * bt.cfg.Commission
	st.cash -= effectivePrice*quantity + commission
	realized := (pos.AvgCost - effectivePrice) * quantity

	pos.Quantity += quantity
	pos.CurrentPrice = bar.Close
	if pos.Quantity == 0 {
		delete(st.positions, sig.Symbol)
	}

	bt.recordTrade(ts, Trade{
		Timestamp: ts, Symbol: sig.Symbol, Action: ActionCover,
		Price: effectivePrice, Quantity: quantity, Commission: commission,
		Slippage: effectivePrice - bar.Close, Reason: sig.Reason, RealizedPnL: realized,
	}, st)
}

func (bt *Backtester) recordTrade(ts time.Time, t Trade, st *runState) {
	st.trades = append(st.trades, t)
	bt.bus.Emit(context.Background(), EventTrade, "backtester", t)
}

// weightedAverage blends an additional fill (addQty at addPrice) into an
// existing cost basis (existingQty at existingAvg).
func weightedAverage(existingQty, existingAvg, addQty, addPrice float64) float64 {
	newQty := existingQty + addQty
	if newQty == 0 {
		return 0
	}
	return (existingQty*existingAvg + addQty*addPrice) / newQty
}
