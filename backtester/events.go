package backtester

// Event type constants emitted on a Backtester's bus. Purely observational
// per the design notes: nothing in the replay loop reads its own emitted
// events back.
const (
	EventDataLoaded = "com.tradeflow.backtester.data.loaded"
	EventProgress   = "com.tradeflow.backtester.progress"
	EventTrade      = "com.tradeflow.backtester.trade"
	EventSnapshot   = "com.tradeflow.backtester.snapshot"
	EventComplete   = "com.tradeflow.backtester.complete"
)
