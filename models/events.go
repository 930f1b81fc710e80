package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the stable wire name of an observer event.
type EventKind string

const (
	EventTradeExecuted   EventKind = "trade_executed"
	EventSignalGenerated EventKind = "signal_generated"
	EventMarketUpdate    EventKind = "market_update"
	EventBotStatus       EventKind = "bot_status"
	EventError           EventKind = "error"
)

// Event is the envelope broadcast to observers.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Payload interface{} `json:"payload"`
	TS      time.Time   `json:"ts"`
}

// TradeExecuted reports a confirmed fill.
type TradeExecuted struct {
	MarketID string           `json:"market_id"`
	Action   Action           `json:"action"`
	Side     Side             `json:"side"`
	Size     decimal.Decimal  `json:"size"`
	Price    decimal.Decimal  `json:"price"`
	PnL      *decimal.Decimal `json:"pnl,omitempty"`
	Reason   string           `json:"reason"`
	TS       time.Time        `json:"ts"`
}

// SignalGenerated reports an evaluator decision before execution.
type SignalGenerated struct {
	MarketID string          `json:"market_id"`
	Action   Action          `json:"action"`
	Side     Side            `json:"side"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason"`
	DCALevel int             `json:"dca_level"`
	TS       time.Time       `json:"ts"`
}

// PositionSummary is the condensed holdings view inside MarketUpdate.
type PositionSummary struct {
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	NumPositions  int             `json:"num_positions"`
}

// MarketUpdate reports a top-of-book change for one market.
type MarketUpdate struct {
	MarketID        string            `json:"market_id"`
	YesPrice        *decimal.Decimal  `json:"yes_price"`
	NoPrice         *decimal.Decimal  `json:"no_price"`
	YesBid          *decimal.Decimal  `json:"yes_bid"`
	NoBid           *decimal.Decimal  `json:"no_bid"`
	TimeLeft        float64           `json:"time_left"`
	PositionSummary []PositionSummary `json:"position_summary"`
	TS              time.Time         `json:"ts"`
}

// BotStatus is the periodic heartbeat.
type BotStatus struct {
	Running            bool            `json:"running"`
	Halted             bool            `json:"halted"`
	ActiveMarkets      int             `json:"active_markets"`
	QuarantinedMarkets int             `json:"quarantined_markets"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	WinRate            float64         `json:"win_rate"`
	CompletedTrades    int             `json:"completed_trades"`
	TS                 time.Time       `json:"ts"`
}

// ErrorEvent reports a fault to observers.
type ErrorEvent struct {
	MarketID string    `json:"market_id,omitempty"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail"`
	TS       time.Time `json:"ts"`
}
