package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token identifies one side (YES or NO) of a binary market at the venue.
type Token string

// Side of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// MarketDescriptor is the immutable identity of a binary market,
// supplied externally through the control surface.
type MarketDescriptor struct {
	MarketID string          `json:"market_id"`
	Question string          `json:"question"`
	TokenYes Token           `json:"token_yes"`
	TokenNo  Token           `json:"token_no"`
	EndTime  time.Time       `json:"end_time"`
	MinTick  decimal.Decimal `json:"min_tick"`
}

// Token returns the token for the given side.
func (d MarketDescriptor) Token(side Side) Token {
	if side == SideYes {
		return d.TokenYes
	}
	return d.TokenNo
}

// Position is one fill-confirmed holding on a (market, side).
type Position struct {
	Side        Side
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	EntryTime   time.Time
	IsHighScalp bool
	DCALevel    int
}

// Cost is size * entry price.
func (p Position) Cost() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// UnwindPnL is the profit of closing this position by buying the
// opposite token at oppAsk: size * (1 - entry - oppAsk).
func (p Position) UnwindPnL(oppAsk decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(decimal.NewFromInt(1).Sub(p.EntryPrice).Sub(oppAsk))
}

// MarketContext is the mutable per-market runtime state. The strategy
// evaluator only ever sees deep copies produced by the store.
type MarketContext struct {
	Descriptor MarketDescriptor

	// Latest top of book per side. Nil until the first quote arrives
	// and nil again while the book is rebuilding after a gap.
	YesAsk *decimal.Decimal
	NoAsk  *decimal.Decimal
	YesBid *decimal.Decimal
	NoBid  *decimal.Decimal

	Positions []Position

	CompletedCycles int
	HighScalpCount  int

	ActiveTPOrderIDs map[string]Side

	LastSignalTime time.Time
	Quarantined    bool
}

// LevelPositions returns the non-high-scalp positions on the given side.
func (c *MarketContext) LevelPositions(side Side) []Position {
	var out []Position
	for _, p := range c.Positions {
		if p.Side == side && !p.IsHighScalp {
			out = append(out, p)
		}
	}
	return out
}

// HighScalpPositions returns the high-scalp positions on the given side.
func (c *MarketContext) HighScalpPositions(side Side) []Position {
	var out []Position
	for _, p := range c.Positions {
		if p.Side == side && p.IsHighScalp {
			out = append(out, p)
		}
	}
	return out
}

// SideTotals sums size and cost for the given positions.
func SideTotals(positions []Position) (size, cost decimal.Decimal) {
	for _, p := range positions {
		size = size.Add(p.Size)
		cost = cost.Add(p.Cost())
	}
	return size, cost
}

// AvgEntry computes the size-weighted average entry price, zero when empty.
func AvgEntry(positions []Position) decimal.Decimal {
	size, cost := SideTotals(positions)
	if size.IsZero() {
		return decimal.Zero
	}
	return cost.Div(size)
}

// HasTPOrder reports whether a take-profit order is resting for side.
func (c *MarketContext) HasTPOrder(side Side) bool {
	for _, s := range c.ActiveTPOrderIDs {
		if s == side {
			return true
		}
	}
	return false
}

// Clone deep-copies the mutable fields so the evaluator can read the
// snapshot without racing live mutation.
func (c *MarketContext) Clone() *MarketContext {
	cp := *c
	cp.Positions = append([]Position(nil), c.Positions...)
	cp.ActiveTPOrderIDs = make(map[string]Side, len(c.ActiveTPOrderIDs))
	for id, side := range c.ActiveTPOrderIDs {
		cp.ActiveTPOrderIDs[id] = side
	}
	cp.YesAsk = cloneDec(c.YesAsk)
	cp.NoAsk = cloneDec(c.NoAsk)
	cp.YesBid = cloneDec(c.YesBid)
	cp.NoBid = cloneDec(c.NoBid)
	return &cp
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Ask returns the latest best ask for side, nil when unknown.
func (c *MarketContext) Ask(side Side) *decimal.Decimal {
	if side == SideYes {
		return c.YesAsk
	}
	return c.NoAsk
}

// Action is the kind of order work a signal requests.
type Action string

const (
	ActionEnterYes     Action = "ENTER_YES"
	ActionEnterNo      Action = "ENTER_NO"
	ActionPlaceTPLimit Action = "PLACE_TP_LIMIT"
	ActionExitMarket   Action = "EXIT_MARKET"
	ActionForceUnwind  Action = "FORCE_UNWIND"
	ActionNoop         Action = "NOOP"
)

// IsEntry reports whether the action opens new exposure.
func (a Action) IsEntry() bool {
	return a == ActionEnterYes || a == ActionEnterNo
}

// Signal is the evaluator's verdict for one market at one instant.
type Signal struct {
	Action      Action
	Side        Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	Reason      string
	DCALevel    int
	IsHighScalp bool
}

// Noop is the empty signal.
func Noop() Signal {
	return Signal{Action: ActionNoop}
}

// IsNoop reports whether the signal requires no action.
func (s Signal) IsNoop() bool {
	return s.Action == ActionNoop || s.Action == ""
}
