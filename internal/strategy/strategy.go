package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	appconfig "polyscalp/config"
	"polyscalp/models"
)

// Params are the tunables of the multi-level DCA strategy.
type Params struct {
	EntryTrigger        decimal.Decimal
	DCADrop1            decimal.Decimal
	DCADrop2            decimal.Decimal
	ClipSize            decimal.Decimal
	UnwindTrigger       decimal.Decimal
	TPPrice             decimal.Decimal
	HighScalpEntry      decimal.Decimal
	MaxCompletedCycles  int
	MaxHighScalps       int
	MinEntryTimeLeft    time.Duration
	ForceUnwindTimeLeft time.Duration
	ForceExitTimeLeft   time.Duration
}

// ParamsFromConfig converts the yaml strategy section to decimals once.
func ParamsFromConfig(cfg appconfig.StrategyConfig) Params {
	return Params{
		EntryTrigger:        appconfig.Dec(cfg.EntryTrigger),
		DCADrop1:            appconfig.Dec(cfg.DCADrop1),
		DCADrop2:            appconfig.Dec(cfg.DCADrop2),
		ClipSize:            appconfig.Dec(cfg.ClipSize),
		UnwindTrigger:       appconfig.Dec(cfg.UnwindTrigger),
		TPPrice:             appconfig.Dec(cfg.TPPrice),
		HighScalpEntry:      appconfig.Dec(cfg.HighScalpEntry),
		MaxCompletedCycles:  cfg.MaxCompletedCycles,
		MaxHighScalps:       cfg.MaxHighScalps,
		MinEntryTimeLeft:    cfg.MinEntryTimeLeft.Std(),
		ForceUnwindTimeLeft: cfg.ForceUnwindTimeLeft.Std(),
		ForceExitTimeLeft:   cfg.ForceExitTimeLeft.Std(),
	}
}

// Strategy evaluates a market snapshot into at most one signal.
type Strategy interface {
	Evaluate(ctx *models.MarketContext, now time.Time) models.Signal
}

// MultiLevel is the reference implementation: a priority-ordered rule
// list over the snapshot. It performs no I/O, reads no clock beyond
// now, and never mutates its input.
type MultiLevel struct {
	params Params
}

func NewMultiLevel(params Params) *MultiLevel {
	return &MultiLevel{params: params}
}

var one = decimal.NewFromInt(1)

// Evaluate applies the rules in order; the first match wins.
func (m *MultiLevel) Evaluate(ctx *models.MarketContext, now time.Time) models.Signal {
	timeLeft := ctx.Descriptor.EndTime.Sub(now)

	if sig, ok := m.forceExit(ctx, timeLeft); ok {
		return sig
	}
	if sig, ok := m.forceUnwind(ctx, timeLeft); ok {
		return sig
	}
	if sig, ok := m.placeTakeProfit(ctx, timeLeft); ok {
		return sig
	}
	if sig, ok := m.unwindTrigger(ctx); ok {
		return sig
	}

	// Simultaneous YES and NO ladders only happen mid-unwind; every
	// position-opening rule is suppressed until the state clears.
	if len(ctx.LevelPositions(models.SideYes)) > 0 && len(ctx.LevelPositions(models.SideNo)) > 0 {
		return models.Noop()
	}

	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		if sig, ok := m.addDCA(ctx, side); ok {
			return sig
		}
	}
	if sig, ok := m.initialEntry(ctx, timeLeft); ok {
		return sig
	}
	if sig, ok := m.highScalpEntry(ctx, timeLeft); ok {
		return sig
	}

	return models.Noop()
}

// forceExit closes any remaining position near expiry: inside the
// force-exit window once a position is under water, unconditionally in
// the final minute.
func (m *MultiLevel) forceExit(ctx *models.MarketContext, timeLeft time.Duration) (models.Signal, bool) {
	if timeLeft > m.params.ForceExitTimeLeft || len(ctx.Positions) == 0 {
		return models.Signal{}, false
	}

	trigger := timeLeft <= 60*time.Second
	if !trigger {
		for _, p := range ctx.Positions {
			oppAsk := ctx.Ask(p.Side.Opposite())
			if oppAsk == nil {
				continue
			}
			if p.UnwindPnL(*oppAsk).IsNegative() {
				trigger = true
				break
			}
		}
	}
	if !trigger {
		return models.Signal{}, false
	}

	// One side per call; re-evaluation picks up the remainder.
	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		var held []models.Position
		for _, p := range ctx.Positions {
			if p.Side == side {
				held = append(held, p)
			}
		}
		if len(held) == 0 {
			continue
		}
		size, _ := models.SideTotals(held)
		price := decimal.Zero
		if oppAsk := ctx.Ask(side.Opposite()); oppAsk != nil {
			price = *oppAsk
		}
		return models.Signal{
			Action: models.ActionExitMarket,
			Side:   side,
			Size:   size,
			Price:  price,
			Reason: "force-exit-3min",
		}, true
	}
	return models.Signal{}, false
}

// forceUnwind closes the LEVEL ladder at market once the unwind
// deadline is reached. High-scalp positions are left to their own exit.
func (m *MultiLevel) forceUnwind(ctx *models.MarketContext, timeLeft time.Duration) (models.Signal, bool) {
	if timeLeft > m.params.ForceUnwindTimeLeft {
		return models.Signal{}, false
	}

	yes := ctx.LevelPositions(models.SideYes)
	no := ctx.LevelPositions(models.SideNo)
	if len(yes) == 0 && len(no) == 0 {
		return models.Signal{}, false
	}

	yesSize, _ := models.SideTotals(yes)
	noSize, _ := models.SideTotals(no)

	// Larger ladder first when both exist mid-unwind.
	side := models.SideYes
	size := yesSize
	if len(yes) == 0 || (len(no) > 0 && noSize.GreaterThan(yesSize)) {
		side = models.SideNo
		size = noSize
	}

	price := decimal.Zero
	if oppAsk := ctx.Ask(side.Opposite()); oppAsk != nil {
		price = *oppAsk
	}
	return models.Signal{
		Action: models.ActionForceUnwind,
		Side:   side,
		Size:   size,
		Price:  price,
		Reason: "force-unwind-5min",
	}, true
}

// placeTakeProfit rests a post-only limit for a cheap-entry ladder.
func (m *MultiLevel) placeTakeProfit(ctx *models.MarketContext, timeLeft time.Duration) (models.Signal, bool) {
	if timeLeft <= m.params.ForceUnwindTimeLeft {
		return models.Signal{}, false
	}
	half := decimal.RequireFromString("0.50")

	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		ladder := ctx.LevelPositions(side)
		if len(ladder) == 0 || ctx.HasTPOrder(side) {
			continue
		}
		if models.AvgEntry(ladder).GreaterThan(half) {
			continue
		}
		size, _ := models.SideTotals(ladder)
		return models.Signal{
			Action: models.ActionPlaceTPLimit,
			Side:   side,
			Size:   size,
			Price:  m.params.TPPrice,
			Reason: fmt.Sprintf("tp@%s", m.params.TPPrice.String()),
		}, true
	}
	return models.Signal{}, false
}

// unwindTrigger exits a held side once the opposite ask drops below the
// unwind threshold, locking in the spread.
func (m *MultiLevel) unwindTrigger(ctx *models.MarketContext) (models.Signal, bool) {
	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		var held []models.Position
		for _, p := range ctx.Positions {
			if p.Side == side {
				held = append(held, p)
			}
		}
		if len(held) == 0 {
			continue
		}
		oppAsk := ctx.Ask(side.Opposite())
		if oppAsk == nil || !oppAsk.LessThan(m.params.UnwindTrigger) {
			continue
		}
		size, _ := models.SideTotals(held)
		return models.Signal{
			Action: models.ActionExitMarket,
			Side:   side,
			Size:   size,
			Price:  *oppAsk,
			Reason: "unwind",
		}, true
	}
	return models.Signal{}, false
}

// addDCA averages down the ladder: one rung at drop1, a second at the
// cumulative drop2, measured from the first entry.
func (m *MultiLevel) addDCA(ctx *models.MarketContext, side models.Side) (models.Signal, bool) {
	ladder := ctx.LevelPositions(side)
	if len(ladder) == 0 || len(ladder) > 2 {
		return models.Signal{}, false
	}

	ask := ctx.Ask(side)
	if ask == nil {
		return models.Signal{}, false
	}

	firstEntry := ladder[0].EntryPrice
	for _, p := range ladder {
		if p.DCALevel == 0 {
			firstEntry = p.EntryPrice
			break
		}
	}

	var dcaLevel int
	var threshold decimal.Decimal
	switch len(ladder) {
	case 2:
		dcaLevel = 2
		threshold = firstEntry.Sub(m.params.DCADrop2)
	case 1:
		dcaLevel = 1
		threshold = firstEntry.Sub(m.params.DCADrop1)
	}
	if ask.GreaterThan(threshold) {
		return models.Signal{}, false
	}

	return models.Signal{
		Action:   enterAction(side),
		Side:     side,
		Size:     m.params.ClipSize,
		Price:    *ask,
		Reason:   fmt.Sprintf("dca-%d", dcaLevel),
		DCALevel: dcaLevel,
	}, true
}

// initialEntry opens the first ladder rung on the cheaper side.
func (m *MultiLevel) initialEntry(ctx *models.MarketContext, timeLeft time.Duration) (models.Signal, bool) {
	if len(ctx.LevelPositions(models.SideYes)) > 0 || len(ctx.LevelPositions(models.SideNo)) > 0 {
		return models.Signal{}, false
	}
	if ctx.CompletedCycles >= m.params.MaxCompletedCycles {
		return models.Signal{}, false
	}
	if timeLeft < m.params.MinEntryTimeLeft {
		return models.Signal{}, false
	}

	yesAsk, noAsk := ctx.YesAsk, ctx.NoAsk
	yesOK := yesAsk != nil && yesAsk.LessThanOrEqual(m.params.EntryTrigger)
	noOK := noAsk != nil && noAsk.LessThanOrEqual(m.params.EntryTrigger)
	if !yesOK && !noOK {
		return models.Signal{}, false
	}

	// Cheaper side wins; YES on ties.
	side := models.SideYes
	price := yesAsk
	if !yesOK || (noOK && noAsk.LessThan(*yesAsk)) {
		side = models.SideNo
		price = noAsk
	}

	return models.Signal{
		Action:   enterAction(side),
		Side:     side,
		Size:     m.params.ClipSize,
		Price:    *price,
		Reason:   fmt.Sprintf("entry@%s", price.String()),
		DCALevel: 0,
	}, true
}

// highScalpEntry takes the opportunistic late entry on a high-priced
// side once LEVEL entries are time-barred.
func (m *MultiLevel) highScalpEntry(ctx *models.MarketContext, timeLeft time.Duration) (models.Signal, bool) {
	if timeLeft >= m.params.MinEntryTimeLeft {
		return models.Signal{}, false
	}
	if ctx.HighScalpCount >= m.params.MaxHighScalps {
		return models.Signal{}, false
	}

	for _, side := range []models.Side{models.SideYes, models.SideNo} {
		if len(ctx.LevelPositions(side)) > 0 || len(ctx.HighScalpPositions(side)) > 0 {
			continue
		}
		ask := ctx.Ask(side)
		if ask == nil {
			continue
		}
		if ask.GreaterThan(m.params.HighScalpEntry) || ask.LessThanOrEqual(m.params.EntryTrigger) {
			continue
		}
		return models.Signal{
			Action:      enterAction(side),
			Side:        side,
			Size:        m.params.ClipSize,
			Price:       *ask,
			Reason:      "high-scalp",
			IsHighScalp: true,
		}, true
	}
	return models.Signal{}, false
}

func enterAction(side models.Side) models.Action {
	if side == models.SideYes {
		return models.ActionEnterYes
	}
	return models.ActionEnterNo
}

// Validate rejects malformed evaluator output. A violation here is a
// programming bug and must abort the tick for the market.
func Validate(sig models.Signal) error {
	if sig.IsNoop() {
		return nil
	}
	if !sig.Side.Valid() {
		return fmt.Errorf("signal has unknown side %q", sig.Side)
	}
	if sig.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("signal size must be positive, got %s", sig.Size)
	}
	switch sig.Action {
	case models.ActionEnterYes, models.ActionEnterNo, models.ActionPlaceTPLimit,
		models.ActionExitMarket, models.ActionForceUnwind:
	default:
		return fmt.Errorf("signal has unknown action %q", sig.Action)
	}
	if sig.Price.IsNegative() || sig.Price.GreaterThan(one) {
		return fmt.Errorf("signal price %s outside [0,1]", sig.Price)
	}
	return nil
}
