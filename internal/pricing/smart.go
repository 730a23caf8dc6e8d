package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

var oneHundred = decimal.NewFromInt(100)

// SmartRecommend computes the target price from the qualified competitor
// set. Pure function: same inputs, same output. Returns nil when the
// qualified set is empty — the caller decides what "no recommendation"
// means for the tick.
func SmartRecommend(qualified []models.Competitor, reference decimal.Decimal,
	side models.Side, cfg *models.BotConfig) *models.PricingAnalysis {

	if len(qualified) == 0 {
		return nil
	}

	best := qualified[0].Price
	target, strategy := applyStrategy(best, side, cfg.MatchPrice, cfg.UndercutCents)
	target, clamped := clampToMargin(target, reference, side, cfg.MinMarginPercent, cfg.MaxMarginPercent)
	target = target.RoundBank(2)

	return &models.PricingAnalysis{
		Mode:           models.ModeSmart,
		Strategy:       strategy,
		BestPrice:      best,
		TargetPrice:    target,
		MarginPercent:  marginPercent(target, reference),
		QualifiedCount: len(qualified),
		Clamped:        clamped,
	}
}

// applyStrategy returns the raw target before clamping: the best price
// itself when matching, or one step more competitive when undercutting.
func applyStrategy(best decimal.Decimal, side models.Side, matchPrice bool, undercutCents int64) (decimal.Decimal, string) {
	if matchPrice {
		return best, "match"
	}
	step := decimal.NewFromInt(undercutCents).Div(oneHundred)
	if side == models.SideSell {
		return best.Sub(step), "undercut"
	}
	return best.Add(step), "undercut"
}

// clampToMargin bounds the target relative to the reference price. The
// margins are signed percentages and intentionally wide; the clamp stops
// runaway pricing when the reference is stale, it does not steer
// strategy. SELL clamps into [ref·(1+min), ref·(1+max)]; BUY mirrors it.
// A non-positive reference disables the clamp.
func clampToMargin(target, reference decimal.Decimal, side models.Side,
	minMarginPercent, maxMarginPercent float64) (decimal.Decimal, bool) {

	if !reference.IsPositive() {
		return target, false
	}

	minFactor := decimal.NewFromFloat(1 + minMarginPercent/100)
	maxFactor := decimal.NewFromFloat(1 + maxMarginPercent/100)

	var lo, hi decimal.Decimal
	if side == models.SideSell {
		lo = reference.Mul(minFactor)
		hi = reference.Mul(maxFactor)
	} else {
		lo = reference.Mul(decimal.NewFromFloat(1 - maxMarginPercent/100))
		hi = reference.Mul(decimal.NewFromFloat(1 - minMarginPercent/100))
	}

	switch {
	case target.LessThan(lo):
		return lo.RoundBank(2), true
	case target.GreaterThan(hi):
		return hi.RoundBank(2), true
	default:
		return target, false
	}
}

func marginPercent(target, reference decimal.Decimal) float64 {
	if !reference.IsPositive() {
		return 0
	}
	pct, _ := target.Div(reference).Sub(decimal.NewFromInt(1)).Mul(oneHundred).Float64()
	return pct
}
