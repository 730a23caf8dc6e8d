package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// FollowRecommend tracks a named competitor's price. The search runs over
// the un-filtered set — the operator has chosen whom to follow, so no
// quality predicate applies. Returns nil when the target is not in the
// scan; the caller decides whether to fall back to smart mode.
func FollowRecommend(targetNick, targetUserNo string, all []models.Competitor,
	reference decimal.Decimal, side models.Side, cfg *models.BotConfig) *models.PricingAnalysis {

	target, found := locateTarget(targetNick, targetUserNo, all)
	if !found {
		return nil
	}

	// Follow has its own match/undercut sub-config, independent of the
	// smart-mode setting.
	best := target.Price
	price, strategy := applyStrategy(best, side, cfg.FollowMatchPrice, cfg.FollowUndercutCents)
	price, clamped := clampToMargin(price, reference, side, cfg.MinMarginPercent, cfg.MaxMarginPercent)
	price = price.RoundBank(2)

	return &models.PricingAnalysis{
		Mode:           models.ModeFollow,
		Strategy:       strategy,
		BestPrice:      best,
		TargetPrice:    price,
		MarginPercent:  marginPercent(price, reference),
		QualifiedCount: len(all),
		TargetFound:    true,
		Clamped:        clamped,
	}
}

// locateTarget finds the followed advertiser: by user number first (the
// stable identifier), then case-insensitive exact nickname, then
// substring in either direction.
func locateTarget(targetNick, targetUserNo string, all []models.Competitor) (models.Competitor, bool) {
	if targetUserNo != "" {
		for _, comp := range all {
			if comp.UserNo == targetUserNo {
				return comp, true
			}
		}
	}
	if targetNick == "" {
		return models.Competitor{}, false
	}

	for _, comp := range all {
		if strings.EqualFold(comp.NickName, targetNick) {
			return comp, true
		}
	}

	lowerTarget := strings.ToLower(targetNick)
	for _, comp := range all {
		lowerNick := strings.ToLower(comp.NickName)
		if strings.Contains(lowerNick, lowerTarget) || strings.Contains(lowerTarget, lowerNick) {
			return comp, true
		}
	}
	return models.Competitor{}, false
}
