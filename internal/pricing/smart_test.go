package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sellConfig() *models.BotConfig {
	cfg := models.DefaultBotConfig(1)
	cfg.UndercutCents = 1
	cfg.MatchPrice = false
	cfg.MinMarginPercent = -5
	cfg.MaxMarginPercent = 5
	return cfg
}

func comps(prices ...string) []models.Competitor {
	out := make([]models.Competitor, 0, len(prices))
	for _, p := range prices {
		out = append(out, models.Competitor{Price: dec(p)})
	}
	return out
}

func TestSmartRecommend_UndercutSell(t *testing.T) {
	// Best seller sits at 20.40; undercut by one cent → 20.39
	analysis := SmartRecommend(comps("20.40", "20.55"), dec("20.50"), models.SideSell, sellConfig())

	if analysis == nil {
		t.Fatal("Expected a recommendation")
	}
	if !analysis.TargetPrice.Equal(dec("20.39")) {
		t.Errorf("Expected target 20.39, got %s", analysis.TargetPrice)
	}
	if analysis.Strategy != "undercut" {
		t.Errorf("Expected strategy undercut, got %s", analysis.Strategy)
	}
	if analysis.Clamped {
		t.Error("Expected no clamp inside the margin band")
	}
}

func TestSmartRecommend_MatchPrice(t *testing.T) {
	cfg := sellConfig()
	cfg.MatchPrice = true

	analysis := SmartRecommend(comps("20.40"), dec("20.50"), models.SideSell, cfg)
	if !analysis.TargetPrice.Equal(dec("20.40")) {
		t.Errorf("Expected target 20.40 when matching, got %s", analysis.TargetPrice)
	}
	if analysis.Strategy != "match" {
		t.Errorf("Expected strategy match, got %s", analysis.Strategy)
	}
}

func TestSmartRecommend_BuySideAddsStep(t *testing.T) {
	// On the BUY side "more competitive" means higher
	analysis := SmartRecommend(comps("20.40"), dec("20.50"), models.SideBuy, sellConfig())
	if !analysis.TargetPrice.Equal(dec("20.41")) {
		t.Errorf("Expected target 20.41 on BUY side, got %s", analysis.TargetPrice)
	}
}

func TestSmartRecommend_ClampFloor(t *testing.T) {
	// A dumping competitor at 15.00 must not pull us below ref·(1-5%)
	cfg := sellConfig()
	analysis := SmartRecommend(comps("15.00"), dec("20.00"), models.SideSell, cfg)

	if !analysis.Clamped {
		t.Error("Expected the clamp to trigger")
	}
	// 20.00 · 0.95 = 19.00
	if !analysis.TargetPrice.Equal(dec("19.00")) {
		t.Errorf("Expected clamped target 19.00, got %s", analysis.TargetPrice)
	}
}

func TestSmartRecommend_ClampCeiling(t *testing.T) {
	cfg := sellConfig()
	analysis := SmartRecommend(comps("25.00"), dec("20.00"), models.SideSell, cfg)

	// 20.00 · 1.05 = 21.00
	if !analysis.Clamped || !analysis.TargetPrice.Equal(dec("21.00")) {
		t.Errorf("Expected clamped target 21.00, got %s (clamped=%v)", analysis.TargetPrice, analysis.Clamped)
	}
}

func TestSmartRecommend_NonPositiveReferenceDisablesClamp(t *testing.T) {
	analysis := SmartRecommend(comps("15.00"), decimal.Zero, models.SideSell, sellConfig())
	if analysis.Clamped {
		t.Error("Expected clamp disabled with zero reference")
	}
	if !analysis.TargetPrice.Equal(dec("14.99")) {
		t.Errorf("Expected unclamped target 14.99, got %s", analysis.TargetPrice)
	}
}

func TestSmartRecommend_EmptySet(t *testing.T) {
	if analysis := SmartRecommend(nil, dec("20.00"), models.SideSell, sellConfig()); analysis != nil {
		t.Errorf("Expected nil for empty qualified set, got %+v", analysis)
	}
}

func TestSmartRecommend_Pure(t *testing.T) {
	// Same inputs, same output — the manager relies on this for retries
	set := comps("20.40", "20.55")
	cfg := sellConfig()
	a := SmartRecommend(set, dec("20.50"), models.SideSell, cfg)
	b := SmartRecommend(set, dec("20.50"), models.SideSell, cfg)
	if !a.TargetPrice.Equal(b.TargetPrice) || a.Strategy != b.Strategy {
		t.Errorf("Expected identical analyses, got %+v vs %+v", a, b)
	}
}

func TestFollowRecommend_TracksTargetByUserNo(t *testing.T) {
	all := []models.Competitor{
		{NickName: "cheapSeller", UserNo: "u9", Price: dec("20.10")},
		{NickName: "bigWhale", UserNo: "u42", Price: dec("20.30")},
	}
	cfg := sellConfig()
	cfg.FollowMatchPrice = false
	cfg.FollowUndercutCents = 2

	analysis := FollowRecommend("whoKnows", "u42", all, dec("20.25"), models.SideSell, cfg)
	if analysis == nil || !analysis.TargetFound {
		t.Fatal("Expected the target to be found by user number")
	}
	// 20.30 - 0.02 = 20.28
	if !analysis.TargetPrice.Equal(dec("20.28")) {
		t.Errorf("Expected target 20.28, got %s", analysis.TargetPrice)
	}
	if analysis.Mode != models.ModeFollow {
		t.Errorf("Expected follow mode, got %s", analysis.Mode)
	}
}

func TestFollowRecommend_NicknameSubstring(t *testing.T) {
	all := []models.Competitor{
		{NickName: "CryptoKing_MX", UserNo: "u1", Price: dec("20.50")},
	}
	cfg := sellConfig()
	cfg.FollowMatchPrice = true

	analysis := FollowRecommend("cryptoking", "", all, dec("20.50"), models.SideSell, cfg)
	if analysis == nil {
		t.Fatal("Expected substring nickname match")
	}
	if !analysis.TargetPrice.Equal(dec("20.50")) {
		t.Errorf("Expected matched price 20.50, got %s", analysis.TargetPrice)
	}
}

func TestFollowRecommend_TargetMissing(t *testing.T) {
	all := []models.Competitor{{NickName: "somebody", UserNo: "u1", Price: dec("20.50")}}
	if analysis := FollowRecommend("ghost", "u404", all, dec("20.50"), models.SideSell, sellConfig()); analysis != nil {
		t.Errorf("Expected nil when the target is absent, got %+v", analysis)
	}
}
