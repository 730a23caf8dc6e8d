package pricing

import (
	"context"
	"testing"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

type fakeSearcher struct {
	result []models.Competitor
}

func (f *fakeSearcher) SearchCompetitorAds(_ context.Context, _, _ string, _ models.Side, _ int) ([]models.Competitor, error) {
	return f.result, nil
}

func qualityConfig() *models.BotConfig {
	cfg := models.DefaultBotConfig(1)
	cfg.SmartMinOrderCount = 50
	cfg.SmartMinFinishRate = 0.95
	cfg.SmartMinPositiveRate = 0.90
	cfg.SmartMinUserGrade = 2
	cfg.SmartRequireOnline = true
	cfg.SmartMinSurplus = dec("1000")
	return cfg
}

func strongCompetitor(nick, userNo, price string) models.Competitor {
	return models.Competitor{
		NickName:        nick,
		UserNo:          userNo,
		Price:           dec(price),
		SurplusAmount:   dec("500"), // 500 units · price ≫ 1000 fiat
		MonthOrderCount: 120,
		MonthFinishRate: 0.99,
		PositiveRate:    0.98,
		UserGrade:       3,
		IsOnline:        true,
	}
}

func TestSamplerTake_ExcludesSelfAndIgnored(t *testing.T) {
	venue := &fakeSearcher{result: []models.Competitor{
		strongCompetitor("me", "self-1", "20.10"),
		strongCompetitor("rival", "u2", "20.20"),
		strongCompetitor("spammer", "u3", "20.05"),
	}}
	cfg := qualityConfig()
	cfg.IgnoredAdvertisers = []string{"u3"}

	sampler := NewSampler(venue)
	sample, err := sampler.Take(context.Background(), "USDT", "MXN", models.SideSell, cfg, "me", "self-1")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	if len(sample.All) != 1 || sample.All[0].UserNo != "u2" {
		t.Errorf("Expected only u2 to survive filtering, got %+v", sample.All)
	}
}

func TestSamplerTake_QualityPredicate(t *testing.T) {
	// One strong advertiser, one offline, one with a dust remainder
	offline := strongCompetitor("off", "u2", "20.20")
	offline.IsOnline = false
	dust := strongCompetitor("dust", "u3", "20.05")
	dust.SurplusAmount = dec("10") // 10 · 20.05 = 200.50 < 1000

	venue := &fakeSearcher{result: []models.Competitor{
		strongCompetitor("strong", "u1", "20.30"),
		offline,
		dust,
	}}

	sampler := NewSampler(venue)
	sample, err := sampler.Take(context.Background(), "USDT", "MXN", models.SideSell, qualityConfig(), "", "")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	if len(sample.All) != 3 {
		t.Errorf("Expected all 3 in the raw set, got %d", len(sample.All))
	}
	if len(sample.Qualified) != 1 || sample.Qualified[0].UserNo != "u1" {
		t.Errorf("Expected only u1 to qualify, got %+v", sample.Qualified)
	}
}

func TestSamplerTake_SortsBestFirst(t *testing.T) {
	venue := &fakeSearcher{result: []models.Competitor{
		strongCompetitor("a", "u1", "20.30"),
		strongCompetitor("b", "u2", "20.10"),
		strongCompetitor("c", "u3", "20.20"),
	}}
	sampler := NewSampler(venue)

	// SELL: cheapest first
	sample, _ := sampler.Take(context.Background(), "USDT", "MXN", models.SideSell, qualityConfig(), "", "")
	if !sample.All[0].Price.Equal(dec("20.10")) {
		t.Errorf("Expected cheapest first for SELL, got %s", sample.All[0].Price)
	}

	// BUY: highest bidder first
	sample, _ = sampler.Take(context.Background(), "USDT", "MXN", models.SideBuy, qualityConfig(), "", "")
	if !sample.All[0].Price.Equal(dec("20.30")) {
		t.Errorf("Expected highest first for BUY, got %s", sample.All[0].Price)
	}
}
