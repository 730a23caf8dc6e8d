package pricing

import (
	"context"
	"sort"
	"strings"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// CompetitorSearcher is the slice of the exchange client the sampler needs.
type CompetitorSearcher interface {
	SearchCompetitorAds(ctx context.Context, asset, fiat string, ownSide models.Side, rows int) ([]models.Competitor, error)
}

// Sample is one competitor snapshot for a (asset, fiat, side) key.
// All is the raw set minus our own listings and ignored advertisers,
// sorted best-first; Qualified additionally passes the smart-mode
// quality predicate. Follow mode searches All — the operator chose whom
// to follow, no quality gate applies.
type Sample struct {
	All       []models.Competitor
	Qualified []models.Competitor
}

type Sampler struct {
	venue CompetitorSearcher
	rows  int
}

func NewSampler(venue CompetitorSearcher) *Sampler {
	return &Sampler{venue: venue, rows: 20}
}

// Take fetches and filters the competitor set for one of our ads.
// selfNick/selfUserNo identify the merchant on the venue so our own
// listings never count as competition.
func (s *Sampler) Take(ctx context.Context, asset, fiat string, ownSide models.Side,
	cfg *models.BotConfig, selfNick, selfUserNo string) (*Sample, error) {

	raw, err := s.venue.SearchCompetitorAds(ctx, asset, fiat, ownSide, s.rows)
	if err != nil {
		return nil, err
	}

	ignored := make(map[string]bool, len(cfg.IgnoredAdvertisers))
	for _, userNo := range cfg.IgnoredAdvertisers {
		ignored[userNo] = true
	}

	all := make([]models.Competitor, 0, len(raw))
	for _, comp := range raw {
		if selfUserNo != "" && comp.UserNo == selfUserNo {
			continue
		}
		if selfNick != "" && strings.EqualFold(comp.NickName, selfNick) {
			continue
		}
		if ignored[comp.UserNo] {
			continue
		}
		all = append(all, comp)
	}

	qualified := make([]models.Competitor, 0, len(all))
	for _, comp := range all {
		if qualifies(comp, cfg) {
			qualified = append(qualified, comp)
		}
	}

	sortBestFirst(all, ownSide)
	sortBestFirst(qualified, ownSide)
	return &Sample{All: all, Qualified: qualified}, nil
}

// qualifies applies the merchant's smart-filter thresholds to one
// advertiser.
func qualifies(comp models.Competitor, cfg *models.BotConfig) bool {
	if comp.MonthOrderCount < cfg.SmartMinOrderCount {
		return false
	}
	if comp.MonthFinishRate < cfg.SmartMinFinishRate {
		return false
	}
	if comp.PositiveRate < cfg.SmartMinPositiveRate {
		return false
	}
	if comp.UserGrade < cfg.SmartMinUserGrade {
		return false
	}
	if cfg.SmartRequireOnline && !comp.IsOnline {
		return false
	}
	// Remaining fiat value: tiny leftover ads are not real competition.
	remainingFiat := comp.Price.Mul(comp.SurplusAmount)
	if remainingFiat.LessThan(cfg.SmartMinSurplus) {
		return false
	}
	return true
}

// sortBestFirst orders the set by competitiveness: ascending for SELL
// (we must go below the cheapest seller to win), descending for BUY
// (we must go above the highest bidder).
func sortBestFirst(set []models.Competitor, ownSide models.Side) {
	sort.SliceStable(set, func(i, j int) bool {
		if ownSide == models.SideSell {
			return set[i].Price.LessThan(set[j].Price)
		}
		return set[i].Price.GreaterThan(set[j].Price)
	})
}
