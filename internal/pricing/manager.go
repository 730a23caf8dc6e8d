package pricing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// VenueClient is the slice of the exchange client the manager needs.
type VenueClient interface {
	CompetitorSearcher
	ListOwnAds(ctx context.Context) ([]models.Advertisement, error)
	UpdateAdPrice(ctx context.Context, advertNo string, price decimal.Decimal) error
}

// ConfigStore reloads the live config each tick (the kill switch) and
// stamps engine activity.
type ConfigStore interface {
	GetBotConfig(ctx context.Context, mc db.MerchantContext) (*models.BotConfig, error)
	TouchEngineActivity(ctx context.Context, mc db.MerchantContext, engine string) error
}

// PriceEvent is broadcast to the dashboard stream after a successful
// price push.
type PriceEvent struct {
	Type       string          `json:"type"` // "price_update"
	MerchantID int64           `json:"merchantId"`
	AdvertNo   string          `json:"advertNo"`
	Side       models.Side     `json:"side"`
	Asset      string          `json:"asset"`
	OldPrice   decimal.Decimal `json:"oldPrice"`
	NewPrice   decimal.Decimal `json:"newPrice"`
	Mode       string          `json:"mode"`
}

// AdStatus is the per-ad counter snapshot served by the positioning API.
type AdStatus struct {
	AdvertNo     string                  `json:"advertNo"`
	Side         models.Side             `json:"side"`
	Asset        string                  `json:"asset"`
	Fiat         string                  `json:"fiat"`
	CurrentPrice decimal.Decimal         `json:"currentPrice"`
	Updates      int64                   `json:"updates"`
	Errors       int64                   `json:"errors"`
	LastUpdateAt *time.Time              `json:"lastUpdateAt,omitempty"`
	LastAnalysis *models.PricingAnalysis `json:"lastAnalysis,omitempty"`
}

type managedAd struct {
	ad           models.Advertisement
	lastUpdateAt time.Time
	updates      int64
	errors       int64
	lastAnalysis *models.PricingAnalysis
}

const (
	defaultTick      = 5 * time.Second
	interAdDelay     = 100 * time.Millisecond
	perAdMinInterval = 3 * time.Second
	oneCent          = "0.01"
)

// Manager owns the positioning loop for one merchant. The managed-ad map
// is touched only by this loop; ad updates within a tick are serialized,
// so no ad ever has two in-flight price updates.
type Manager struct {
	merchant models.Merchant
	mc       db.MerchantContext
	venue    VenueClient
	store    ConfigStore
	sampler  *Sampler
	emit     func(PriceEvent) // optional dashboard broadcast
	tick     time.Duration

	mu  sync.Mutex // guards ads for the Status() reader only
	ads map[string]*managedAd
}

func NewManager(merchant models.Merchant, venue VenueClient, store ConfigStore, emit func(PriceEvent)) *Manager {
	return &Manager{
		merchant: merchant,
		mc:       db.MerchantContext{MerchantID: merchant.ID},
		venue:    venue,
		store:    store,
		sampler:  NewSampler(venue),
		emit:     emit,
		tick:     defaultTick,
		ads:      make(map[string]*managedAd),
	}
}

// SetTick overrides the loop interval, used by tests and slow venues.
func (m *Manager) SetTick(d time.Duration) { m.tick = d }

// Run drives the positioning loop until the context is cancelled.
// A failed tick is logged and the loop continues.
func (m *Manager) Run(ctx context.Context) {
	log.Printf("[Positioning] Starting loop for merchant %d (%s)", m.merchant.ID, m.merchant.Name)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Positioning] Stopping loop for merchant %d", m.merchant.ID)
			return
		case <-ticker.C:
			if err := m.tickOnce(ctx); err != nil {
				log.Printf("[Positioning] Merchant %d tick failed: %v", m.merchant.ID, err)
			}
		}
	}
}

func (m *Manager) tickOnce(ctx context.Context) error {
	// Reload config every tick: this is the live kill switch and mode
	// toggle, dashboard writes take effect on the next tick.
	cfg, err := m.store.GetBotConfig(ctx, m.mc)
	if err != nil {
		return err
	}

	ads, err := m.venue.ListOwnAds(ctx)
	if err != nil {
		return err
	}
	m.reconcileAds(ads)

	for _, advertNo := range m.onlineAdNumbers() {
		m.repriceAd(ctx, advertNo, cfg)

		// Venue rate limits aggressively; keep a floor between ad calls.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interAdDelay):
		}
	}

	_ = m.store.TouchEngineActivity(ctx, m.mc, "positioning")
	return nil
}

// reconcileAds intersects the fresh venue listing with the managed map:
// new ads are inserted, vanished ones dropped, prices refreshed.
func (m *Manager) reconcileAds(fresh []models.Advertisement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(fresh))
	for _, ad := range fresh {
		seen[ad.AdvertNo] = true
		if managed, ok := m.ads[ad.AdvertNo]; ok {
			managed.ad = ad
		} else {
			m.ads[ad.AdvertNo] = &managedAd{ad: ad}
			log.Printf("[Positioning] Merchant %d now managing ad %s (%s %s/%s @ %s)",
				m.merchant.ID, ad.AdvertNo, ad.Side, ad.Asset, ad.Fiat, ad.Price.StringFixed(2))
		}
	}
	for advertNo := range m.ads {
		if !seen[advertNo] {
			delete(m.ads, advertNo)
			log.Printf("[Positioning] Merchant %d dropped ad %s (no longer listed)", m.merchant.ID, advertNo)
		}
	}
}

func (m *Manager) onlineAdNumbers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	numbers := make([]string, 0, len(m.ads))
	for advertNo, managed := range m.ads {
		if managed.ad.Online {
			numbers = append(numbers, advertNo)
		}
	}
	return numbers
}

// repriceAd runs one pricer pass for a single ad. Failures increment the
// ad's error counter; every 10th failure is logged to keep a noisy venue
// from flooding the log.
func (m *Manager) repriceAd(ctx context.Context, advertNo string, cfg *models.BotConfig) {
	m.mu.Lock()
	managed, ok := m.ads[advertNo]
	if !ok {
		m.mu.Unlock()
		return
	}
	ad := managed.ad
	lastUpdate := managed.lastUpdateAt
	m.mu.Unlock()

	// Per-ad throttle: skip the tick if this ad was repriced moments ago.
	if !lastUpdate.IsZero() && time.Since(lastUpdate) < perAdMinInterval {
		return
	}

	mode, followTarget, effective := m.effectiveConfig(ad, cfg)

	sample, err := m.sampler.Take(ctx, ad.Asset, ad.Fiat, ad.Side, effective, m.merchant.Name, m.merchant.ExchangeUID)
	if err != nil {
		m.recordError(advertNo, err)
		return
	}

	var analysis *models.PricingAnalysis
	if mode == models.ModeFollow && followTarget != "" {
		analysis = FollowRecommend(followTarget, effective.FollowTargetUserNo, sample.All, ad.Price, ad.Side, effective)
	}
	if analysis == nil {
		// Follow target missing (or smart mode): smart pricing over the
		// qualified set.
		analysis = SmartRecommend(sample.Qualified, ad.Price, ad.Side, effective)
	}
	if analysis == nil {
		return // nothing qualified this tick
	}

	m.mu.Lock()
	managed.lastAnalysis = analysis
	m.mu.Unlock()

	priceDiff := ad.Price.Sub(analysis.TargetPrice).Abs()
	if priceDiff.LessThan(decimal.RequireFromString(oneCent)) {
		return // within one cent: no change
	}

	if !cfg.PositioningEnabled {
		// Kill switch: the loop keeps running so discovery and counters
		// stay fresh, but no updates leave the process.
		return
	}

	if err := m.venue.UpdateAdPrice(ctx, advertNo, analysis.TargetPrice); err != nil {
		m.recordError(advertNo, err)
		return
	}

	m.mu.Lock()
	managed.ad.Price = analysis.TargetPrice
	managed.lastUpdateAt = time.Now()
	managed.updates++
	m.mu.Unlock()

	if m.emit != nil {
		m.emit(PriceEvent{
			Type:       "price_update",
			MerchantID: m.merchant.ID,
			AdvertNo:   advertNo,
			Side:       ad.Side,
			Asset:      ad.Asset,
			OldPrice:   ad.Price,
			NewPrice:   analysis.TargetPrice,
			Mode:       analysis.Mode,
		})
	}
}

// effectiveConfig resolves the per-(side,asset) override, if any, on top
// of the merchant-level config. Returns the mode, the follow target and
// a config whose strategy fields reflect the override.
func (m *Manager) effectiveConfig(ad models.Advertisement, cfg *models.BotConfig) (string, string, *models.BotConfig) {
	mode := cfg.PositioningMode
	followTarget := cfg.FollowTarget

	override, ok := cfg.PositioningConfigs[models.OverrideKey(ad.Side, ad.Asset)]
	if !ok {
		return mode, followTarget, cfg
	}

	effective := *cfg
	if override.Mode != "" {
		mode = override.Mode
	}
	if override.FollowTarget != "" {
		followTarget = override.FollowTarget
		effective.FollowTargetUserNo = "" // nickname override, no stable id
	}
	if override.UndercutCents != nil {
		effective.UndercutCents = *override.UndercutCents
		effective.FollowUndercutCents = *override.UndercutCents
	}
	if override.MatchPrice != nil {
		effective.MatchPrice = *override.MatchPrice
		effective.FollowMatchPrice = *override.MatchPrice
	}
	return mode, followTarget, &effective
}

func (m *Manager) recordError(advertNo string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	managed, ok := m.ads[advertNo]
	if !ok {
		return
	}
	managed.errors++
	if managed.errors%10 == 1 {
		log.Printf("[Positioning] Merchant %d ad %s error #%d: %v", m.merchant.ID, advertNo, managed.errors, err)
	}
}

// Status returns the per-ad counter snapshot for the operator API.
func (m *Manager) Status() []AdStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]AdStatus, 0, len(m.ads))
	for advertNo, managed := range m.ads {
		st := AdStatus{
			AdvertNo:     advertNo,
			Side:         managed.ad.Side,
			Asset:        managed.ad.Asset,
			Fiat:         managed.ad.Fiat,
			CurrentPrice: managed.ad.Price,
			Updates:      managed.updates,
			Errors:       managed.errors,
			LastAnalysis: managed.lastAnalysis,
		}
		if !managed.lastUpdateAt.IsZero() {
			t := managed.lastUpdateAt
			st.LastUpdateAt = &t
		}
		statuses = append(statuses, st)
	}
	return statuses
}
