package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Positioning modes.
const (
	ModeSmart  = "smart"
	ModeFollow = "follow"
)

// PositioningOverride is an optional per-(side,asset) override of the
// merchant-level positioning settings. Keyed as "SELL:USDT" in
// BotConfig.PositioningConfigs. Nil pointer fields inherit the
// merchant-level value.
type PositioningOverride struct {
	Mode          string `json:"mode,omitempty"`
	FollowTarget  string `json:"followTarget,omitempty"`
	UndercutCents *int64 `json:"undercutCents,omitempty"`
	MatchPrice    *bool  `json:"matchPrice,omitempty"`
}

// BotConfig is the per-merchant engine configuration, one row per
// merchant. The positioning and release switches are live kill switches:
// the loops reload this row every tick.
type BotConfig struct {
	MerchantID          int64  `json:"merchantId"`
	ReleaseEnabled      bool   `json:"releaseEnabled"`
	PositioningEnabled  bool   `json:"positioningEnabled"`
	PositioningMode     string `json:"positioningMode"` // smart | follow
	FollowTarget        string `json:"followTarget,omitempty"`
	FollowTargetUserNo  string `json:"followTargetUserNo,omitempty"`
	FollowMatchPrice    bool   `json:"followMatchPrice"`
	FollowUndercutCents int64  `json:"followUndercutCents"`

	UndercutCents int64 `json:"undercutCents"`
	MatchPrice    bool  `json:"matchPrice"`

	// Smart-mode competitor quality thresholds.
	SmartMinOrderCount   int             `json:"smartMinOrderCount"`
	SmartMinFinishRate   float64         `json:"smartMinFinishRate"`
	SmartMinPositiveRate float64         `json:"smartMinPositiveRate"`
	SmartMinUserGrade    int             `json:"smartMinUserGrade"`
	SmartRequireOnline   bool            `json:"smartRequireOnline"`
	SmartMinSurplus      decimal.Decimal `json:"smartMinSurplus"` // price × remaining, in fiat

	// Margin clamp relative to the reference price, signed percentages.
	MinMarginPercent float64 `json:"minMarginPercent"`
	MaxMarginPercent float64 `json:"maxMarginPercent"`

	IgnoredAdvertisers []string                       `json:"ignoredAdvertisers,omitempty"`
	PositioningConfigs map[string]PositioningOverride `json:"positioningConfigs,omitempty"`

	LastPositioningAt *time.Time `json:"lastPositioningAt,omitempty"`
	LastOrderPollAt   *time.Time `json:"lastOrderPollAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// DefaultBotConfig returns the config created alongside a new merchant.
// Margins are wide on purpose; the clamp exists to stop runaway pricing
// when the reference price is stale, not to steer strategy.
func DefaultBotConfig(merchantID int64) *BotConfig {
	return &BotConfig{
		MerchantID:           merchantID,
		ReleaseEnabled:       false,
		PositioningEnabled:   false,
		PositioningMode:      ModeSmart,
		UndercutCents:        1,
		SmartMinOrderCount:   30,
		SmartMinFinishRate:   0.92,
		SmartMinPositiveRate: 0.95,
		SmartMinUserGrade:    2,
		SmartRequireOnline:   true,
		SmartMinSurplus:      decimal.NewFromInt(5000),
		MinMarginPercent:     -5.0,
		MaxMarginPercent:     10.0,
	}
}

// OverrideKey builds the PositioningConfigs key for an ad.
func OverrideKey(side Side, asset string) string {
	return string(side) + ":" + asset
}
