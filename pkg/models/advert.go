package models

import "github.com/shopspring/decimal"

// Advertisement is a merchant's own listing on the venue. It is working
// state only — the exchange is the source of truth and nothing here is
// persisted locally.
type Advertisement struct {
	AdvertNo      string          `json:"advertNo"`
	Side          Side            `json:"side"`
	Asset         string          `json:"asset"`
	Fiat          string          `json:"fiat"`
	Price         decimal.Decimal `json:"price"`
	Online        bool            `json:"online"`
	SurplusAmount decimal.Decimal `json:"surplusAmount"` // remaining asset quantity
}

// Competitor is one ad from the venue's public search, with the
// advertiser reputation fields the smart filter evaluates.
type Competitor struct {
	AdvertNo        string          `json:"advertNo"`
	NickName        string          `json:"nickName"`
	UserNo          string          `json:"userNo"`
	Price           decimal.Decimal `json:"price"`
	SurplusAmount   decimal.Decimal `json:"surplusAmount"`
	MonthOrderCount int             `json:"monthOrderCount"`
	MonthFinishRate float64         `json:"monthFinishRate"`
	PositiveRate    float64         `json:"positiveRate"`
	UserGrade       int             `json:"userGrade"`
	IsOnline        bool            `json:"isOnline"`
}

// PricingAnalysis is the output of a pricer run for one ad.
type PricingAnalysis struct {
	Mode           string          `json:"mode"`     // smart | follow
	Strategy       string          `json:"strategy"` // match | undercut
	BestPrice      decimal.Decimal `json:"bestPrice"`
	TargetPrice    decimal.Decimal `json:"targetPrice"`
	MarginPercent  float64         `json:"marginPercent"` // target vs reference
	QualifiedCount int             `json:"qualifiedCount"`
	TargetFound    bool            `json:"targetFound"` // follow mode: named target located
	Clamped        bool            `json:"clamped"`
}
