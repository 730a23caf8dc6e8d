package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Merchant is the tenant principal. Merchants are never hard-deleted,
// only deactivated; every other entity carries the merchant id.
type Merchant struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	ExchangeUID  string    `json:"exchangeUid"`  // merchant-side identifier on the venue
	ClabeAccount string    `json:"clabeAccount"` // 18-digit CLABE receiving account
	IsAdmin      bool      `json:"isAdmin"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TrustedBuyer is a merchant-scoped allowlist entry. BuyerUserNo is the
// anchor; nicknames are mutable on the venue and are display-only here.
// Payments from a trusted buyer skip the payer-name check.
type TrustedBuyer struct {
	ID                  int64           `json:"id"`
	MerchantID          int64           `json:"merchantId"`
	BuyerUserNo         string          `json:"buyerUserNo"`
	NickName            string          `json:"nickName"`
	RealName            string          `json:"realName,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	IsActive            bool            `json:"isActive"`
	OrdersAutoReleased  int             `json:"ordersAutoReleased"`
	TotalAmountReleased decimal.Decimal `json:"totalAmountReleased"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// AuditLog is an append-only record of merchant-scoped operator actions.
type AuditLog struct {
	ID         int64                  `json:"id"`
	MerchantID int64                  `json:"merchantId"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}
