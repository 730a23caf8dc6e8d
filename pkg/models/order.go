package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the merchant's perspective: SELL means the merchant sells crypto
// and receives fiat, BUY means the merchant buys crypto and sends fiat.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the canonical exchange order status inside the process
// boundary. The venue returns either small integers or strings depending on
// the endpoint; the exchange adapter normalizes every return path to this set.
type OrderStatus string

const (
	StatusTrading           OrderStatus = "TRADING"
	StatusBuyerPayed        OrderStatus = "BUYER_PAYED"
	StatusAppealing         OrderStatus = "APPEALING"
	StatusCompleted         OrderStatus = "COMPLETED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusCancelledBySystem OrderStatus = "CANCELLED_BY_SYSTEM"
)

// VerificationStatus tracks an order through the payment verification
// state machine. MANUAL_REVIEW is terminal until an operator acts;
// READY_TO_RELEASE is terminal until an external release action.
type VerificationStatus string

const (
	VerifAwaitingPayment     VerificationStatus = "AWAITING_PAYMENT"
	VerifBuyerMarkedPaid     VerificationStatus = "BUYER_MARKED_PAID"
	VerifBankPaymentReceived VerificationStatus = "BANK_PAYMENT_RECEIVED"
	VerifPaymentMatched      VerificationStatus = "PAYMENT_MATCHED"
	VerifAmountVerified      VerificationStatus = "AMOUNT_VERIFIED"
	VerifAmountMismatch      VerificationStatus = "AMOUNT_MISMATCH"
	VerifNameVerified        VerificationStatus = "NAME_VERIFIED"
	VerifNameMismatch        VerificationStatus = "NAME_MISMATCH"
	VerifReadyToRelease      VerificationStatus = "READY_TO_RELEASE"
	VerifManualReview        VerificationStatus = "MANUAL_REVIEW"
	VerifReleased            VerificationStatus = "RELEASED"
)

// Order is the locally persisted mirror of an exchange-side trade.
// The exchange remains the source of truth for status; verification
// state is owned locally.
type Order struct {
	ID                 int64              `json:"id"`
	MerchantID         int64              `json:"merchantId"`
	OrderNumber        string             `json:"orderNumber"`
	Side               Side               `json:"side"`
	Asset              string             `json:"asset"`
	Fiat               string             `json:"fiat"`
	UnitPrice          decimal.Decimal    `json:"unitPrice"`
	TotalPrice         decimal.Decimal    `json:"totalPrice"` // authoritative amount for matching
	BuyerNickName      string             `json:"buyerNickName"`
	BuyerRealName      string             `json:"buyerRealName"` // KYC name from the order-detail call
	BuyerUserNo        string             `json:"buyerUserNo"`
	Status             OrderStatus        `json:"status"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	CreatedAt          time.Time          `json:"createdAt"`
	PaidAt             *time.Time         `json:"paidAt,omitempty"`
	ReleasedAt         *time.Time         `json:"releasedAt,omitempty"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// VerificationStep is one append-only entry in an order's verification
// timeline. Entries are never mutated; ordering is the insert order.
type VerificationStep struct {
	ID        int64                  `json:"id"`
	OrderID   int64                  `json:"orderId"`
	Status    VerificationStatus     `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
