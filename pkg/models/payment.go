package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the local lifecycle of a bank deposit notification.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentMatched  PaymentStatus = "MATCHED"
	PaymentReleased PaymentStatus = "RELEASED"
	PaymentFailed   PaymentStatus = "FAILED"
)

// VerificationMethod records how a payment was linked to an order.
type VerificationMethod string

const (
	MethodAuto        VerificationMethod = "AUTO"
	MethodManual      VerificationMethod = "MANUAL"
	MethodBankWebhook VerificationMethod = "BANK_WEBHOOK"
	MethodOCR         VerificationMethod = "OCR"
)

// Payment is a bank deposit notification ingested from the webhook.
// TransactionID is globally unique per merchant; re-deliveries are
// absorbed by the store's idempotent insert.
type Payment struct {
	ID              uuid.UUID          `json:"id"`
	MerchantID      int64              `json:"merchantId"`
	TransactionID   string             `json:"transactionId"`
	Amount          decimal.Decimal    `json:"amount"`
	Currency        string             `json:"currency"`
	SenderName      string             `json:"senderName"`
	SenderAccount   string             `json:"senderAccount"`
	ReceiverAccount string             `json:"receiverAccount"`
	Concept         string             `json:"concept"`
	BankTimestamp   time.Time          `json:"bankTimestamp"`
	BankReference   string             `json:"bankReference"`
	Status          PaymentStatus      `json:"status"`
	MatchedOrderID  *int64             `json:"matchedOrderId,omitempty"`
	MatchedAt       *time.Time         `json:"matchedAt,omitempty"`
	Method          VerificationMethod `json:"method"`
	CreatedAt       time.Time          `json:"createdAt"`
}
