package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// Two payload shapes are accepted: the bank's native SPEI notification
// and a generic fallback. Both normalize to the Payment entity.

// flexAmount tolerates amounts serialized as JSON number or string.
type flexAmount struct {
	decimal.Decimal
}

func (f *flexAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		f.Decimal = d
		return nil
	}
	return f.Decimal.UnmarshalJSON(data)
}

type genericPayload struct {
	TransactionID   string     `json:"transactionId"`
	Amount          flexAmount `json:"amount"`
	Currency        string     `json:"currency"`
	SenderName      string     `json:"senderName"`
	SenderAccount   string     `json:"senderAccount"`
	ReceiverAccount string     `json:"receiverAccount"`
	Concept         string     `json:"concept"`
	Timestamp       string     `json:"timestamp"`
	BankReference   string     `json:"bankReference"`
	Status          string     `json:"status"`
}

// speiPayload is the bank's native notification shape.
type speiPayload struct {
	ClaveRastreo       string     `json:"claveRastreo"`
	Monto              flexAmount `json:"monto"`
	NombreOrdenante    string     `json:"nombreOrdenante"`
	CuentaOrdenante    string     `json:"cuentaOrdenante"`
	CuentaBeneficiario string     `json:"cuentaBeneficiario"`
	Concepto           string     `json:"concepto"`
	FechaOperacion     string     `json:"fechaOperacion"`
	ReferenciaNumerica string     `json:"referenciaNumerica"`
	Estado             string     `json:"estado"`
}

// bankStatus is the normalized bank-side status of a deposit.
type bankStatus string

const (
	bankCompleted bankStatus = "completed"
	bankPending   bankStatus = "pending"
	bankFailed    bankStatus = "failed"
)

var statusAliases = map[string]bankStatus{
	"completed":  bankCompleted,
	"liquidado":  bankCompleted,
	"liquidada":  bankCompleted,
	"settled":    bankCompleted,
	"success":    bankCompleted,
	"confirmed":  bankCompleted,
	"pending":    bankPending,
	"en_proceso": bankPending,
	"processing": bankPending,
	"failed":     bankFailed,
	"devuelto":   bankFailed,
	"devuelta":   bankFailed,
	"returned":   bankFailed,
	"rejected":   bankFailed,
}

func normalizeBankStatus(raw string) bankStatus {
	if st, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return st
	}
	// Unknown statuses stay pending for human review, never auto-matched.
	return bankPending
}

func parseBankTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now()
}

// parsePayload normalizes either accepted shape into a Payment plus its
// bank-side status. Returns a validation error naming the failed field.
func parsePayload(body []byte) (*models.Payment, bankStatus, error) {
	var generic genericPayload
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, "", fmt.Errorf("malformed JSON body: %w", err)
	}

	if generic.TransactionID == "" {
		// Fall back to the native bank shape.
		var spei speiPayload
		if err := json.Unmarshal(body, &spei); err != nil {
			return nil, "", fmt.Errorf("malformed JSON body: %w", err)
		}
		generic = genericPayload{
			TransactionID:   spei.ClaveRastreo,
			Amount:          spei.Monto,
			Currency:        "MXN",
			SenderName:      spei.NombreOrdenante,
			SenderAccount:   spei.CuentaOrdenante,
			ReceiverAccount: spei.CuentaBeneficiario,
			Concept:         spei.Concepto,
			Timestamp:       spei.FechaOperacion,
			BankReference:   spei.ReferenciaNumerica,
			Status:          spei.Estado,
		}
	}

	if generic.TransactionID == "" {
		return nil, "", fmt.Errorf("transactionId is required")
	}
	if !generic.Amount.Decimal.IsPositive() {
		return nil, "", fmt.Errorf("amount must be > 0")
	}

	currency := generic.Currency
	if currency == "" {
		currency = "MXN"
	}

	payment := &models.Payment{
		TransactionID:   generic.TransactionID,
		Amount:          generic.Amount.Decimal.RoundBank(2),
		Currency:        currency,
		SenderName:      generic.SenderName,
		SenderAccount:   generic.SenderAccount,
		ReceiverAccount: generic.ReceiverAccount,
		Concept:         generic.Concept,
		BankTimestamp:   parseBankTime(generic.Timestamp),
		BankReference:   generic.BankReference,
		Status:          models.PaymentPending,
		Method:          models.MethodBankWebhook,
	}
	return payment, normalizeBankStatus(generic.Status), nil
}
