package webhook

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePayload_GenericShape(t *testing.T) {
	body := []byte(`{
		"transactionId": "TX-001",
		"amount": 2050.00,
		"currency": "MXN",
		"senderName": "JUAN PEREZ GARCIA",
		"senderAccount": "012345678901234567",
		"receiverAccount": "646180123456789012",
		"concept": "pago",
		"timestamp": "2026-08-24T10:00:00Z",
		"status": "completed"
	}`)

	payment, state, err := parsePayload(body)
	if err != nil {
		t.Fatalf("parsePayload failed: %v", err)
	}
	if payment.TransactionID != "TX-001" {
		t.Errorf("Expected TX-001, got %s", payment.TransactionID)
	}
	if !payment.Amount.Equal(decimal.RequireFromString("2050.00")) {
		t.Errorf("Expected amount 2050.00, got %s", payment.Amount)
	}
	if state != bankCompleted {
		t.Errorf("Expected completed state, got %s", state)
	}
}

func TestParsePayload_SPEIShape(t *testing.T) {
	// The bank's native notification: Spanish field names, string amount
	body := []byte(`{
		"claveRastreo": "SPEI20260824X",
		"monto": "1500.50",
		"nombreOrdenante": "MARIA LOPEZ",
		"cuentaOrdenante": "012...",
		"cuentaBeneficiario": "646...",
		"concepto": "compra",
		"fechaOperacion": "2026-08-24T09:30:00",
		"referenciaNumerica": "1234567",
		"estado": "liquidado"
	}`)

	payment, state, err := parsePayload(body)
	if err != nil {
		t.Fatalf("parsePayload failed: %v", err)
	}
	if payment.TransactionID != "SPEI20260824X" {
		t.Errorf("Expected claveRastreo as transaction id, got %s", payment.TransactionID)
	}
	if !payment.Amount.Equal(decimal.RequireFromString("1500.50")) {
		t.Errorf("Expected amount 1500.50, got %s", payment.Amount)
	}
	if payment.Currency != "MXN" {
		t.Errorf("Expected SPEI currency to default to MXN, got %s", payment.Currency)
	}
	if payment.BankReference != "1234567" {
		t.Errorf("Expected referenciaNumerica carried over, got %s", payment.BankReference)
	}
	if state != bankCompleted {
		t.Errorf("Expected liquidado to normalize to completed, got %s", state)
	}
}

func TestParsePayload_AmountAsString(t *testing.T) {
	body := []byte(`{"transactionId": "TX-STR", "amount": "99.90", "status": "settled"}`)
	payment, _, err := parsePayload(body)
	if err != nil {
		t.Fatalf("parsePayload failed: %v", err)
	}
	if !payment.Amount.Equal(decimal.RequireFromString("99.90")) {
		t.Errorf("Expected 99.90, got %s", payment.Amount)
	}
}

func TestParsePayload_RoundsHalfEven(t *testing.T) {
	body := []byte(`{"transactionId": "TX-R", "amount": "10.005", "status": "completed"}`)
	payment, _, err := parsePayload(body)
	if err != nil {
		t.Fatalf("parsePayload failed: %v", err)
	}
	if !payment.Amount.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("Expected banker's rounding to 10.00, got %s", payment.Amount)
	}
}

func TestParsePayload_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing transaction id", `{"amount": 100, "status": "completed"}`},
		{"zero amount", `{"transactionId": "TX", "amount": 0, "status": "completed"}`},
		{"negative amount", `{"transactionId": "TX", "amount": -5, "status": "completed"}`},
		{"malformed json", `{"transactionId": `},
	}
	for _, tc := range cases {
		if _, _, err := parsePayload([]byte(tc.body)); err == nil {
			t.Errorf("Expected error for %s", tc.name)
		}
	}
}

func TestNormalizeBankStatus(t *testing.T) {
	if normalizeBankStatus("Devuelto") != bankFailed {
		t.Error("Expected devuelto to normalize to failed")
	}
	if normalizeBankStatus("en_proceso") != bankPending {
		t.Error("Expected en_proceso to normalize to pending")
	}
	// Unknown statuses must never auto-match
	if normalizeBankStatus("some-new-status") != bankPending {
		t.Error("Expected unknown status to stay pending")
	}
}
