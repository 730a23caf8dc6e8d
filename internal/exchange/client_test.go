package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

func TestSign_SignatureIsFinalParameter(t *testing.T) {
	c := NewClient(Config{APISecret: "test-secret"})

	params := url.Values{}
	params.Set("advNo", "A1")
	params.Set("price", "20.39")

	query := c.sign(params, 1724490000000)

	if !strings.Contains(query, "timestamp=1724490000000") {
		t.Errorf("Expected timestamp in query, got %s", query)
	}
	idx := strings.Index(query, "&signature=")
	if idx < 0 || strings.Contains(query[idx+len("&signature="):], "&") {
		t.Fatalf("Expected signature as the final parameter, got %s", query)
	}

	// The signature must cover everything before it
	payload := query[:idx]
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if query[idx+len("&signature="):] != expected {
		t.Errorf("Signature does not verify over %q", payload)
	}
}

func TestSign_EmptyParams(t *testing.T) {
	c := NewClient(Config{APISecret: "s"})
	query := c.sign(nil, 1000)
	if !strings.HasPrefix(query, "timestamp=1000&signature=") {
		t.Errorf("Expected bare timestamp query, got %s", query)
	}
}

func TestNormalizeStatus_IntegerCodes(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"1": models.StatusTrading,
		"2": models.StatusBuyerPayed,
		"4": models.StatusCompleted,
		"6": models.StatusCancelledBySystem,
	}
	for raw, want := range cases {
		if got := NormalizeStatus(json.RawMessage(raw)); got != want {
			t.Errorf("NormalizeStatus(%s): expected %s, got %s", raw, want, got)
		}
	}
}

func TestNormalizeStatus_StringAliases(t *testing.T) {
	cases := map[string]models.OrderStatus{
		`"BUYER_PAID"`:       models.StatusBuyerPayed,
		`"paid"`:             models.StatusBuyerPayed,
		`"success"`:          models.StatusCompleted,
		`"CANCELED"`:         models.StatusCancelled,
		`"system_cancelled"`: models.StatusCancelledBySystem,
	}
	for raw, want := range cases {
		if got := NormalizeStatus(json.RawMessage(raw)); got != want {
			t.Errorf("NormalizeStatus(%s): expected %s, got %s", raw, want, got)
		}
	}
}

func TestNormalizeStatus_QuotedInteger(t *testing.T) {
	// The detail endpoint quotes the integer code
	if got := NormalizeStatus(json.RawMessage(`"2"`)); got != models.StatusBuyerPayed {
		t.Errorf("Expected quoted \"2\" to map to BUYER_PAYED, got %s", got)
	}
}

func TestNormalizeStatus_UnknownDefaultsToTrading(t *testing.T) {
	// An unclassifiable order must never be auto-advanced
	for _, raw := range []string{`99`, `"SOMETHING_NEW"`, ``} {
		if got := NormalizeStatus(json.RawMessage(raw)); got != models.StatusTrading {
			t.Errorf("NormalizeStatus(%s): expected TRADING fallback, got %s", raw, got)
		}
	}
}
