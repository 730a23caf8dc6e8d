package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

type fakePaymentStore struct {
	saved    []models.Payment
	failNext error
}

func (f *fakePaymentStore) SavePayment(_ context.Context, _ db.MerchantContext, p *models.Payment) (*models.Payment, bool, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, false, err
	}
	for _, existing := range f.saved {
		if existing.TransactionID == p.TransactionID {
			return &existing, true, nil
		}
	}
	f.saved = append(f.saved, *p)
	return p, false, nil
}

func (f *fakePaymentStore) GetMerchantByReceiverAccount(_ context.Context, _ string) (*models.Merchant, error) {
	return nil, db.ErrNotFound
}

type fakeMatcher struct {
	called chan string
}

func (f *fakeMatcher) HandlePayment(_ context.Context, _ db.MerchantContext, payment *models.Payment) {
	f.called <- payment.TransactionID
}

func newTestIngest(t *testing.T, cfg Config) (*Ingest, *fakePaymentStore, *fakeMatcher, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg.DefaultMerchantID == 0 {
		cfg.DefaultMerchantID = 1
	}
	store := &fakePaymentStore{}
	matcher := &fakeMatcher{called: make(chan string, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	in := NewIngest(ctx, cfg, store, matcher)

	r := gin.New()
	in.Register(r)
	return in, store, matcher, r
}

func postJSON(r *gin.Engine, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleDeposit_BearerAuthAndMatch(t *testing.T) {
	_, store, matcher, r := newTestIngest(t, Config{BearerToken: "secret"})

	body := `{"transactionId": "TX-1", "amount": 500, "status": "completed"}`
	w := postJSON(r, "/webhook/payment", body, map[string]string{"Authorization": "Bearer secret"})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.saved) != 1 {
		t.Fatalf("Expected 1 persisted payment, got %d", len(store.saved))
	}

	// Matching runs after the response; wait for the async hand-off
	select {
	case txID := <-matcher.called:
		if txID != "TX-1" {
			t.Errorf("Expected matcher to receive TX-1, got %s", txID)
		}
	case <-time.After(2 * time.Second):
		t.Error("Matcher was never invoked for a completed deposit")
	}
}

func TestHandleDeposit_PendingDepositSkipsMatcher(t *testing.T) {
	_, store, matcher, r := newTestIngest(t, Config{BearerToken: "secret"})

	body := `{"transactionId": "TX-P", "amount": 500, "status": "en_proceso"}`
	w := postJSON(r, "/webhook/payment", body, map[string]string{"Authorization": "Bearer secret"})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(store.saved) != 1 {
		t.Fatalf("Expected the pending deposit persisted, got %d", len(store.saved))
	}
	select {
	case txID := <-matcher.called:
		t.Errorf("Matcher must not run for non-completed deposits, got %s", txID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleDeposit_DuplicateAcknowledged(t *testing.T) {
	_, store, _, r := newTestIngest(t, Config{BearerToken: "secret"})

	body := `{"transactionId": "TX-D", "amount": 500, "status": "completed"}`
	headers := map[string]string{"Authorization": "Bearer secret"}

	first := postJSON(r, "/webhook/payment", body, headers)
	second := postJSON(r, "/webhook/payment", body, headers)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("Both deliveries must get 200, got %d / %d", first.Code, second.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if resp["duplicate"] != true {
		t.Errorf("Expected duplicate=true on re-delivery, got %v", resp)
	}
	if len(store.saved) != 1 {
		t.Errorf("Expected a single persisted payment, got %d", len(store.saved))
	}
}

func TestHandleDeposit_AuthRejections(t *testing.T) {
	_, _, _, r := newTestIngest(t, Config{BearerToken: "secret"})

	body := `{"transactionId": "TX-A", "amount": 500, "status": "completed"}`

	if w := postJSON(r, "/webhook/payment", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with no credentials, got %d", w.Code)
	}
	if w := postJSON(r, "/webhook/payment", body, map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with a bad token, got %d", w.Code)
	}
}

func TestHandleDeposit_IPDenied(t *testing.T) {
	_, _, _, r := newTestIngest(t, Config{AllowedIPs: []string{"10.1.2.3"}})

	body := `{"transactionId": "TX-IP", "amount": 500, "status": "completed"}`
	// httptest requests originate from 192.0.2.1
	if w := postJSON(r, "/webhook/payment", body, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a disallowed source IP, got %d", w.Code)
	}
}

func TestHandleDeposit_HMACSignature(t *testing.T) {
	secret := "hmac-secret"
	_, _, _, r := newTestIngest(t, Config{HMACSecret: secret})

	body := `{"transactionId": "TX-H", "amount": 500, "status": "completed"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", ts, body)
	sig := hex.EncodeToString(mac.Sum(nil))

	w := postJSON(r, "/webhook/bank", body, map[string]string{
		"X-Webhook-Signature": sig,
		"X-Webhook-Timestamp": ts,
	})
	if w.Code != http.StatusOK {
		t.Errorf("Expected valid signature to pass, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleDeposit_StaleSignatureRejected(t *testing.T) {
	secret := "hmac-secret"
	_, _, _, r := newTestIngest(t, Config{HMACSecret: secret})

	body := `{"transactionId": "TX-S", "amount": 500, "status": "completed"}`
	// 10 minutes old, outside the replay window
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", ts, body)
	sig := hex.EncodeToString(mac.Sum(nil))

	w := postJSON(r, "/webhook/bank", body, map[string]string{
		"X-Webhook-Signature": sig,
		"X-Webhook-Timestamp": ts,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected stale signature to be rejected, got %d", w.Code)
	}
}

func TestHandleDeposit_BadPayload(t *testing.T) {
	_, _, _, r := newTestIngest(t, Config{BearerToken: "secret"})

	w := postJSON(r, "/webhook/payment", `{"amount": 500}`, map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a payload without transaction id, got %d", w.Code)
	}
}

func TestHandleDeposit_FailedPersistDoesNotPoisonDedup(t *testing.T) {
	// A failed insert must leave the replay filter untouched: the bank's
	// retry has to land in the database, not be waved off as a duplicate
	_, store, _, r := newTestIngest(t, Config{BearerToken: "secret"})
	store.failNext = errors.New("db down")

	body := `{"transactionId": "TX-RETRY", "amount": 500, "status": "completed"}`
	headers := map[string]string{"Authorization": "Bearer secret"}

	if w := postJSON(r, "/webhook/payment", body, headers); w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500 on the failed insert, got %d", w.Code)
	}
	if len(store.saved) != 0 {
		t.Fatalf("Expected nothing persisted after the failure, got %d", len(store.saved))
	}

	retry := postJSON(r, "/webhook/payment", body, headers)
	if retry.Code != http.StatusOK {
		t.Fatalf("Expected the retry to succeed, got %d: %s", retry.Code, retry.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(retry.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if resp["duplicate"] == true {
		t.Error("Retry after a failed insert must not be reported as a duplicate")
	}
	if len(store.saved) != 1 {
		t.Errorf("Expected the retried payment persisted, got %d", len(store.saved))
	}
}

func TestDedupSet_TTL(t *testing.T) {
	d := newDedupSet(50 * time.Millisecond)

	if d.Seen("tx") {
		t.Error("Unknown id must not be a duplicate")
	}
	d.Remember("tx")
	if !d.Seen("tx") {
		t.Error("Remembered id within the TTL must be a duplicate")
	}

	time.Sleep(60 * time.Millisecond)
	if d.Seen("tx") {
		t.Error("Expired entry must not count as a duplicate")
	}
}
