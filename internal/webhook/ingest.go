package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const (
	dedupTTL      = 5 * time.Minute
	sweepInterval = 60 * time.Second
	replayWindow  = 5 * time.Minute
)

// PaymentStore is the persistence surface for ingest.
type PaymentStore interface {
	SavePayment(ctx context.Context, mc db.MerchantContext, p *models.Payment) (*models.Payment, bool, error)
	GetMerchantByReceiverAccount(ctx context.Context, clabe string) (*models.Merchant, error)
}

// Matcher receives completed payments for asynchronous reconciliation.
type Matcher interface {
	HandlePayment(ctx context.Context, mc db.MerchantContext, payment *models.Payment)
}

type Config struct {
	BearerToken string   // shared secret for Authorization: Bearer
	HMACSecret  string   // secret for X-Webhook-Signature
	AllowedIPs  []string // optional allowlist; empty disables the IP path
	// DefaultMerchantID resolves payloads whose receiver account maps to
	// no merchant (single-tenant deployments).
	DefaultMerchantID int64
}

// Ingest is the bank deposit receiver. It authenticates, deduplicates,
// persists every parsed payment, and hands completed deposits to the
// matcher asynchronously — the bank gets its 200 as soon as the row is
// durable.
type Ingest struct {
	cfg     Config
	store   PaymentStore
	matcher Matcher
	dedup   *dedupSet
}

func NewIngest(ctx context.Context, cfg Config, store PaymentStore, matcher Matcher) *Ingest {
	in := &Ingest{
		cfg:     cfg,
		store:   store,
		matcher: matcher,
		dedup:   newDedupSet(dedupTTL),
	}
	go in.dedup.Sweep(ctx, sweepInterval)
	return in
}

// Register mounts the endpoint and its alias.
func (in *Ingest) Register(r gin.IRouter) {
	r.POST("/webhook/payment", in.handleDeposit)
	r.POST("/webhook/bank", in.handleDeposit)
}

// handleDeposit is the webhook endpoint. Response contract: 200 once
// persistence succeeds (matching runs after the response), 400 on
// validation, 401 unauthenticated, 403 IP-denied.
func (in *Ingest) handleDeposit(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	if status, reason := in.authenticate(c, body); status != http.StatusOK {
		c.JSON(status, gin.H{"error": reason})
		return
	}

	payment, bankState, err := parsePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// First-line replay filter: same transaction id within the TTL is
	// acknowledged without touching the database.
	if in.dedup.Seen(payment.TransactionID) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "acknowledged",
			"transactionId": payment.TransactionID,
			"duplicate":     true,
		})
		return
	}

	mc, err := in.resolveMerchant(c.Request.Context(), payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	saved, duplicate, err := in.store.SavePayment(c.Request.Context(), mc, payment)
	if err != nil {
		log.Printf("[Webhook] Persist failed for %s: %v", payment.TransactionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist payment"})
		return
	}
	// Remembered only now that the row is durable; a failed insert must
	// leave the retry path open.
	in.dedup.Remember(payment.TransactionID)

	// Only deposits the bank reports completed go to matching; the rest
	// stay PENDING for human review.
	if !duplicate && bankState == bankCompleted {
		go func(p models.Payment) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			in.matcher.HandlePayment(ctx, mc, &p)
		}(*saved)
	}

	resp := gin.H{
		"status":        "acknowledged",
		"transactionId": saved.TransactionID,
	}
	if duplicate {
		resp["duplicate"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// authenticate accepts any one of: bearer token, HMAC signature over
// "{timestamp}.{rawBody}" inside the replay window, or source IP
// allowlist.
func (in *Ingest) authenticate(c *gin.Context, body []byte) (int, string) {
	if auth := c.GetHeader("Authorization"); auth != "" && in.cfg.BearerToken != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" &&
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(in.cfg.BearerToken)) == 1 {
			return http.StatusOK, ""
		}
	}

	if sig := c.GetHeader("X-Webhook-Signature"); sig != "" && in.cfg.HMACSecret != "" {
		tsHeader := c.GetHeader("X-Webhook-Timestamp")
		if in.validSignature(sig, tsHeader, body) {
			return http.StatusOK, ""
		}
		return http.StatusUnauthorized, "invalid signature"
	}

	if len(in.cfg.AllowedIPs) > 0 {
		clientIP := c.ClientIP()
		for _, allowed := range in.cfg.AllowedIPs {
			if strings.TrimSpace(allowed) == clientIP {
				return http.StatusOK, ""
			}
		}
		return http.StatusForbidden, "source IP not allowed"
	}

	return http.StatusUnauthorized, "authentication required"
}

func (in *Ingest) validSignature(signature, tsHeader string, body []byte) bool {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	// Timestamps may be seconds or milliseconds.
	sent := time.Unix(ts, 0)
	if ts > 1e12 {
		sent = time.UnixMilli(ts)
	}
	drift := time.Since(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > replayWindow {
		return false
	}

	mac := hmac.New(sha256.New, []byte(in.cfg.HMACSecret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// resolveMerchant maps the deposit to its tenant via the receiving CLABE
// account, falling back to the configured default.
func (in *Ingest) resolveMerchant(ctx context.Context, payment *models.Payment) (db.MerchantContext, error) {
	if payment.ReceiverAccount != "" {
		if merchant, err := in.store.GetMerchantByReceiverAccount(ctx, payment.ReceiverAccount); err == nil {
			return db.MerchantContext{MerchantID: merchant.ID}, nil
		}
	}
	if in.cfg.DefaultMerchantID != 0 {
		return db.MerchantContext{MerchantID: in.cfg.DefaultMerchantID}, nil
	}
	return db.MerchantContext{}, errUnknownReceiver
}

var errUnknownReceiver = errors.New("receiverAccount does not map to a known merchant")
