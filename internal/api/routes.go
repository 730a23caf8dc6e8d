package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/internal/pricing"
	"github.com/novacoinotc/p2p-merchant-engine/internal/verify"
	"github.com/novacoinotc/p2p-merchant-engine/internal/webhook"
)

// Releaser is the slice of the exchange client the release endpoint
// needs.
type Releaser interface {
	ReleaseCoin(ctx context.Context, orderNumber, twoFactorToken string) error
}

type APIHandler struct {
	store    *db.PostgresStore
	verifier *verify.Verifier
	venue    Releaser
	// managers is built once at startup, one entry per active merchant;
	// read-only afterwards.
	managers map[int64]*pricing.Manager
	wsHub    *Hub
}

func SetupRouter(store *db.PostgresStore, verifier *verify.Verifier, venue Releaser,
	managers map[int64]*pricing.Manager, wsHub *Hub, ingest *webhook.Ingest) *gin.Engine {

	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://dashboard.example.com
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Merchant-Id, X-All-Merchants")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		store:    store,
		verifier: verifier,
		venue:    venue,
		managers: managers,
		wsHub:    wsHub,
	}

	// The bank authenticates its own way (bearer, HMAC, or IP allowlist)
	// and must never hit the operator rate limiter.
	ingest.Register(r)

	// Unauthenticated: probes and the dashboard event stream.
	r.GET("/api/health", handler.handleHealth)
	r.GET("/api/stream", wsHub.Subscribe)

	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api", AuthMiddleware(), limiter.Middleware(), MerchantMiddleware(store))
	{
		// Pending-payment queue
		api.GET("/pending-payments", handler.handleListPendingPayments)
		api.GET("/pending-payments/orders", handler.handleCandidateOrders)
		api.POST("/pending-payments", handler.handleManualMatch)
		api.PATCH("/pending-payments", handler.handleDiscardPayment)
		api.DELETE("/pending-payments", handler.handleBulkDiscard)

		// Trusted buyers
		api.GET("/trusted-buyers", handler.handleListTrustedBuyers)
		api.POST("/trusted-buyers", handler.handleAddTrustedBuyer)
		api.PATCH("/trusted-buyers", handler.handleUpdateTrustedBuyer)
		api.DELETE("/trusted-buyers", handler.handleRemoveTrustedBuyer)

		// Engine configuration and status
		api.GET("/bot-config", handler.handleGetBotConfig)
		api.PATCH("/bot-config", handler.handlePatchBotConfig)
		api.GET("/positioning/status", handler.handlePositioningStatus)

		// Orders
		api.GET("/orders/:orderNumber/timeline", handler.handleOrderTimeline)
		api.POST("/orders/release", handler.handleReleaseOrder)
	}

	return r
}

// handleHealth returns engine status for service discovery and probes.
func (h *APIHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	dbConnected := h.store.Ping(ctx) == nil

	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "p2p-merchant-engine",
		"dbConnected": dbConnected,
		"merchants":   len(h.managers),
		"capabilities": gin.H{
			"positioning":       true,
			"payment_matching":  true,
			"trusted_buyers":    true,
			"webhook_ingestion": true,
		},
	})
}
