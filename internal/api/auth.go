package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// Reads API_AUTH_TOKEN from environment. If set, all operator routes
// require: Authorization: Bearer <token>
//
// Operator identity and sessions live in the dashboard gateway; this
// layer only gates access to the engine API itself. The websocket
// stream and the health probe are excluded.
// ──────────────────────────────────────────────────────────────────

// AuthMiddleware returns a Gin middleware that validates bearer tokens.
// If API_AUTH_TOKEN is not set, all requests are allowed (dev mode).
// WARNING: In GIN_MODE=release, leaving API_AUTH_TOKEN unset exposes
// every operator endpoint to the public internet.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	// Fail loudly in production if auth is not configured.
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode. " +
			"All operator endpoints are publicly accessible. " +
			"Set API_AUTH_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		// If no token is configured, skip auth (development mode)
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <API_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison prevents timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

const merchantContextKey = "merchantContext"

// MerchantMiddleware resolves the tenant scope for every operator
// request. The dashboard gateway forwards the operator's merchant as
// X-Merchant-Id; an admin may request the cross-tenant view with
// X-All-Merchants: true, which is verified against the merchant record.
func MerchantMiddleware(store *db.PostgresStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Merchant-Id")
		if raw == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Merchant-Id header is required"})
			c.Abort()
			return
		}
		merchantID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || merchantID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Merchant-Id must be a positive integer"})
			c.Abort()
			return
		}

		mc := db.MerchantContext{MerchantID: merchantID}

		if c.GetHeader("X-All-Merchants") == "true" {
			merchant, err := store.GetMerchant(c.Request.Context(), merchantID)
			if err != nil || !merchant.IsAdmin {
				c.JSON(http.StatusForbidden, gin.H{"error": "cross-merchant view requires an admin merchant"})
				c.Abort()
				return
			}
			mc.IsAdmin = true
			mc.AllMerchants = true
		}

		c.Set(merchantContextKey, mc)
		c.Next()
	}
}

func merchantFrom(c *gin.Context) db.MerchantContext {
	mc, _ := c.Get(merchantContextKey)
	ctx, _ := mc.(db.MerchantContext)
	return ctx
}
