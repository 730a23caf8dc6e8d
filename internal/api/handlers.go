package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const candidateWindow = 7 * 24 * time.Hour

// handleListPendingPayments returns the unmatched-payment queue. The
// THIRD_PARTY status filter is a dashboard view of the same PENDING
// rows; nothing is stored under that name.
func (h *APIHandler) handleListPendingPayments(c *gin.Context) {
	mc := merchantFrom(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	switch c.DefaultQuery("status", "PENDING") {
	case "PENDING", "THIRD_PARTY":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be PENDING or THIRD_PARTY"})
		return
	}

	payments, err := h.store.ListPendingPayments(c.Request.Context(), mc, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch pending payments", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  payments,
		"count": len(payments),
	})
}

// handleCandidateOrders lists orders an unmatched payment could link
// to: within ±tolerance% of the amount, observed in the last 7 days,
// in a paid or completed state.
func (h *APIHandler) handleCandidateOrders(c *gin.Context) {
	mc := merchantFrom(c)

	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount query parameter must be a positive number"})
		return
	}

	tolerance := 1.0
	if raw := c.Query("tolerance"); raw != "" {
		tolerance, err = strconv.ParseFloat(raw, 64)
		if err != nil || tolerance < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tolerance must be a non-negative percentage"})
			return
		}
	}

	now := time.Now()
	orders, err := h.store.ListCandidateOrders(c.Request.Context(), mc, amount, tolerance,
		now.Add(-candidateWindow), now,
		[]models.OrderStatus{models.StatusBuyerPayed, models.StatusCompleted})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch candidate orders", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  orders,
		"count": len(orders),
	})
}

// handleManualMatch links a pending payment to an order by operator
// decision. The name check is skipped; the amount check still runs.
func (h *APIHandler) handleManualMatch(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		TransactionID string `json:"transactionId" binding:"required"`
		OrderNumber   string `json:"orderNumber" binding:"required"`
		ResolvedBy    string `json:"resolvedBy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {transactionId, orderNumber, resolvedBy}"})
		return
	}

	err := h.verifier.ManualMatch(c.Request.Context(), mc, req.TransactionID, req.OrderNumber, req.ResolvedBy)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment or order not found"})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":        "matched",
			"transactionId": req.TransactionID,
			"orderNumber":   req.OrderNumber,
		})
	}
}

// handleDiscardPayment marks a pending payment as a third-party
// deposit that belongs to no order.
func (h *APIHandler) handleDiscardPayment(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		TransactionID string `json:"transactionId" binding:"required"`
		ResolvedBy    string `json:"resolvedBy" binding:"required"`
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {transactionId, resolvedBy, reason}"})
		return
	}

	err := h.verifier.Discard(c.Request.Context(), mc, req.TransactionID, req.ResolvedBy, req.Reason)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "discarded", "transactionId": req.TransactionID})
	}
}

func (h *APIHandler) handleBulkDiscard(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		TransactionIDs []string `json:"transactionIds" binding:"required"`
		ResolvedBy     string   `json:"resolvedBy" binding:"required"`
		Reason         string   `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.TransactionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {transactionIds:[], resolvedBy, reason}"})
		return
	}

	discarded, failed := h.verifier.BulkDiscard(c.Request.Context(), mc, req.TransactionIDs, req.ResolvedBy, req.Reason)
	c.JSON(http.StatusOK, gin.H{
		"discarded": discarded,
		"failed":    failed,
	})
}

func (h *APIHandler) handleListTrustedBuyers(c *gin.Context) {
	mc := merchantFrom(c)
	includeInactive := c.Query("includeInactive") == "true"

	buyers, err := h.store.ListTrustedBuyers(c.Request.Context(), mc, includeInactive)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch trusted buyers", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": buyers, "count": len(buyers)})
}

// handleAddTrustedBuyer creates an allowlist entry, or reactivates a
// previously removed one for the same counterparty.
func (h *APIHandler) handleAddTrustedBuyer(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		BuyerUserNo         string `json:"buyerUserNo" binding:"required"`
		CounterPartNickName string `json:"counterPartNickName"`
		RealName            string `json:"realName"`
		Notes               string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyerUserNo is required: nicknames are mutable on the venue"})
		return
	}

	buyer, err := h.store.AddTrustedBuyer(c.Request.Context(), mc,
		req.BuyerUserNo, req.CounterPartNickName, req.RealName, req.Notes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save trusted buyer", "details": err.Error()})
		return
	}

	_ = h.store.AppendAudit(c.Request.Context(), mc, "trusted_buyer.add", "", map[string]interface{}{
		"buyerUserNo": req.BuyerUserNo,
	})
	c.JSON(http.StatusOK, buyer)
}

func (h *APIHandler) handleUpdateTrustedBuyer(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		BuyerUserNo string `json:"buyerUserNo" binding:"required"`
		RealName    string `json:"realName"`
		Notes       string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {buyerUserNo, realName?, notes?}"})
		return
	}

	buyer, err := h.store.UpdateTrustedBuyer(c.Request.Context(), mc, req.BuyerUserNo, req.RealName, req.Notes)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trusted buyer not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update trusted buyer", "details": err.Error()})
	default:
		c.JSON(http.StatusOK, buyer)
	}
}

// handleRemoveTrustedBuyer soft-deletes the entry; statistics are kept
// for a later re-add.
func (h *APIHandler) handleRemoveTrustedBuyer(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		BuyerUserNo string `json:"buyerUserNo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {buyerUserNo}"})
		return
	}

	err := h.store.DeactivateTrustedBuyer(c.Request.Context(), mc, req.BuyerUserNo)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trusted buyer not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deactivate trusted buyer", "details": err.Error()})
	default:
		_ = h.store.AppendAudit(c.Request.Context(), mc, "trusted_buyer.remove", "", map[string]interface{}{
			"buyerUserNo": req.BuyerUserNo,
		})
		c.JSON(http.StatusOK, gin.H{"status": "deactivated", "buyerUserNo": req.BuyerUserNo})
	}
}

func (h *APIHandler) handleGetBotConfig(c *gin.Context) {
	mc := merchantFrom(c)

	cfg, err := h.store.EnsureBotConfig(c.Request.Context(), mc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bot config", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// handlePatchBotConfig applies a JSON merge over the stored config:
// fields absent from the body keep their current value.
func (h *APIHandler) handlePatchBotConfig(c *gin.Context) {
	mc := merchantFrom(c)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	cfg, err := h.store.EnsureBotConfig(c.Request.Context(), mc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bot config", "details": err.Error()})
		return
	}

	if err := json.Unmarshal(body, cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config body", "details": err.Error()})
		return
	}
	// The tenant is never patchable.
	cfg.MerchantID = mc.MerchantID

	if cfg.PositioningMode != models.ModeSmart && cfg.PositioningMode != models.ModeFollow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "positioningMode must be smart or follow"})
		return
	}

	if err := h.store.SaveBotConfig(c.Request.Context(), mc, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save bot config", "details": err.Error()})
		return
	}

	_ = h.store.AppendAudit(c.Request.Context(), mc, "bot_config.update", "", map[string]interface{}{
		"releaseEnabled":     cfg.ReleaseEnabled,
		"positioningEnabled": cfg.PositioningEnabled,
		"positioningMode":    cfg.PositioningMode,
	})
	c.JSON(http.StatusOK, cfg)
}

// handlePositioningStatus reports the live per-ad counters of the
// merchant's positioning loop.
func (h *APIHandler) handlePositioningStatus(c *gin.Context) {
	mc := merchantFrom(c)

	manager, ok := h.managers[mc.MerchantID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no positioning engine running for this merchant"})
		return
	}

	enabled := false
	if cfg, err := h.store.GetBotConfig(c.Request.Context(), mc); err == nil {
		enabled = cfg.PositioningEnabled
	}

	c.JSON(http.StatusOK, gin.H{
		"merchantId": mc.MerchantID,
		"enabled":    enabled,
		"ads":        manager.Status(),
	})
}

// handleOrderTimeline returns the order, its verification steps, and
// the payments linked to it.
func (h *APIHandler) handleOrderTimeline(c *gin.Context) {
	mc := merchantFrom(c)
	orderNumber := c.Param("orderNumber")

	order, err := h.store.GetOrderByNumber(c.Request.Context(), mc, orderNumber)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch order", "details": err.Error()})
		return
	}

	steps, err := h.store.ListVerificationSteps(c.Request.Context(), order.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch timeline", "details": err.Error()})
		return
	}
	payments, err := h.store.ListPaymentsForOrder(c.Request.Context(), mc, order.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payments", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":    order,
		"timeline": steps,
		"payments": payments,
	})
}

// handleReleaseOrder performs the final, human-initiated release. The
// engine itself never calls this path; it only recommends.
func (h *APIHandler) handleReleaseOrder(c *gin.Context) {
	mc := merchantFrom(c)

	var req struct {
		OrderNumber    string `json:"orderNumber" binding:"required"`
		TwoFactorToken string `json:"twoFactorToken"`
		ResolvedBy     string `json:"resolvedBy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {orderNumber, twoFactorToken, resolvedBy}"})
		return
	}

	cfg, err := h.store.EnsureBotConfig(c.Request.Context(), mc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bot config", "details": err.Error()})
		return
	}
	if !cfg.ReleaseEnabled {
		c.JSON(http.StatusConflict, gin.H{"error": "release is disabled for this merchant (kill switch)"})
		return
	}

	order, err := h.store.GetOrderByNumber(c.Request.Context(), mc, req.OrderNumber)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch order", "details": err.Error()})
		return
	}
	if order.VerificationStatus != models.VerifReadyToRelease {
		c.JSON(http.StatusConflict, gin.H{
			"error":              "order is not ready to release",
			"verificationStatus": order.VerificationStatus,
		})
		return
	}

	if err := h.venue.ReleaseCoin(c.Request.Context(), req.OrderNumber, req.TwoFactorToken); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Exchange rejected the release", "details": err.Error()})
		return
	}

	if err := h.store.MarkOrderReleased(c.Request.Context(), mc, order.ID); err != nil {
		// The coin is already gone on the venue; surface loudly so the
		// operator reconciles by hand.
		log.Printf("[API] Released %s on venue but local state update failed: %v", req.OrderNumber, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "released on exchange but local update failed", "details": err.Error()})
		return
	}

	_ = h.store.AppendVerificationStep(c.Request.Context(), order.ID, models.VerifReleased,
		"Crypto released by operator", map[string]interface{}{"resolvedBy": req.ResolvedBy})
	_ = h.store.AppendAudit(c.Request.Context(), mc, "order.release", req.ResolvedBy, map[string]interface{}{
		"orderNumber": req.OrderNumber,
		"amount":      order.TotalPrice.String(),
	})
	h.wsHub.BroadcastJSON(gin.H{
		"type":        "order_released",
		"merchantId":  mc.MerchantID,
		"orderNumber": req.OrderNumber,
	})

	c.JSON(http.StatusOK, gin.H{"status": "released", "orderNumber": req.OrderNumber})
}
