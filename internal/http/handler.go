package http

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/vpn-core/internal/models"
	"github.com/wenwu/saas-platform/vpn-core/internal/service"
)

type Handler struct {
	manager  *service.SubscriptionManager
	registry *service.NodeRegistry
	ledger   *service.PromoLedger
	stats    *service.StatsService
}

func NewHandler(manager *service.SubscriptionManager, registry *service.NodeRegistry, ledger *service.PromoLedger, stats *service.StatsService) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		ledger:   ledger,
		stats:    stats,
	}
}

// respondError maps the service error taxonomy onto HTTP statuses
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrInactive),
		errors.Is(err, service.ErrActivationLimitReached):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoCapacity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrUpstreamFailure):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ==================== Stats Handlers ====================

// GetStats returns the top-level dashboard summary
func (h *Handler) GetStats(c *gin.Context) {
	resp, err := h.stats.Dashboard(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatsChart returns the daily new-subscription series
func (h *Handler) GetStatsChart(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	resp, err := h.stats.Chart(c.Request.Context(), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatsPlatforms returns active subscriptions by protocol and plan
func (h *Handler) GetStatsPlatforms(c *gin.Context) {
	resp, err := h.stats.Platforms(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatsPerformance returns the per-node load table
func (h *Handler) GetStatsPerformance(c *gin.Context) {
	resp, err := h.stats.Performance(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatsFlyer returns the campaign funnel view
func (h *Handler) GetStatsFlyer(c *gin.Context) {
	resp, err := h.ledger.FlyerStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ==================== Node Handlers ====================

// ListNodes returns the fleet with its summary stats
func (h *Handler) ListNodes(c *gin.Context) {
	nodes, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	stats := models.NodeSystemStats{TotalNodes: len(nodes)}
	for _, n := range nodes {
		if n.Status == models.NodeStatusConnected {
			stats.ConnectedNodes++
			stats.TotalWeight += n.UsageCoefficient
		}
	}

	c.JSON(http.StatusOK, models.NodeListResponse{SystemStats: stats, Nodes: nodes})
}

// CreateNode registers a relay node
func (h *Handler) CreateNode(c *gin.Context) {
	var req models.NodeCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.registry.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NodeToResponse(node, 0))
}

// DeleteNode removes a node. With ?migrate=true its active subscriptions are
// migrated first; without it the call fails while such subscriptions exist.
func (h *Handler) DeleteNode(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id"})
		return
	}
	migrate := c.Query("migrate") == "true"

	migrated, err := h.registry.Deregister(c.Request.Context(), id, migrate)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NodeDeleteResponse{
		NodeID:                id,
		MigratedSubscriptions: migrated,
		Message:               "node removed",
	})
}

// ReconnectNode re-probes a node on operator request
func (h *Handler) ReconnectNode(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id"})
		return
	}

	node, err := h.registry.Reconnect(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	count, err := h.manager.ActiveCountOnNode(c.Request.Context(), id)
	if err != nil {
		// The probe result still stands; the count degrades to zero.
		log.Printf("[Handler] Failed to count subscriptions on node %d: %v", id, err)
		count = 0
	}
	c.JSON(http.StatusOK, models.NodeToResponse(node, count))
}

// ==================== Subscription Handlers ====================

// ListSubscriptions returns a page of subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	resp, err := h.manager.List(c.Request.Context(), c.Query("status"), c.Query("plan_type"), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetSubscription returns one subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	resp, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CreateSubscription provisions a new subscription
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req models.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.manager.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// ExtendSubscription pushes the expiry forward by ?days=N
func (h *Handler) ExtendSubscription(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}

	resp, err := h.manager.Extend(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DisableSubscription cancels a subscription and revokes panel access
func (h *Handler) DisableSubscription(c *gin.Context) {
	resp, err := h.manager.Disable(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetVPNStats returns the subscription dashboard block
func (h *Handler) GetVPNStats(c *gin.Context) {
	resp, err := h.manager.VPNStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetUserProfile aggregates one user's subscriptions and payments
func (h *Handler) GetUserProfile(c *gin.Context) {
	telegramID, err := strconv.ParseInt(c.Param("telegram_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid telegram id"})
		return
	}

	resp, err := h.manager.UserProfile(c.Request.Context(), telegramID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListPayments returns a page of payment records
func (h *Handler) ListPayments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	resp, err := h.manager.ListPayments(c.Request.Context(), c.Query("status"), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ==================== Promo Handlers ====================

// GetPromoStats returns ledger-wide counters
func (h *Handler) GetPromoStats(c *gin.Context) {
	resp, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListPromoBatches returns all batches with activation aggregates
func (h *Handler) ListPromoBatches(c *gin.Context) {
	batches, err := h.ledger.ListBatches(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]models.PromoBatchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, models.PromoBatchResponse{
			BatchID:          b.BatchID,
			CampaignName:     b.CampaignName,
			CodesCount:       b.CodesCount,
			TotalActivations: b.TotalActivations,
			ActiveCodes:      b.ActiveCodes,
			CreatedAt:        b.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"batches": out})
}

// ListPromoCodes returns codes, filterable by ?batch_id= and ?active=true
func (h *Handler) ListPromoCodes(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if page < 1 {
		page = 1
	}

	codes, err := h.ledger.ListCodes(c.Request.Context(), c.Query("batch_id"), c.Query("active") == "true", (page-1)*limit, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]models.PromoCodeResponse, 0, len(codes))
	for _, p := range codes {
		out = append(out, models.PromoCodeToResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"codes": out})
}

// GeneratePromo creates a batch of codes
func (h *Handler) GeneratePromo(c *gin.Context) {
	var req models.PromoGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.ledger.GenerateBatch(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// RevokePromoBatch deactivates every code in a batch
func (h *Handler) RevokePromoBatch(c *gin.Context) {
	batchID := c.Param("id")
	revoked, err := h.ledger.RevokeBatch(c.Request.Context(), batchID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PromoRevokeResponse{
		BatchID:      batchID,
		RevokedCount: revoked,
		Message:      "batch revoked",
	})
}

// RevokePromoCode deactivates a single code
func (h *Handler) RevokePromoCode(c *gin.Context) {
	code := c.Param("code")
	if err := h.ledger.RevokeCode(c.Request.Context(), code); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PromoRevokeResponse{
		Code:         code,
		RevokedCount: 1,
		Message:      "code revoked",
	})
}

// RedeemPromo consumes one activation slot, called by the bot
func (h *Handler) RedeemPromo(c *gin.Context) {
	var req models.PromoRedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant, err := h.ledger.Redeem(c.Request.Context(), req.Code, req.TelegramID, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

// ==================== Internal Usage Handlers ====================

// ReportUsage applies a traffic delta from the data plane
func (h *Handler) ReportUsage(c *gin.Context) {
	var req models.UsageReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BytesDelta < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bytes_delta must be non-negative"})
		return
	}

	snapshot, err := h.manager.ReportUsage(c.Request.Context(), req.SubscriptionID, req.BytesDelta)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ResetUsage zeroes a subscription's traffic counter
func (h *Handler) ResetUsage(c *gin.Context) {
	if err := h.manager.ResetUsage(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
