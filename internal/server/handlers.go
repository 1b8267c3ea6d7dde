package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vigil/internal/engine"
	"vigil/internal/types"
)

type handlers struct {
	cfg Config
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   h.cfg.Guardian.Status().Mode,
	})
}

func (h *handlers) guardianMode(c *gin.Context) {
	st := h.cfg.Guardian.Status()
	history := make([]gin.H, 0, len(st.History))
	for _, tr := range st.History {
		history = append(history, gin.H{
			"from":   tr.From,
			"to":     tr.To,
			"reason": tr.Reason,
			"at":     tr.At.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":           st.Mode,
		"since":          st.Since.UTC().Format(time.RFC3339Nano),
		"recovering":     st.Recovering,
		"recovery_stage": st.RecoveryStage,
		"healthy_streak": st.HealthyStreak,
		"history":        history,
	})
}

func (h *handlers) overrideMode(c *gin.Context) {
	var req struct {
		Mode   string `json:"mode"`
		Reason string `json:"reason"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_MODE", "error": err.Error()})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_REASON", "error": "override requires a reason"})
		return
	}
	if sub := currentSubject(c); sub != "" {
		reason = reason + " (" + sub + ")"
	}
	if err := h.cfg.Guardian.Override(c.Request.Context(), mode, reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": "ILLEGAL_TRANSITION", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

func (h *handlers) cancelAll(c *gin.Context) {
	h.cfg.Guardian.CancelAll(operatorReason(c, "operator cancel-all"))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *handlers) flattenAll(c *gin.Context) {
	h.cfg.Guardian.FlattenAll(operatorReason(c, "operator flatten-all"))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func operatorReason(c *gin.Context, fallback string) string {
	var req struct {
		Reason string `json:"reason"`
	}
	reason := fallback
	if err := c.BindJSON(&req); err == nil && strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}
	if sub := currentSubject(c); sub != "" {
		reason = reason + " (" + sub + ")"
	}
	return reason
}

func (h *handlers) engineHealth(c *gin.Context) {
	hs := h.cfg.Engine.Health()
	c.JSON(http.StatusOK, gin.H{
		"mode":          hs.Mode,
		"open_orders":   hs.OpenOrders,
		"active_groups": hs.ActiveGroups,
		"stuck_orders":  hs.StuckOrders,
		"escalations":   hs.Escalations,
		"at":            hs.At.UTC().Format(time.RFC3339Nano),
	})
}

func (h *handlers) listGroups(c *gin.Context) {
	groups, err := h.cfg.Engine.Groups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "ENGINE_UNAVAILABLE", "error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (h *handlers) getGroup(c *gin.Context) {
	g, ok, err := h.cfg.Engine.Group(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "ENGINE_UNAVAILABLE", "error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "unknown execution group"})
		return
	}
	c.JSON(http.StatusOK, groupJSON(g))
}

func groupJSON(g engine.GroupView) gin.H {
	orders := make([]gin.H, 0, len(g.Orders))
	for _, o := range g.Orders {
		orders = append(orders, gin.H{
			"local_id":   o.LocalID,
			"state":      o.State,
			"requested":  o.Requested.String(),
			"filled":     o.Filled.String(),
			"avg_price":  o.AvgPrice.String(),
			"price":      o.Price.String(),
			"order_ref":  o.OrderRef,
			"system_id":  o.SystemID,
			"retry_seq":  o.RetrySeq,
			"last_error": o.LastError,
		})
	}
	return gin.H{
		"exec_id":   g.ExecID,
		"symbol":    g.Intent.Symbol,
		"side":      g.Intent.Side,
		"offset":    g.Intent.Offset,
		"quantity":  g.Intent.Quantity.String(),
		"state":     g.State,
		"filled":    g.Filled.String(),
		"remaining": g.Remaining.String(),
		"retries":   g.Retries,
		"orders":    orders,
		"created":   g.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *handlers) positions(c *gin.Context) {
	if h.cfg.Book == nil {
		c.JSON(http.StatusOK, gin.H{"positions": []gin.H{}})
		return
	}
	entries := h.cfg.Book.Positions()
	out := make([]gin.H, 0, len(entries))
	for _, p := range entries {
		out = append(out, gin.H{
			"symbol":     p.Symbol,
			"net_qty":    p.NetQty.String(),
			"avg_cost":   p.AvgCost.String(),
			"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (h *handlers) auditEvents(c *gin.Context) {
	if h.cfg.Log == nil {
		c.JSON(http.StatusOK, gin.H{"events": []gin.H{}})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "error": "limit must be in [1,1000]"})
			return
		}
		limit = n
	}
	events, err := h.cfg.Log.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
