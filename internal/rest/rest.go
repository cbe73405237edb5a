// Package rest exposes the administrative HTTP API of the chat server.
package rest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gridchat/chat-server/internal/ban"
	"github.com/gridchat/chat-server/internal/metrics"
	"github.com/gridchat/chat-server/internal/ratelimit"
)

// BulkBanner applies a batch of bans. ban.Manager implements it.
type BulkBanner interface {
	BulkBan(ctx context.Context, requests map[string]ban.Request) map[string]ban.Result
}

// Limiter throttles callers. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler serves the REST endpoints.
type Handler struct {
	bans    BulkBanner
	limiter Limiter
}

// NewHandler creates a Handler. limiter may be nil.
func NewHandler(bans BulkBanner, limiter Limiter) *Handler {
	return &Handler{bans: bans, limiter: limiter}
}

// Router returns a gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}

// Register adds the routes to r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/api/ban", h.throttle, h.bulkBan)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) throttle(c *gin.Context) {
	if h.limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	// Limiter errors fail open.
	if ok, _ := h.limiter.Allow(ctx, c.ClientIP(), ratelimit.RuleBan); !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limited",
			"retry_after": int(ratelimit.RuleBan.Window.Seconds()),
		})
	}
}

// bulkBan accepts {user_id: {target, type, duration}} and answers 200 with
// a per-user report. Only a body that is not a JSON object is rejected.
func (h *Handler) bulkBan(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be an object of user ids"})
		return
	}

	requests := make(map[string]ban.Request, len(raw))
	report := make(map[string]ban.Result, len(raw))
	for userID, entry := range raw {
		var req ban.Request
		if err := json.Unmarshal(entry, &req); err != nil {
			report[userID] = ban.Result{Status: ban.StatusFail, Message: "invalid ban request"}
			continue
		}
		requests[userID] = req
	}

	for userID, res := range h.bans.BulkBan(c.Request.Context(), requests) {
		report[userID] = res
	}

	failed := make([]string, 0)
	for userID, res := range report {
		metrics.BansTotal.WithLabelValues(res.Status).Inc()
		if res.Status != ban.StatusOK {
			failed = append(failed, userID)
		}
	}
	sort.Strings(failed)
	log.Printf("[rest] bulk ban from %s: %d entries, failed=%v", c.ClientIP(), len(report), failed)

	c.JSON(http.StatusOK, report)
}
