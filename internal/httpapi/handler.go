// Package httpapi exposes the broker over HTTP: key reservation (direct and
// queued), the status projections, and key administration.
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mailtester/keybroker-go/internal/engine"
	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/metrics"
	"github.com/mailtester/keybroker-go/internal/plan"
	"github.com/mailtester/keybroker-go/internal/registry"
	"github.com/mailtester/keybroker-go/internal/waitqueue"
)

// Handler serves the broker endpoints.
type Handler struct {
	engine   *engine.Engine
	queue    *waitqueue.Queue
	registry *registry.Registry
	policy   *plan.Policy
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New creates the HTTP handler set. metrics may be nil.
func New(eng *engine.Engine, queue *waitqueue.Queue, reg *registry.Registry, policy *plan.Policy, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		engine:   eng,
		queue:    queue,
		registry: reg,
		policy:   policy,
		log:      log.WithModule("httpapi"),
		metrics:  m,
	}
}

// registerRequest is the POST /keys body. Either field names the key;
// subscriptionId wins when both are set.
type registerRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	ID             string `json:"id"`
	Plan           string `json:"plan"`
}

// Available handles GET /key/available: one non-blocking reservation
// attempt. A store failure is indistinguishable from an empty pool on
// purpose: callers should back off and retry either way.
func (h *Handler) Available(c *gin.Context) {
	res, err := h.engine.Reserve(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Reserve failed")
		h.countError("reserve", "/key/available")
		h.respondWait(c, http.StatusOK)
		return
	}
	if res == nil {
		h.respondWait(c, http.StatusOK)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "key": res})
}

// AvailableQueued handles GET /key/available/queued: block on the wait
// queue until a key frees up or a deadline fires.
func (h *Handler) AvailableQueued(c *gin.Context) {
	res, err := h.queue.ReserveBlocking(c.Request.Context())
	if err != nil {
		if !errors.Is(err, domainerrors.ErrQueueTimeout) {
			h.log.WithError(err).Error("Queued reserve failed")
			h.countError("reserve_queued", "/key/available/queued")
		}
		h.respondWait(c, http.StatusTooManyRequests)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "key": res})
}

// Status handles GET /status: every key with its full projection.
func (h *Handler) Status(c *gin.Context) {
	keys, err := h.registry.ListStatus(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Status listing failed")
		h.countError("store", "/status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key listing failed"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

// Limits handles GET /limits: the limits-only projection.
func (h *Handler) Limits(c *gin.Context) {
	entries, err := h.registry.ListLimits(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Limits listing failed")
		h.countError("store", "/limits")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key listing failed"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// RegisterKey handles POST /keys: create a key or update its plan.
func (h *Handler) RegisterKey(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	id := strings.TrimSpace(req.SubscriptionID)
	if id == "" {
		id = strings.TrimSpace(req.ID)
	}

	err := h.registry.Register(c.Request.Context(), id, req.Plan)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"message": "key registered"})
	case errors.Is(err, domainerrors.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).WithField("subscription_id", id).Error("Key registration failed")
		h.countError("store", "/keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key registration failed"})
	}
}

// DeleteKey handles DELETE /keys/:id.
func (h *Handler) DeleteKey(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	err := h.registry.Delete(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "key deleted"})
	case errors.Is(err, domainerrors.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).WithField("subscription_id", id).Error("Key deletion failed")
		h.countError("store", "/keys/:id")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key deletion failed"})
	}
}

// Health handles GET /health: liveness only, no dependency checks.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) respondWait(c *gin.Context, code int) {
	c.JSON(code, gin.H{"status": "wait", "waitMs": h.policy.DefaultWaitHintMs()})
}

func (h *Handler) countError(errorType, endpoint string) {
	if h.metrics != nil {
		h.metrics.RecordHTTPError(errorType, endpoint)
	}
}
