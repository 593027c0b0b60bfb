// Package api exposes the agent actions of the helpdesk over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/escalation"
	"github.com/gotrs-io/helpdesk/internal/metrics"
	"github.com/gotrs-io/helpdesk/internal/middleware"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

// Handler serves the ticket endpoints.
type Handler struct {
	tickets     *tickets.Service
	escalations *escalation.Engine
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request and handler logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler wires the ticket service and escalation engine.
func NewHandler(svc *tickets.Service, engine *escalation.Engine, opts ...Option) *Handler {
	h := &Handler{
		tickets:     svc,
		escalations: engine,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(h.logger))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1", middleware.RequireActor(h.tickets.Store()))
	{
		v1.POST("/tickets", h.handleCreateTicket)
		v1.GET("/tickets/:id", h.handleGetTicket)
		v1.POST("/tickets/:id/assign", h.handleAssignTicket)
		v1.POST("/tickets/:id/escalate", h.handleEscalateTicket)
		v1.POST("/tickets/:id/close", h.handleCloseTicket)
		v1.POST("/tickets/:id/comments", h.handleAddComment)
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
