package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/escalation"
	"github.com/gotrs-io/helpdesk/internal/middleware"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

type createTicketRequest struct {
	CustomerEmail     string `json:"customer_email"`
	CustomerFirstName string `json:"customer_first_name"`
	CustomerLastName  string `json:"customer_last_name"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Priority          string `json:"priority"`
	Category          string `json:"category"`
}

type assignRequest struct {
	AssigneeID int64 `json:"assignee_id"`
}

type escalateRequest struct {
	ToID   int64  `json:"to_id" binding:"required"`
	Level  int    `json:"level"`
	Reason string `json:"reason"`
}

type commentRequest struct {
	Content  string `json:"content"`
	Internal bool   `json:"internal"`
}

type ticketView struct {
	*models.Ticket
	PriorityLabel string                 `json:"priority_label"`
	StatusLabel   string                 `json:"status_label"`
	SLARemaining  string                 `json:"sla_remaining"`
	Comments      []models.TicketComment `json:"comments,omitempty"`
}

// handleGetTicket handles GET /api/v1/tickets/:id. Reading the ticket
// evaluates its SLA.
func (h *Handler) handleGetTicket(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if !actor.IsStaff() {
		owned, err := h.tickets.Store().GetTicket(ctx, id)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if owned.CreatedByID != actor.ID {
			h.respondError(c, apperrors.Deny("view ticket", "ticket belongs to another customer"))
			return
		}
	}
	t, err := h.tickets.Get(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	comments, err := h.tickets.Store().ListComments(ctx, id, actor.IsStaff())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.view(t, comments)})
}

// handleCreateTicket handles POST /api/v1/tickets: an agent opening a
// ticket on behalf of a customer.
func (h *Handler) handleCreateTicket(c *gin.Context) {
	actor, _ := middleware.Actor(c)
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.NewValidationError("invalid request body", nil))
		return
	}

	t, err := h.tickets.CreateForCustomer(c.Request.Context(), actor.ID, tickets.CustomerTicketInput{
		CustomerEmail:     req.CustomerEmail,
		CustomerFirstName: req.CustomerFirstName,
		CustomerLastName:  req.CustomerLastName,
		Title:             req.Title,
		Description:       req.Description,
		Priority:          models.Priority(req.Priority),
		Category:          req.Category,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": h.view(t, nil)})
}

// handleAssignTicket handles POST /api/v1/tickets/:id/assign. An empty body
// assigns the ticket to the caller.
func (h *Handler) handleAssignTicket(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req assignRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperrors.NewValidationError("invalid request body", nil))
			return
		}
	}

	t, err := h.tickets.Assign(c.Request.Context(), id, actor.ID, req.AssigneeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.view(t, nil)})
}

// handleEscalateTicket handles POST /api/v1/tickets/:id/escalate
func (h *Handler) handleEscalateTicket(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.NewValidationError("invalid request body", map[string]string{"to_id": "required"}))
		return
	}

	t, err := h.escalations.Escalate(c.Request.Context(), escalation.Request{
		TicketID: id,
		FromID:   actor.ID,
		ToID:     req.ToID,
		Level:    req.Level,
		Reason:   req.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.view(t, nil)})
}

// handleCloseTicket handles POST /api/v1/tickets/:id/close
func (h *Handler) handleCloseTicket(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	t, err := h.tickets.Close(c.Request.Context(), id, actor.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.view(t, nil)})
}

// handleAddComment handles POST /api/v1/tickets/:id/comments
func (h *Handler) handleAddComment(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.NewValidationError("invalid request body", nil))
		return
	}

	comment, err := h.tickets.AddComment(c.Request.Context(), id, actor.ID, req.Content, req.Internal)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": comment})
}

func (h *Handler) actorAndID(c *gin.Context) (*models.User, int64, bool) {
	actor, ok := middleware.Actor(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return nil, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid ticket ID"})
		return nil, 0, false
	}
	return actor, id, true
}

func (h *Handler) view(t *models.Ticket, comments []models.TicketComment) ticketView {
	return ticketView{
		Ticket:        t,
		PriorityLabel: t.Priority.Label(),
		StatusLabel:   t.Status.Label(),
		SLARemaining:  tickets.SLARemaining(t, h.tickets.Now()).Round(time.Minute).String(),
		Comments:      comments,
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	body := gin.H{"success": false, "code": apperrors.Code(err)}

	var validation *apperrors.ValidationError
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = "Internal server error"
	case errors.As(err, &validation):
		body["error"] = validation.Message
		if len(validation.Fields) > 0 {
			body["fields"] = validation.Fields
		}
	default:
		body["error"] = err.Error()
	}
	_ = c.Error(err)
	c.JSON(status, body)
}
