package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/validation"
)

// Handler exposes the escrow lifecycle over HTTP. Every endpoint speaks the
// same envelope: successes wrap the record under "escrow", failures carry a
// machine-readable "error" code beside a human-readable "message".
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the escrow API on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/stats", h.GetStats)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/status", h.GetEscrowStatus)
	r.POST("/escrows/:id/events", h.RecordEvent)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/resolve", h.ResolveEscrow)
}

// fail writes the error envelope and stops the handler chain.
func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

// failFor maps the service sentinels onto the status codes shared by all
// escrow endpoints. Anything unrecognized surfaces as a 500.
func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		fail(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidInput):
		fail(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ErrEventConflict):
		fail(c, http.StatusConflict, "event_conflict", err.Error())
	case errors.Is(err, ErrTerminalState),
		errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrNotManualReview):
		fail(c, http.StatusConflict, "invalid_state", err.Error())
	default:
		fail(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// bindJSON decodes the request body into dst, answering the 400 itself.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

// CreateEscrow opens a new escrow from the client's order parameters.
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := h.service.Create(c.Request.Context(), req)
	if errors.Is(err, ErrInvalidInput) {
		fail(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "escrow_failed", "Failed to create escrow")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow returns the full record including the fee breakdown.
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetEscrowStatus returns the coarse buyer-facing view of the lifecycle,
// hiding the internal state machine behind pending/complete/failed.
func (h *Handler) GetEscrowStatus(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrowId":  rec.ID,
		"status":    rec.PublicStatus(),
		"detail":    rec.Status,
		"reason":    rec.Reason,
		"updatedAt": rec.UpdatedAt,
	})
}

// ListEscrows pages through records matching the query filters.
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit")) // service clamps the page size
	filter := Filter{
		Status: Status(c.Query("status")),
		Kind:   Kind(c.Query("kind")),
		Party:  c.Query("party"),
		Chain:  c.Query("chain"),
	}

	page, err := h.service.List(c.Request.Context(), filter, c.Query("cursor"), limit)
	if err != nil {
		failFor(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Records,
		"count":      len(page.Records),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// RecordEvent attaches a client-submitted transaction hash to the escrow,
// moving it into the matching awaiting-confirmation state.
func (h *Handler) RecordEvent(c *gin.Context) {
	var req EventRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := h.service.RecordExternalEvent(c.Request.Context(), c.Param("id"), req.Kind, req.TxHash)
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// CancelEscrow aborts an escrow that has not yet committed funds. The body
// is optional; an empty POST cancels with the default reason.
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	rec, err := h.service.RequestCancel(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ResolveEscrow applies an operator decision to a parked escrow.
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if !bindJSON(c, &req) {
		return
	}
	note := validation.SanitizeString(req.Note, validation.MaxReasonLength)

	rec, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, note)
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetStats reports per-status counts plus open and lifetime totals.
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
