package approval

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// DecideRequest is the body of POST /v1/approvals/:id/decide.
type DecideRequest struct {
	Decision  string `json:"decision"` // "approve" | "reject"
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	codeNotFound       = "not_found"
	codeAlreadyDecided = "already_decided"
	codeBadRequest     = "bad_request"
	codeInternal       = "internal"
)

// Handler serves the approval HTTP surface.
type Handler struct {
	service breakpoint.Service
	hub     *Hub
}

// NewHandler creates a handler. hub may be nil, which disables the stream endpoint.
func NewHandler(svc breakpoint.Service, hub *Hub) *Handler {
	return &Handler{service: svc, hub: hub}
}

// RegisterRoutes registers the approval routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/approvals", h.Create)
	e.GET("/v1/approvals", h.List)
	e.GET("/v1/approvals/stream", h.Stream)
	e.GET("/v1/approvals/:approval_id", h.Get)
	e.POST("/v1/approvals/:approval_id/decide", h.Decide)
	e.GET("/health", h.Health)
}

// NewServer returns an echo instance with the approval routes.
func NewServer(svc breakpoint.Service, hub *Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	NewHandler(svc, hub).RegisterRoutes(e)
	return e
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// Create opens an approval.
func (h *Handler) Create(c echo.Context) error {
	var req breakpoint.CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: codeBadRequest})
	}
	if req.EffectID == "" || req.Question == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "effectId and question are required", Code: codeBadRequest})
	}
	a, err := h.service.Create(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

// Get returns one approval.
func (h *Handler) Get(c echo.Context) error {
	a, err := h.service.Get(c.Request().Context(), c.Param("approval_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// List returns approvals, optionally filtered by ?status=.
func (h *Handler) List(c echo.Context) error {
	l, ok := h.service.(breakpoint.Lister)
	if !ok {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "listing not supported", Code: codeInternal})
	}
	list, err := l.List(c.Request().Context(), breakpoint.Status(c.QueryParam("status")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": list})
}

// Decide submits a decision.
func (h *Handler) Decide(c echo.Context) error {
	var req DecideRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: codeBadRequest})
	}
	var approved bool
	switch req.Decision {
	case "approve":
		approved = true
	case "reject":
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: `decision must be "approve" or "reject"`, Code: codeBadRequest})
	}
	a, err := h.service.Decide(c.Request().Context(), c.Param("approval_id"), breakpoint.Decision{
		Approved:  approved,
		Comment:   req.Comment,
		DecidedBy: req.DecidedBy,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// Stream upgrades to a websocket carrying approval changes, optionally for ?runId=.
func (h *Handler) Stream(c echo.Context) error {
	if h.hub == nil {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "stream disabled", Code: codeInternal})
	}
	if err := h.hub.ServeWS(c.Response(), c.Request(), types.RunID(c.QueryParam("runId"))); err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return err
	}
	return nil
}

func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, breakpoint.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: codeNotFound})
	case errors.Is(err, breakpoint.ErrAlreadyDecided):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: codeAlreadyDecided})
	}
	log.Error("approval request failed", "error", err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: codeInternal})
}
