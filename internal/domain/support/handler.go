package support

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialsites/trialsites/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/support/tickets", h.CreateTicket)
}

type ticketRequest struct {
	Category    string            `json:"category"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ContactInfo string            `json:"contact_info"`
	Metadata    map[string]string `json:"metadata"`
}

// CreateTicket handles POST /support/tickets. Disputes have their own
// endpoint, so only missing_trial and other are accepted here.
func (h *Handler) CreateTicket(c echo.Context) error {
	var req ticketRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cat, ok := ParseCategory(req.Category)
	if !ok || cat == CategoryClaimDispute {
		return echo.NewHTTPError(http.StatusBadRequest, "category must be missing_trial or other")
	}

	t := Ticket{
		Category:    cat,
		Subject:     req.Subject,
		Body:        req.Body,
		ReporterID:  auth.UserIDFromContext(c.Request().Context()),
		ContactInfo: req.ContactInfo,
		Metadata:    req.Metadata,
	}
	ack, err := h.svc.Submit(c.Request().Context(), t)
	switch {
	case errors.Is(err, ErrInvalidTicket):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSinkUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrSinkUnavailable.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, ack)
}
