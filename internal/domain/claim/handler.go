package claim

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/domain/support"
	"github.com/trialsites/trialsites/internal/platform/auth"
	"github.com/trialsites/trialsites/pkg/pagination"
)

// HeaderSessionID selects the caller's staging session.
const HeaderSessionID = "X-Session-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	owner := api.Group("", auth.RequireOwner())
	owner.GET("/studies/:studyId/claimability", h.Claimability)
	owner.GET("/staging", h.ListStaged)
	owner.POST("/staging", h.Stage)
	owner.DELETE("/staging/:tempId", h.Unstage)
	owner.DELETE("/staging", h.ClearStaging)
	owner.POST("/claims/commit", h.Commit)
	owner.GET("/claims", h.ListClaims)
	owner.POST("/studies/:studyId/sites/:siteId/dispute", h.Dispute)
}

// RegisterAdminRoutes registers the claim lifecycle endpoints on an
// admin-only group.
func (h *Handler) RegisterAdminRoutes(admin *echo.Group) {
	admin.POST("/claims/:id/approve", h.Approve)
	admin.POST("/claims/:id/dispute", h.MarkDisputed)
	admin.DELETE("/claims/:id", h.Release)
	admin.GET("/claims/pending-count", h.PendingCount)
}

// sessionIDPattern bounds the client-chosen part of a session key.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

func sessionFrom(c echo.Context) (Session, error) {
	ownerID, verified, ok := auth.OwnerFromContext(c.Request().Context())
	if !ok {
		return Session{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	sid := strings.TrimSpace(c.Request().Header.Get(HeaderSessionID))
	if sid == "" {
		sid = DefaultSessionID
	}
	if !sessionIDPattern.MatchString(sid) {
		return Session{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+HeaderSessionID)
	}
	return Session{Owner: Owner{ID: ownerID, Verified: verified}, ID: sid}, nil
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStagedNotFound), errors.Is(err, site.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
	case errors.Is(err, ErrNotAvailable), errors.Is(err, ErrNotDisputable), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrDuplicateStaged), errors.Is(err, ErrEmptyBatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, support.ErrSinkUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, support.ErrSinkUnavailable.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type claimabilityResponse struct {
	StudyID     string           `json:"study_id"`
	Assessments []Assessment     `json:"assessments"`
	Summary     map[Category]int `json:"summary"`
}

func (h *Handler) Claimability(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	studyID := c.Param("studyId")
	assessments, err := h.svc.Claimability(c.Request().Context(), sess, studyID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claimabilityResponse{
		StudyID:     studyID,
		Assessments: assessments,
		Summary:     Summary(assessments),
	})
}

func (h *Handler) ListStaged(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.Staged(c.Request().Context(), sess)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

type stageRequest struct {
	StudyID string   `json:"study_id"`
	SiteIDs []string `json:"site_ids"`
}

func (h *Handler) Stage(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	var req stageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.StudyID) == "" || len(req.SiteIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "study_id and site_ids are required")
	}
	ids := make([]uuid.UUID, 0, len(req.SiteIDs))
	for _, raw := range req.SiteIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid site id: "+raw)
		}
		ids = append(ids, id)
	}

	added, err := h.svc.Stage(c.Request().Context(), sess, strings.TrimSpace(req.StudyID), ids)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"entries": added})
}

func (h *Handler) Unstage(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	if err := h.svc.Unstage(c.Request().Context(), sess, c.Param("tempId")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ClearStaging(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	if err := h.svc.ClearStaging(c.Request().Context(), sess); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Commit handles POST /claims/commit. A batch returns its per-entry report;
// a single-entry batch that lost a race is reported as 409.
func (h *Handler) Commit(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	report, err := h.svc.Commit(c.Request().Context(), sess)
	if err != nil {
		return httpError(err)
	}
	if len(report.Results) == 1 && report.Results[0].Outcome == OutcomeConflict {
		return echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListClaims(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	claims, total, err := h.svc.ListClaims(c.Request().Context(), sess.Owner.ID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if claims == nil {
		claims = []Claim{}
	}
	resp := pagination.NewResponse(claims, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, resp)
}

type disputeRequest struct {
	Reason      string `json:"reason"`
	ContactInfo string `json:"contact_info"`
}

func (h *Handler) Dispute(c echo.Context) error {
	sess, err := sessionFrom(c)
	if err != nil {
		return err
	}
	siteID, err := pathUUID(c, "siteId")
	if err != nil {
		return err
	}
	var req disputeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ack, err := h.svc.Dispute(c.Request().Context(), sess, c.Param("studyId"), siteID, req.Reason, req.ContactInfo)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, ack)
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.Approve(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) MarkDisputed(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.MarkDisputed(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Release(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PendingCount(c echo.Context) error {
	n, err := h.svc.PendingCount(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": n})
}
