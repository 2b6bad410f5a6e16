package search

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trialsites/trialsites/internal/geo"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/sites/search", h.Search)
}

// Search handles GET /sites/search.
func (h *Handler) Search(c echo.Context) error {
	req, err := parseRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := h.svc.Search(c.Request().Context(), req)
	if errors.Is(err, ErrUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrUnavailable.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func parseRequest(c echo.Context) (Request, error) {
	req := Request{
		Text:       c.QueryParam("q"),
		PostalCode: c.QueryParam("postal_code"),
		Phase:      c.QueryParam("phase"),
		Sex:        c.QueryParam("sex"),
	}

	latRaw, lonRaw := strings.TrimSpace(c.QueryParam("lat")), strings.TrimSpace(c.QueryParam("lon"))
	if (latRaw == "") != (lonRaw == "") {
		return req, errors.New("lat and lon must be supplied together")
	}
	if latRaw != "" {
		lat, err1 := strconv.ParseFloat(latRaw, 64)
		lon, err2 := strconv.ParseFloat(lonRaw, 64)
		p := geo.Point{Lat: lat, Lon: lon}
		if err1 != nil || err2 != nil || !p.Valid() {
			return req, errors.New("invalid coordinates")
		}
		req.Origin = &p
	}

	if v := c.QueryParam("radius"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return req, errors.New("radius must be a positive number of miles")
		}
		req.RadiusMiles = r
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, errors.New("limit must be a positive integer")
		}
		req.Limit = n
	}
	if v := c.QueryParam("seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errors.New("seq must be an integer")
		}
		req.Seq = n
	}

	switch strings.ToLower(strings.TrimSpace(req.Sex)) {
	case "", "all", "male", "female":
	default:
		return req, errors.New("sex must be one of all, male, female")
	}
	return req, nil
}
