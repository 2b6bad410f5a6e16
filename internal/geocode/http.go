package geocode

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/geo"
)

// DefaultBaseURL is the public Zippopotam.us endpoint.
const DefaultBaseURL = "https://api.zippopotam.us"

// zipResponse mirrors the Zippopotam.us payload for /us/{code}.
type zipResponse struct {
	PostCode string     `json:"post code"`
	Country  string     `json:"country"`
	Places   []zipPlace `json:"places"`
}

type zipPlace struct {
	PlaceName         string `json:"place name"`
	Longitude         string `json:"longitude"`
	Latitude          string `json:"latitude"`
	State             string `json:"state"`
	StateAbbreviation string `json:"state abbreviation"`
}

// HTTPClient looks postal codes up against a Zippopotam-compatible API.
type HTTPClient struct {
	client *resty.Client
	logger zerolog.Logger
}

// NewHTTPClient builds a client with a short timeout and no retries; the
// search path prefers degrading to text search over waiting.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		client: client,
		logger: logger.With().Str("component", "geocoder").Logger(),
	}
}

// Lookup implements Geocoder.
func (c *HTTPClient) Lookup(ctx context.Context, postalCode string) (Result, bool) {
	code, ok := NormalizePostalCode(postalCode)
	if !ok {
		return Result{}, false
	}

	var body zipResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("code", code).
		SetResult(&body).
		Get("/us/{code}")
	if err != nil {
		c.logger.Warn().Err(err).Str("postal_code", code).Msg("geocoder request failed")
		return Result{}, false
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Result{}, false
	}
	if resp.IsError() {
		c.logger.Warn().Int("status", resp.StatusCode()).Str("postal_code", code).Msg("geocoder returned error status")
		return Result{}, false
	}

	return body.result(code)
}

func (z zipResponse) result(code string) (Result, bool) {
	if len(z.Places) == 0 {
		return Result{}, false
	}
	place := z.Places[0]
	lat, err := strconv.ParseFloat(strings.TrimSpace(place.Latitude), 64)
	if err != nil {
		return Result{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(place.Longitude), 64)
	if err != nil {
		return Result{}, false
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if !p.Valid() {
		return Result{}, false
	}
	return Result{
		PostalCode: code,
		Point:      p,
		RegionCode: place.StateAbbreviation,
		Locality:   place.PlaceName,
	}, true
}
