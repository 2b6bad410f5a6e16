package site

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trialsites/trialsites/internal/geocode"
)

// RepairOptions controls a coordinate repair run.
type RepairOptions struct {
	// Limit caps how many sites one run inspects. Zero means 500.
	Limit int
	// DryRun resolves coordinates without writing them.
	DryRun bool
	// Limiter paces geocoder lookups. Nil means unpaced.
	Limiter *rate.Limiter
}

// RepairReport summarizes a repair run.
type RepairReport struct {
	Inspected  int `json:"inspected"`
	Repaired   int `json:"repaired"`
	NoPostal   int `json:"no_postal_code"`
	Unresolved int `json:"unresolved"`
}

// RepairCoordinates geocodes sites that have no coordinates from their
// postal code and stores the result. Sites without a usable postal code or
// whose code does not resolve are counted and left alone.
func RepairCoordinates(ctx context.Context, repo Repository, geocoder geocode.Geocoder, opts RepairOptions, logger zerolog.Logger) (RepairReport, error) {
	if opts.Limit <= 0 {
		opts.Limit = 500
	}
	var report RepairReport

	sites, err := repo.ListMissingCoordinates(ctx, opts.Limit)
	if err != nil {
		return report, fmt.Errorf("list sites missing coordinates: %w", err)
	}

	for _, s := range sites {
		report.Inspected++
		if s.PostalCode == nil {
			report.NoPostal++
			continue
		}
		code, ok := geocode.NormalizePostalCode(*s.PostalCode)
		if !ok {
			report.NoPostal++
			logger.Debug().Str("site_id", s.ID.String()).Str("postal_code", *s.PostalCode).Msg("unusable postal code")
			continue
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return report, err
			}
		}
		res, ok := geocoder.Lookup(ctx, code)
		if !ok {
			report.Unresolved++
			logger.Warn().Str("site_id", s.ID.String()).Str("postal_code", code).Msg("postal code did not resolve")
			continue
		}
		if !opts.DryRun {
			if err := repo.UpdateCoordinates(ctx, s.ID, res.Point); err != nil {
				return report, fmt.Errorf("update coordinates of %s: %w", s.ID, err)
			}
		}
		report.Repaired++
		logger.Info().Str("site_id", s.ID.String()).Str("study_id", s.StudyID).
			Float64("lat", res.Point.Lat).Float64("lon", res.Point.Lon).Bool("dry_run", opts.DryRun).
			Msg("site coordinates repaired")
	}
	return report, nil
}
