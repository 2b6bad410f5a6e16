package claim

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/trialsites/trialsites/internal/domain/site"
)

var tracer = otel.Tracer("github.com/trialsites/trialsites/internal/domain/claim")

// Category is the claimability bucket of one site, from the point of view
// of one owner.
type Category string

const (
	CategoryStagedByMe     Category = "staged_by_me"
	CategoryClaimedByMe    Category = "claimed_by_me"
	CategoryClaimedByOther Category = "claimed_by_other"
	CategoryAvailable      Category = "available"
)

// Assessment is the claimability of one registered site.
type Assessment struct {
	Site        site.Site        `json:"site"`
	LocationKey site.LocationKey `json:"location_key"`
	Category    Category         `json:"category"`
	// Claim is the active claim on the location, if any.
	Claim *Claim `json:"claim,omitempty"`
	// TempID is set for staged_by_me.
	TempID   string  `json:"temp_id,omitempty"`
	Disputed []Claim `json:"disputed,omitempty"`
}

// SiteLister lists every registered site of a study.
type SiteLister interface {
	ListByStudy(ctx context.Context, studyID string) ([]site.Site, error)
}

// ClaimFinder lists every claim of a study, whatever its status.
type ClaimFinder interface {
	FindByStudy(ctx context.Context, studyID string) ([]Claim, error)
}

// Detector buckets a study's sites into claimability categories. It only
// reads.
type Detector struct {
	sites  SiteLister
	claims ClaimFinder
}

func NewDetector(sites SiteLister, claims ClaimFinder) *Detector {
	return &Detector{sites: sites, claims: claims}
}

// Assess returns one Assessment per registered site of studyID, in store
// order. Categories are decided by LocationKey with the priority
// staged_by_me, claimed_by_me, claimed_by_other, available. Staged entries
// for other studies are ignored.
func (d *Detector) Assess(ctx context.Context, studyID string, owner Owner, staged []StagedEntry) ([]Assessment, error) {
	ctx, span := tracer.Start(ctx, "claim.Assess")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", studyID))

	var (
		sites  []site.Site
		claims []Claim
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if sites, err = d.sites.ListByStudy(gctx, studyID); err != nil {
			return fmt.Errorf("list sites: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if claims, err = d.claims.FindByStudy(gctx, studyID); err != nil {
			return fmt.Errorf("find claims: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	stagedByKey := make(map[site.LocationKey]string)
	for _, e := range staged {
		if e.StudyID != studyID {
			continue
		}
		if _, ok := stagedByKey[e.LocationKey]; !ok {
			stagedByKey[e.LocationKey] = e.TempID
		}
	}
	active := make(map[site.LocationKey]Claim)
	disputed := make(map[site.LocationKey][]Claim)
	for _, c := range claims {
		switch {
		case c.Status.Active():
			active[c.LocationKey] = c
		case c.Status == StatusDisputed:
			disputed[c.LocationKey] = append(disputed[c.LocationKey], c)
		}
	}

	out := make([]Assessment, 0, len(sites))
	for _, s := range sites {
		key := s.Key()
		a := Assessment{Site: s, LocationKey: key, Disputed: disputed[key]}
		held, claimed := active[key]
		if claimed {
			c := held
			a.Claim = &c
		}
		tempID, isStaged := stagedByKey[key]
		switch {
		case isStaged:
			a.Category = CategoryStagedByMe
			a.TempID = tempID
		case claimed && held.OwnerID == owner.ID:
			a.Category = CategoryClaimedByMe
		case claimed:
			a.Category = CategoryClaimedByOther
		default:
			a.Category = CategoryAvailable
		}
		out = append(out, a)
	}
	span.SetAttributes(attribute.Int("sites", len(out)))
	return out, nil
}

// Find returns the assessment of the site with the given id.
func Find(assessments []Assessment, siteID uuid.UUID) (Assessment, bool) {
	for _, a := range assessments {
		if a.Site.ID == siteID {
			return a, true
		}
	}
	return Assessment{}, false
}

// Summary counts assessments per category.
func Summary(assessments []Assessment) map[Category]int {
	out := map[Category]int{
		CategoryStagedByMe:     0,
		CategoryClaimedByMe:    0,
		CategoryClaimedByOther: 0,
		CategoryAvailable:      0,
	}
	for _, a := range assessments {
		out[a.Category]++
	}
	return out
}
