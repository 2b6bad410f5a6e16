package claim

import (
	"fmt"
	"strings"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/domain/support"
)

// BuildDisputeTicket describes a challenge to the active claim on s. The
// ticket names the study and the site; identifiers also travel in Metadata
// for the operations team's tooling.
func BuildDisputeTicket(studyID string, s site.Site, owner Owner, reason string) support.Ticket {
	var body strings.Builder
	fmt.Fprintf(&body, "Study: %s\n", studyID)
	fmt.Fprintf(&body, "Site: %s\n", s.Describe())
	fmt.Fprintf(&body, "Location key: %s\n", s.Key())
	fmt.Fprintf(&body, "Requested by: %s (verified: %t)\n", owner.ID, owner.Verified)
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&body, "\n%s\n", reason)
	}

	return support.Ticket{
		Category:   support.CategoryClaimDispute,
		Subject:    fmt.Sprintf("Claim dispute for %s at %s", studyID, s.Describe()),
		Body:       body.String(),
		ReporterID: owner.ID,
		Metadata: map[string]string{
			"study_id":     studyID,
			"site_id":      s.ID.String(),
			"location_key": s.Key().String(),
		},
	}
}
