package claim

import (
	"strings"
	"testing"

	"github.com/trialsites/trialsites/internal/domain/support"
)

func TestBuildDisputeTicket(t *testing.T) {
	s := testSite("NCT001", "Desert Clinic", "Phoenix", "AZ")
	s.PostalCode = strPtr("85001")

	tk := BuildDisputeTicket("NCT001", s, Owner{ID: "org-a", Verified: true}, "  We run this site.  ")

	if tk.Category != support.CategoryClaimDispute {
		t.Errorf("expected claim_dispute, got %s", tk.Category)
	}
	if tk.ReporterID != "org-a" {
		t.Errorf("expected reporter org-a, got %s", tk.ReporterID)
	}
	for _, want := range []string{"NCT001", "Desert Clinic, Phoenix, AZ 85001", "We run this site."} {
		if !strings.Contains(tk.Body, want) {
			t.Errorf("body missing %q:\n%s", want, tk.Body)
		}
	}
	if !strings.Contains(tk.Subject, "NCT001") {
		t.Errorf("subject should name the study: %q", tk.Subject)
	}
	if tk.Metadata["site_id"] != s.ID.String() || tk.Metadata["location_key"] != "phoenix|az|desert clinic" {
		t.Errorf("unexpected metadata %v", tk.Metadata)
	}
	if err := tk.Validate(); err != nil {
		t.Errorf("built ticket should validate: %v", err)
	}
}

func TestBuildDisputeTicket_NoReason(t *testing.T) {
	tk := BuildDisputeTicket("NCT001", testSite("NCT001", "F", "Mesa", "AZ"), Owner{ID: "u"}, "")
	if strings.HasSuffix(tk.Body, "\n\n") {
		t.Errorf("unexpected trailing blank line in %q", tk.Body)
	}
	if err := tk.Validate(); err != nil {
		t.Errorf("built ticket should validate: %v", err)
	}
}
