package claim

import (
	"errors"
	"testing"
	"time"
)

func TestQueue_Add_RejectsDuplicateLocationInOneCall(t *testing.T) {
	sites := study1Sites()
	q := NewQueue(nil)

	_, err := q.Add(NewStagedEntry("STUDY-1", sites[0]), NewStagedEntry("STUDY-1", sites[1]))
	if !errors.Is(err, ErrDuplicateStaged) {
		t.Fatalf("expected ErrDuplicateStaged, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("rejected call must not stage anything, got %d entries", q.Len())
	}
}

func TestQueue_Add_SameLocationDifferentStudies(t *testing.T) {
	s := testSite("STUDY-1", "Desert Clinic", "Phoenix", "AZ")
	q := NewQueue(nil)
	if _, err := q.Add(NewStagedEntry("STUDY-1", s), NewStagedEntry("STUDY-2", s)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", q.Len())
	}
}

func TestQueue_Add_AssignsIDsAndTimes(t *testing.T) {
	sites := study1Sites()
	q := NewQueue(nil)
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	added, err := q.Add(NewStagedEntry("STUDY-1", sites[0]), NewStagedEntry("STUDY-1", sites[2]))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added[0].TempID == "" || added[0].TempID == added[1].TempID {
		t.Errorf("expected distinct temp ids, got %q and %q", added[0].TempID, added[1].TempID)
	}
	if !added[0].StagedAt.Equal(fixed) {
		t.Errorf("expected StagedAt %v, got %v", fixed, added[0].StagedAt)
	}

	// Across calls the queue does not deduplicate.
	if _, err := q.Add(NewStagedEntry("STUDY-1", sites[1])); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", q.Len())
	}
}

func TestQueue_RemoveAndClear(t *testing.T) {
	sites := study1Sites()
	q := NewQueue(nil)
	added, _ := q.Add(NewStagedEntry("STUDY-1", sites[0]), NewStagedEntry("STUDY-1", sites[2]))
	other, _ := q.Add(NewStagedEntry("STUDY-2", testSite("STUDY-2", "X", "Mesa", "AZ")))

	if !q.Remove(added[0].TempID) {
		t.Fatal("expected Remove to find the entry")
	}
	if q.Remove(added[0].TempID) {
		t.Fatal("second Remove should report absence")
	}
	if got := q.ForStudy("STUDY-1"); len(got) != 1 || got[0].TempID != added[1].TempID {
		t.Errorf("unexpected STUDY-1 entries %+v", got)
	}

	q.RemoveAll(added[1].TempID, "unknown")
	if q.Len() != 1 || q.Entries()[0].TempID != other[0].TempID {
		t.Errorf("expected only the STUDY-2 entry left, got %+v", q.Entries())
	}

	q.Clear()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_EntriesIsACopy(t *testing.T) {
	q := NewQueue(nil)
	q.Add(NewStagedEntry("STUDY-1", study1Sites()[0]))
	entries := q.Entries()
	entries[0].StudyID = "changed"
	if q.Entries()[0].StudyID != "STUDY-1" {
		t.Error("mutating Entries() result changed the queue")
	}
}
