package claim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is one session's ordered list of staged entries. It is a plain
// value owned by its session and is never the source of truth: losing it
// loses nothing on the server.
type Queue struct {
	entries []StagedEntry
	now     func() time.Time
}

// NewQueue restores a queue from previously staged entries.
func NewQueue(entries []StagedEntry) *Queue {
	q := &Queue{now: time.Now}
	q.entries = append(q.entries, entries...)
	return q
}

// Add appends entries, assigning temp ids and staging times where missing.
// A call that names the same (study, location key) twice is rejected as a
// whole with ErrDuplicateStaged. Entries already queued by earlier calls
// are not compared against.
func (q *Queue) Add(entries ...StagedEntry) ([]StagedEntry, error) {
	seen := make(map[stagedKey]struct{}, len(entries))
	for _, e := range entries {
		id := e.identity()
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: study %s, location %q", ErrDuplicateStaged, e.StudyID, e.LocationKey)
		}
		seen[id] = struct{}{}
	}

	added := make([]StagedEntry, 0, len(entries))
	for _, e := range entries {
		if e.TempID == "" {
			e.TempID = uuid.NewString()
		}
		if e.StagedAt.IsZero() {
			e.StagedAt = q.clock().UTC()
		}
		added = append(added, e)
	}
	q.entries = append(q.entries, added...)
	return added, nil
}

// Remove deletes the entry with tempID and reports whether it was present.
func (q *Queue) Remove(tempID string) bool {
	for i, e := range q.entries {
		if e.TempID == tempID {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll deletes every entry whose temp id is listed.
func (q *Queue) RemoveAll(tempIDs ...string) {
	drop := make(map[string]struct{}, len(tempIDs))
	for _, id := range tempIDs {
		drop[id] = struct{}{}
	}
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if _, ok := drop[e.TempID]; !ok {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

func (q *Queue) Clear() {
	q.entries = nil
}

// Entries returns a copy of the queue in staging order.
func (q *Queue) Entries() []StagedEntry {
	out := make([]StagedEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) ForStudy(studyID string) []StagedEntry {
	var out []StagedEntry
	for _, e := range q.entries {
		if e.StudyID == studyID {
			out = append(out, e)
		}
	}
	return out
}

func (q *Queue) Len() int {
	return len(q.entries)
}

func (q *Queue) clock() time.Time {
	if q.now == nil {
		return time.Now()
	}
	return q.now()
}
