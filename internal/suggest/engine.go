package suggest

import (
	"strings"
	"unicode/utf8"
)

// MaxDistance is the exclusive edit-distance bound for offering a suggestion.
const MaxDistance = 3

// Suggestion is a vocabulary entry close enough to the search term.
type Suggestion struct {
	Label           string `json:"label"`
	ClinicalSynonym string `json:"clinical_synonym,omitempty"`
	Distance        int    `json:"distance"`
}

// Engine looks up the closest vocabulary label for a term. It is read-only
// and safe for concurrent use.
type Engine struct {
	vocab Vocabulary
}

// NewEngine copies v so later mutation by the caller has no effect.
func NewEngine(v Vocabulary) *Engine {
	cp := make(Vocabulary, len(v))
	copy(cp, v)
	return &Engine{vocab: cp}
}

// Size returns the number of vocabulary entries.
func (e *Engine) Size() int {
	return len(e.vocab)
}

// Suggest returns the closest label when its distance to term is below
// MaxDistance. Ties on distance go to the shorter label, then to the entry
// that appears first in the vocabulary.
func (e *Engine) Suggest(term string) (Suggestion, bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || len(e.vocab) == 0 {
		return Suggestion{}, false
	}

	best := -1
	bestDist := 0
	bestLen := 0
	for i, entry := range e.vocab {
		label := strings.ToLower(strings.TrimSpace(entry.Label))
		d := Levenshtein(term, label)
		n := utf8.RuneCountInString(label)
		if best < 0 || d < bestDist || (d == bestDist && n < bestLen) {
			best, bestDist, bestLen = i, d, n
		}
	}

	if bestDist >= MaxDistance {
		return Suggestion{}, false
	}
	entry := e.vocab[best]
	return Suggestion{
		Label:           entry.Label,
		ClinicalSynonym: entry.ClinicalSynonym,
		Distance:        bestDist,
	}, true
}

// Levenshtein returns the rune-level edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
