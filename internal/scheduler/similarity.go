// ABOUTME: Text similarity helpers for duplicate suppression and stagnation
// ABOUTME: Normalized equality plus token-overlap scoring

package scheduler

import (
	"strings"
	"unicode"
)

const (
	// duplicateOverlap is the token-overlap threshold above which a reply
	// counts as a near-duplicate of the speaker's own recent utterances.
	duplicateOverlap = 0.9

	// staleOverlap is the softer threshold used for the no-new-information
	// streak against recent topic history.
	staleOverlap = 0.75

	// minNovelLen mirrors the original short-reply cutoff: anything
	// shorter adds to the stagnation streak.
	minNovelLen = 36
)

// normalize lowercases, strips punctuation, and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// tokenOverlap returns the Jaccard similarity of the two token sets.
func tokenOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(normalize(s)) {
		set[tok] = true
	}
	return set
}

// isNearDuplicate reports whether content repeats any of the given recent
// utterances: normalized equality or token overlap above the high
// threshold.
func isNearDuplicate(content string, recent []string) bool {
	norm := normalize(content)
	if norm == "" {
		return true
	}
	for _, prev := range recent {
		if norm == normalize(prev) {
			return true
		}
		if tokenOverlap(content, prev) >= duplicateOverlap {
			return true
		}
	}
	return false
}

// addsNoNewInfo reports whether content should advance the stagnation
// streak: too short, or too similar to recent topic history.
func addsNoNewInfo(content string, recent []string) bool {
	if len(strings.TrimSpace(content)) < minNovelLen {
		return true
	}
	norm := normalize(content)
	for _, prev := range recent {
		if norm == normalize(prev) {
			return true
		}
		if tokenOverlap(content, prev) >= staleOverlap {
			return true
		}
	}
	return false
}

var needsHumanMarkers = []string{
	"needs a human decision",
	"need a human decision",
	"requires a human decision",
	"requires human input",
	"deferring to the host",
	"host decision required",
	"[needs-human]",
}

// needsHuman reports whether a reply signals that turns should pause until
// a human responds.
func needsHuman(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range needsHumanMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
