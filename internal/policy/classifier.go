// ABOUTME: Pluggable content-policy classifier producing reply style tags
// ABOUTME: Default implementation is deterministic keyword matching

package policy

import "strings"

// StyleTag labels the reply style the adapter gateway should use for a
// topic. It selects the prompt template and whether the expensive backend
// runs synchronously or as background enrichment.
type StyleTag string

const (
	// StyleDebate marks opinion or argument topics.
	StyleDebate StyleTag = "debate"
	// StyleEngineering marks design and implementation topics.
	StyleEngineering StyleTag = "engineering"
	// StyleLookup marks fact-finding topics subject to the evidence gate.
	StyleLookup StyleTag = "lookup"
	// StyleGeneral is the fallback for everything else.
	StyleGeneral StyleTag = "general"
)

// Classifier decides the reply style for a piece of topic or host text.
// Implementations are product policy, not structural design; the
// orchestration core only consumes the tag.
type Classifier interface {
	Classify(text string) StyleTag
}

// KeywordClassifier is the deterministic default. It scans lowercased
// text for style-specific keywords with lookup taking precedence, then
// debate, then engineering.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the default classifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

var (
	lookupWords = []string{
		"look up", "lookup", "search", "verify", "fact", "source",
		"citation", "evidence", "latest", "current price", "who is", "when did",
	}
	debateWords = []string{
		"debate", "argue", "opinion", "agree", "disagree", "versus",
		"vs", "should we", "pros and cons", "tradeoff", "trade-off",
	}
	engineeringWords = []string{
		"design", "implement", "architecture", "api", "schema", "refactor",
		"bug", "deploy", "migrate", "benchmark", "interface", "protocol",
	}
)

// Classify returns the style tag for the given text.
func (c *KeywordClassifier) Classify(text string) StyleTag {
	lower := strings.ToLower(text)
	for _, w := range lookupWords {
		if containsWord(lower, w) {
			return StyleLookup
		}
	}
	for _, w := range debateWords {
		if containsWord(lower, w) {
			return StyleDebate
		}
	}
	for _, w := range engineeringWords {
		if containsWord(lower, w) {
			return StyleEngineering
		}
	}
	return StyleGeneral
}

// containsWord reports whether the keyword appears on a word boundary.
// Substring matching alone would misfire ("vs" inside "canvas").
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		left := start == 0 || !isWordChar(text[start-1])
		right := end == len(text) || !isWordChar(text[end])
		if left && right {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

var _ Classifier = (*KeywordClassifier)(nil)
