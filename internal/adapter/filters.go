// ABOUTME: Validity filters applied to raw backend responses before acceptance
// ABOUTME: Leakage stripping, meta-reply, scaffold, low-information, lookup gate

package adapter

import (
	"regexp"
	"strings"

	"github.com/2389/warroom-gateway/internal/policy"
)

// Rejection reasons recorded in adapter.discarded events.
const (
	RejectLeakage  = "leakage"
	RejectMeta     = "meta_reply"
	RejectScaffold = "scaffold"
	RejectLowInfo  = "low_information"
	RejectGate     = "lookup_gate"
)

// minSubstantiveLen is the short-reply threshold for the low-information
// filter.
const minSubstantiveLen = 36

// FilterContext carries the topic context a filter needs to judge a reply.
type FilterContext struct {
	TopicTitle string
	HostText   string
	Style      policy.StyleTag
}

// Validate runs every filter in order. It returns the (possibly stripped)
// content on acceptance, or the rejection reason.
func Validate(content string, fctx FilterContext) (string, string) {
	cleaned, ok := StripLeakage(content)
	if !ok {
		return "", RejectLeakage
	}
	if IsMetaReply(cleaned) {
		return "", RejectMeta
	}
	if IsScaffoldReply(cleaned) {
		return "", RejectScaffold
	}
	if IsLowInformation(cleaned, fctx.TopicTitle, fctx.HostText) {
		return "", RejectLowInfo
	}
	if fctx.Style == policy.StyleLookup && !LookupGatePassed(cleaned) {
		return "", RejectGate
	}
	return cleaned, ""
}

var leakageMarkers = []string{
	"agents.md",
	"soul.md",
	"identity.md",
	"bootstrap file",
	"workspace file",
	"system prompt",
	"my instructions say",
}

// StripLeakage removes lines that reference internal bootstrap or identity
// material instead of answering. Returns false when nothing substantive
// remains after stripping.
func StripLeakage(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	stripped := false
	for _, line := range lines {
		lower := strings.ToLower(line)
		leaked := false
		for _, m := range leakageMarkers {
			if strings.Contains(lower, m) {
				leaked = true
				break
			}
		}
		if leaked {
			stripped = true
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if stripped && len(out) < minSubstantiveLen/2 {
		return "", false
	}
	return out, true
}

var metaMarkers = []string{
	"please restate",
	"restate the question",
	"restate the topic",
	"what topic",
	"which topic",
	"what format",
	"which format",
	"could you clarify",
	"can you clarify",
	"please provide the topic",
	"please provide more context",
	"what would you like me to",
	"i need more information before",
}

// IsMetaReply reports whether the response asks the caller to restate the
// question instead of answering it.
func IsMetaReply(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range metaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var placeholderRe = regexp.MustCompile(`(?i)\bTBD\b|\bTODO\b|\[insert[^\]]*\]|\[placeholder[^\]]*\]|<insert[^>]*>|<placeholder[^>]*>|\bxxx\b`)

// IsScaffoldReply reports whether the response is a templated skeleton
// with no real content: placeholder tokens, or nearly every line being a
// bare heading.
func IsScaffoldReply(content string) bool {
	if placeholderRe.MatchString(content) {
		return true
	}
	var lines, headings int
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines++
		if strings.HasSuffix(line, ":") {
			headings++
		}
	}
	return lines >= 3 && headings*10 >= lines*8
}

var reasoningMarkers = []string{
	"because", "therefore", "so that", "which means", "tradeoff",
	"first", "then", "instead", "compared", "->",
}

// IsLowInformation reports whether the response is too short, shares no
// keywords with the topic or host context, and contains no reasoning
// markers. All three must hold for rejection.
func IsLowInformation(content, topicTitle, hostText string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) >= minSubstantiveLen {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range keywords(topicTitle + " " + hostText) {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	for _, m := range reasoningMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}

// sourceCategories are the designated information-source categories the
// lookup gate requires evidence of checking.
var sourceCategories = []string{
	"official docs", "documentation", "source code", "changelog",
	"web search", "search result", "news", "release notes",
}

var gateRe = regexp.MustCompile(`(?i)gate\s*[:=]\s*(pass|fail)`)

// LookupGatePassed reports whether a fact-lookup reply demonstrates having
// checked at least two designated source categories and carries an
// explicit passing gate marker before its conclusion.
func LookupGatePassed(content string) bool {
	m := gateRe.FindStringSubmatch(content)
	if m == nil || !strings.EqualFold(m[1], "pass") {
		return false
	}
	lower := strings.ToLower(content)
	categories := 0
	for _, c := range sourceCategories {
		if strings.Contains(lower, c) {
			categories++
		}
	}
	return categories >= 2
}

var wordRe = regexp.MustCompile(`[a-z0-9]{4,}`)

// keywords extracts lowercased significant words for overlap checks.
func keywords(s string) []string {
	return wordRe.FindAllString(strings.ToLower(s), -1)
}
