// ABOUTME: Prompt templates per reply style
// ABOUTME: Composes topic context, transcript tail, and style instructions

package adapter

import (
	"fmt"
	"strings"

	"github.com/2389/warroom-gateway/internal/policy"
)

// directAnswerReinforcement is appended on the rescue attempt.
const directAnswerReinforcement = "Answer directly. Do not ask meta-questions, do not request the topic or format, respond with substance now."

// gateReinforcement is appended on the single lookup-gate retry.
const gateReinforcement = "Before concluding you must check at least two source categories (official docs, source code, web search, changelog) and state an explicit 'GATE: PASS' or 'GATE: FAIL' line. Complete the evidence gate."

var styleInstructions = map[policy.StyleTag]string{
	policy.StyleDebate:      "Take a clear position and defend it against the strongest counterargument in the transcript.",
	policy.StyleEngineering: "Propose the next concrete engineering step with interfaces, state, and failure handling spelled out.",
	policy.StyleLookup:      "Verify the facts first. Check at least two source categories, then state 'GATE: PASS' or 'GATE: FAIL' before any conclusion.",
	policy.StyleGeneral:     "Move the discussion forward with one concrete, actionable contribution.",
}

// buildPrompt renders the invocation prompt for one speaker turn.
func buildPrompt(style policy.StyleTag, topicTitle, hostText, transcript, speakerName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one speaker in a multi-agent meeting room.\n", speakerName)
	fmt.Fprintf(&b, "Topic: %s\n", topicTitle)
	if hostText != "" {
		fmt.Fprintf(&b, "Host focus: %s\n", truncate(hostText, 200))
	}
	if transcript != "" {
		fmt.Fprintf(&b, "Recent transcript:\n%s\n", transcript)
	}
	b.WriteString(styleInstructions[style])
	b.WriteString(" Keep it under 120 words and do not repeat earlier points.")
	return b.String()
}
