package selector

import (
	"fmt"
	"strings"
)

// trailingContextRunes bounds how much of the crafted text a policy sees
// inline; the agentic policy can pull more through query_loom.
const trailingContextRunes = 2000

func systemPrompt(brief string) string {
	var b strings.Builder
	b.WriteString("You are the selector for a branching text-generation session. ")
	b.WriteString("At each step you are shown the text so far and several candidate continuations. ")
	b.WriteString("Decide which candidate best serves the brief, ask the author a clarifying question when candidates pull in genuinely different directions, or stop when the piece is done.\n\n")
	if brief != "" {
		b.WriteString("[BRIEF]\n")
		b.WriteString(brief)
		b.WriteString("\n")
	}
	return b.String()
}

func renderStep(req DecideRequest) string {
	var b strings.Builder

	text := req.FullText
	if runes := []rune(text); len(runes) > trailingContextRunes {
		text = "…" + string(runes[len(runes)-trailingContextRunes:])
	}
	b.WriteString("[TEXT SO FAR]\n")
	b.WriteString(text)
	b.WriteString("\n\n[CANDIDATES]\n")
	for i, c := range req.Candidates {
		if c.Logprob != nil {
			fmt.Fprintf(&b, "%d. id=%s logprob=%.3f\n%s\n", i+1, c.ID, *c.Logprob, c.Text)
		} else {
			fmt.Fprintf(&b, "%d. id=%s\n%s\n", i+1, c.ID, c.Text)
		}
	}
	if req.RecentContext != "" {
		b.WriteString("\n[RECENT DECISIONS]\n")
		b.WriteString(req.RecentContext)
		b.WriteString("\n")
	}
	if req.ValidationFailure != "" {
		b.WriteString("\n[VALIDATION FAILURE]\nYour previous response was rejected: ")
		b.WriteString(req.ValidationFailure)
		b.WriteString("\nCorrect it and respond again.\n")
	}
	return b.String()
}
