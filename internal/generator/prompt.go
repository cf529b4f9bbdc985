package generator

import (
	"fmt"
	"strings"
)

// BuildBasePrompt assembles the candidate-generation prompt from the brief
// material and the crafted text so far. Empty sections are omitted.
func BuildBasePrompt(req Request) string {
	var parts []string

	if s := strings.TrimSpace(req.FewshotExamples); s != "" {
		parts = append(parts, section("FEW-SHOT TEXTURE EXAMPLES", s))
	}
	if s := strings.TrimSpace(req.SectionIntent); s != "" {
		parts = append(parts, section("SECTION INTENT", s))
	}
	if s := strings.TrimSpace(req.RoughDraft); s != "" {
		parts = append(parts, section("ROUGH VERSION / OUTLINE", s))
	}

	parts = append(parts, section("CRAFTED TEXT SO FAR", req.FullText))
	parts = append(parts, "[CONTINUE]")

	return strings.Join(parts, "\n\n")
}

func section(title, body string) string {
	return fmt.Sprintf("[%s]\n%s", title, body)
}
