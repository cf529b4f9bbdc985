package selector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/loom-cli/internal/loom"
)

// decisionWire is the JSON shape a decision-making service must return:
// exactly one of the three actions with its required fields.
type decisionWire struct {
	Action              string                        `json:"action"`
	CandidateID         string                        `json:"candidate_id,omitempty"`
	Reason              string                        `json:"reason,omitempty"`
	Ranking             []string                      `json:"ranking,omitempty"`
	Scores              map[string]map[string]float64 `json:"scores,omitempty"`
	Question            string                        `json:"question,omitempty"`
	CandidatesInTension []string                      `json:"candidates_in_tension,omitempty"`
	WhatHingesOnIt      string                        `json:"what_hinges_on_it,omitempty"`
}

// ParseDecision parses and validates a service response against the
// three-shape schema. Any violation is a ValidationError, reported back to
// the policy rather than aborting the session.
func ParseDecision(raw string) (*Decision, error) {
	var wire decisionWire
	if err := json.Unmarshal([]byte(stripFences(raw)), &wire); err != nil {
		return nil, &loom.ValidationError{Field: "response", Detail: fmt.Sprintf("not valid JSON: %v", err)}
	}

	switch Action(wire.Action) {
	case ActionChoose:
		if wire.CandidateID == "" {
			return nil, &loom.ValidationError{Field: "candidate_id", Detail: "required for choose"}
		}
		if wire.Reason == "" {
			return nil, &loom.ValidationError{Field: "reason", Detail: "required for choose"}
		}
		return &Decision{
			Action:      ActionChoose,
			CandidateID: wire.CandidateID,
			Reason:      wire.Reason,
			Ranking:     wire.Ranking,
			Scores:      wire.Scores,
		}, nil
	case ActionClarify:
		if wire.Question == "" {
			return nil, &loom.ValidationError{Field: "question", Detail: "required for clarify"}
		}
		return &Decision{
			Action:     ActionClarify,
			Question:   wire.Question,
			TensionIDs: wire.CandidatesInTension,
			HingesOn:   wire.WhatHingesOnIt,
		}, nil
	case ActionStop:
		if wire.Reason == "" {
			return nil, &loom.ValidationError{Field: "reason", Detail: "required for stop"}
		}
		return &Decision{Action: ActionStop, Reason: wire.Reason}, nil
	default:
		return nil, &loom.ValidationError{Field: "action", Detail: fmt.Sprintf("unknown action %q", wire.Action)}
	}
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
