// Package selector implements the pluggable decision policies that resolve
// each branch point: a person, a single-shot model call, or a bounded
// tool-using agent. All three share one contract: given the brief, the text
// so far, and the candidates on offer, produce exactly one of choose,
// clarify, or stop.
package selector

import (
	"context"
)

// CandidateSummary is what a policy sees of one candidate: id, text, and the
// step logprob when the generation source provided one (nil means no
// signal).
type CandidateSummary struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Logprob *float64 `json:"logprob,omitempty"`
}

// DecideRequest carries one decision point to a policy.
type DecideRequest struct {
	Brief         string
	FullText      string
	RecentContext string
	Candidates    []CandidateSummary

	// ValidationFailure is set when the previous decision for this step was
	// rejected (unknown candidate id, missing field); the policy may correct
	// and retry.
	ValidationFailure string

	// Toolbox is the orchestrator-side execution surface for the agentic
	// policy's tools. Other policies ignore it.
	Toolbox Toolbox
}

// Action is a policy outcome kind.
type Action string

const (
	ActionChoose  Action = "choose"
	ActionClarify Action = "clarify"
	ActionStop    Action = "stop"
)

// Decision is the single outcome of one decision point.
type Decision struct {
	Action Action

	// Choose fields.
	CandidateID string
	Reason      string
	Ranking     []string
	Scores      map[string]map[string]float64

	// Clarify fields.
	Question   string
	TensionIDs []string
	HingesOn   string

	// Applied is true when the decision was already committed
	// orchestrator-side during an agentic tool loop; the orchestrator must
	// not commit it again.
	Applied bool
}

// Selector decides the outcome of a decision point.
type Selector interface {
	Decide(ctx context.Context, req DecideRequest) (*Decision, error)
}

// Toolbox exposes the orchestrator-side operations behind the agentic
// policy's tools, one method per tool.
type Toolbox interface {
	// GenerateCandidates requests a fresh round of candidates at the current
	// tip, replacing the open decision event.
	GenerateCandidates(ctx context.Context, n, maxTokens int) ([]CandidateSummary, error)

	// CommitChoice resolves the open event and returns the new full text.
	CommitChoice(ctx context.Context, candidateID, reason string, scores map[string]map[string]float64) (string, error)

	// RequestHumanInput records a clarify outcome, blocks on the person, and
	// returns their literal answer.
	RequestHumanInput(ctx context.Context, question string, tensionIDs []string, hingesOn string) (string, error)

	// StopGeneration resolves the open event as a stop.
	StopGeneration(ctx context.Context, reason string) error

	// QueryLoom runs a read-only analytics query:
	// last_n_decisions | rejected_at | find_divergences | find_clarifications.
	QueryLoom(ctx context.Context, queryType string, params map[string]any) (any, error)
}
