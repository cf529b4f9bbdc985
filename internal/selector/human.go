package selector

import (
	"context"

	"github.com/rotisserie/eris"
)

// Prompter is the synchronous human interface. Implementations block until
// the person answers; the literal input is authoritative.
type Prompter interface {
	// Decide presents one decision point and returns the human outcome.
	Decide(ctx context.Context, req DecideRequest) (*Decision, error)

	// Ask poses a clarification question and returns the literal answer.
	Ask(ctx context.Context, question string) (string, error)
}

// Human is the human-in-the-loop policy. No retries, no reinterpretation:
// whatever the person answers is the decision.
type Human struct {
	prompter Prompter
}

// NewHuman creates the human policy over the given prompter.
func NewHuman(p Prompter) *Human {
	return &Human{prompter: p}
}

// Decide implements Selector.
func (h *Human) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	decision, err := h.prompter.Decide(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "human selector")
	}
	return decision, nil
}

// Ask exposes the underlying prompter for clarification escalation from
// other policies.
func (h *Human) Ask(ctx context.Context, question string) (string, error) {
	return h.prompter.Ask(ctx, question)
}
