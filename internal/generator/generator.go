// Package generator defines the generation service contract and its
// implementations: given context and a sample count, produce candidate
// continuations, optionally with log-probabilities.
package generator

import (
	"context"
	"fmt"

	"github.com/sells-group/loom-cli/internal/loom"
)

// Request carries everything a generator needs for one round of candidates.
type Request struct {
	FullText        string
	FewshotExamples string
	SectionIntent   string
	RoughDraft      string
	N               int
	MaxTokens       int
}

// Candidate is raw generator output. Token ids may be empty and logprob
// fields nil when the backend exposes no tokenization or log-probabilities.
type Candidate struct {
	Text          string
	TokenIDs      []int
	TokenLogprobs []float64
	StepLogprob   *float64
}

// Generator is the external generation service contract.
type Generator interface {
	GenerateCandidates(ctx context.Context, req Request) ([]Candidate, error)
}

// ServiceError marks an upstream generation failure that exhausted its
// retries. The step it belongs to is terminal; the session is not.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("generation service: %v", e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// validateRequest enforces the service contract shared by all backends.
func validateRequest(req Request) error {
	if req.N < 1 {
		return &loom.ValidationError{Field: "n", Detail: fmt.Sprintf("candidate count must be >= 1, got %d", req.N)}
	}
	if req.MaxTokens < 1 {
		return &loom.ValidationError{Field: "max_tokens", Detail: fmt.Sprintf("max tokens must be >= 1, got %d", req.MaxTokens)}
	}
	return nil
}

// ToCandidateInputs converts generator output into loom candidate inputs.
func ToCandidateInputs(cands []Candidate) []loom.CandidateInput {
	out := make([]loom.CandidateInput, len(cands))
	for i, c := range cands {
		out[i] = loom.CandidateInput{
			Text:          c.Text,
			TokenIDs:      c.TokenIDs,
			TokenLogprobs: c.TokenLogprobs,
			StepLogprob:   c.StepLogprob,
		}
	}
	return out
}
