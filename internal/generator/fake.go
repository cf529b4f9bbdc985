package generator

import (
	"context"
	"fmt"
)

// Fake is a deterministic generator for tests and offline runs. It returns
// candidates named "<prefix>0", "<prefix>1", ... with empty token ids.
// StepLogprobs, when set, supplies per-candidate logprobs round-robin.
type Fake struct {
	Prefix       string
	StepLogprobs []float64
	Err          error

	// Calls counts completed rounds.
	Calls int
}

// NewFake creates a fake generator with the default "candidate_" prefix.
func NewFake() *Fake {
	return &Fake{Prefix: "candidate_"}
}

// GenerateCandidates implements Generator.
func (f *Fake) GenerateCandidates(ctx context.Context, req Request) ([]Candidate, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, &ServiceError{Err: f.Err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Candidate, req.N)
	for i := range out {
		out[i] = Candidate{Text: fmt.Sprintf("%s%d", f.Prefix, i)}
		if len(f.StepLogprobs) > 0 {
			lp := f.StepLogprobs[i%len(f.StepLogprobs)]
			out[i].StepLogprob = &lp
		}
	}
	f.Calls++
	return out, nil
}
