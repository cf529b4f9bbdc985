package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loom-cli/internal/generator"
	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/resilience"
	"github.com/sells-group/loom-cli/internal/selector"
)

// toolbox executes the agentic policy's tools against the orchestrator's
// open event. Each commit keeps the manifest durability boundary: the
// record is flushed before the tool result is returned.
type toolbox struct {
	o *Orchestrator
}

var _ selector.Toolbox = (*toolbox)(nil)

// GenerateCandidates replaces the candidates on offer: the open event is
// marked superseded (kept in the graph for audit) and a fresh round is
// opened at the same tip.
func (t *toolbox) GenerateCandidates(ctx context.Context, n, maxTokens int) ([]selector.CandidateSummary, error) {
	o := t.o
	if n < 1 {
		return nil, &loom.ValidationError{Field: "n", Detail: "must be >= 1"}
	}
	if maxTokens < 1 {
		maxTokens = o.cfg.SegmentTokens
	}

	req := generator.Request{
		FullText:        o.loom.CurrentText(),
		FewshotExamples: o.brief.FewshotExamples,
		SectionIntent:   o.brief.SectionIntent,
		RoughDraft:      o.brief.RoughDraft,
		N:               n,
		MaxTokens:       maxTokens,
	}
	cands, err := resilience.DoVal(ctx, o.retry, func(ctx context.Context) ([]generator.Candidate, error) {
		return o.gen.GenerateCandidates(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "toolbox: generate candidates")
	}

	// Supersede the current round only after generation succeeded, so a
	// failed regeneration leaves the existing candidates decidable.
	if err := o.loom.CommitAbort(o.open.ID, ReasonSuperseded); err != nil {
		return nil, err
	}
	if _, err := o.appendResolved(o.open.ID); err != nil {
		return nil, err
	}

	tip, ok := o.loom.Tip()
	if !ok {
		return nil, &loom.InvariantViolation{Op: "generate_candidates", Detail: "loom has no tip"}
	}
	event, err := o.loom.AddCandidates(tip.ID, generator.ToCandidateInputs(cands))
	if err != nil {
		return nil, err
	}
	o.open = &event
	return o.candidateSummaries(&event), nil
}

// CommitChoice resolves the open event and returns the extended text.
func (t *toolbox) CommitChoice(ctx context.Context, candidateID, reason string, scores map[string]map[string]float64) (string, error) {
	o := t.o
	if err := o.loom.CommitChoice(o.open.ID, candidateID, o.chosenBy, reason, scores); err != nil {
		return "", err
	}
	if _, err := o.appendResolved(o.open.ID); err != nil {
		return "", err
	}
	return o.loom.CurrentText(), nil
}

// RequestHumanInput records the clarify, blocks on the person, and returns
// their literal answer. The follow-up event it opens becomes the one a
// subsequent commit_choice resolves.
func (t *toolbox) RequestHumanInput(ctx context.Context, question string, tensionIDs []string, hingesOn string) (string, error) {
	return t.o.clarify(ctx, question, tensionIDs, hingesOn)
}

// StopGeneration resolves the open event as a stop.
func (t *toolbox) StopGeneration(ctx context.Context, reason string) error {
	_, err := t.o.commitStop(t.o.open.ID, reason)
	return err
}

// QueryLoom runs a read-only analytics query for the policy.
func (t *toolbox) QueryLoom(ctx context.Context, queryType string, params map[string]any) (any, error) {
	o := t.o
	switch queryType {
	case "last_n_decisions":
		n := intParam(params, "n", 5)
		return o.loom.LastNDecisions(n), nil

	case "rejected_at":
		nodeID, _ := params["node_id"].(string)
		if nodeID == "" {
			return nil, &loom.ValidationError{Field: "node_id", Detail: "required for rejected_at"}
		}
		return o.loom.RejectedAt(nodeID), nil

	case "find_divergences":
		threshold, ok := floatParam(params, "threshold")
		if !ok {
			return nil, &loom.ValidationError{Field: "threshold", Detail: "required for find_divergences"}
		}
		return o.loom.FindDivergences(threshold), nil

	case "find_clarifications":
		return o.loom.FindClarifications(), nil

	default:
		return nil, &loom.ValidationError{Field: "query_type", Detail: "unknown query " + queryType}
	}
}

// JSON numbers decode as float64; tool params arrive that way.

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key].(float64); ok && v >= 1 {
		return int(v)
	}
	if v, ok := params[key].(int); ok && v >= 1 {
		return v
	}
	return def
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
