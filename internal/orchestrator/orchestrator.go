// Package orchestrator drives a session: it pulls the current tip, requests
// candidates from the generator, hands the open decision to the selector
// policy, and commits the outcome to the loom, the manifest, and the store.
// Exactly one orchestrator mutates a given loom at a time; steps are
// serialized by a mutex.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loom-cli/internal/brief"
	"github.com/sells-group/loom-cli/internal/generator"
	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
	"github.com/sells-group/loom-cli/internal/resilience"
	"github.com/sells-group/loom-cli/internal/selector"
	"github.com/sells-group/loom-cli/internal/store"
)

// Stop reason codes recorded when the orchestrator ends a session itself.
const (
	ReasonBudgetExhausted   = "budget-exhausted"
	ReasonSelectorExhausted = "selector-retries-exhausted"
	ReasonAborted           = "aborted"
	ReasonSuperseded        = "superseded"
)

// Config bounds one session.
type Config struct {
	BranchingFactor    int `mapstructure:"branching_factor" yaml:"branching_factor"`
	SegmentTokens      int `mapstructure:"segment_tokens" yaml:"segment_tokens"`
	MaxTotalTokens     int `mapstructure:"max_total_tokens" yaml:"max_total_tokens"`
	MaxSteps           int `mapstructure:"max_steps" yaml:"max_steps"`
	MaxSelectorRetries int `mapstructure:"max_selector_retries" yaml:"max_selector_retries"`
	RecentDecisions    int `mapstructure:"recent_decisions" yaml:"recent_decisions"`
}

// DefaultConfig mirrors the session defaults.
func DefaultConfig() Config {
	return Config{
		BranchingFactor:    8,
		SegmentTokens:      6,
		MaxTotalTokens:     1500,
		MaxSteps:           0, // unbounded; token budget governs
		MaxSelectorRetries: 3,
		RecentDecisions:    5,
	}
}

// Result summarizes a finished session run.
type Result struct {
	SessionID  string
	Steps      int
	TokensUsed int
	Reason     string
	FinalText  string
}

// Orchestrator owns the decision loop for one session.
type Orchestrator struct {
	mu sync.Mutex

	loom     *loom.Loom
	gen      generator.Generator
	sel      selector.Selector
	human    *selector.Human
	brief    *brief.Brief
	cfg      Config
	log      *manifest.Logger
	st       store.Store
	chosenBy loom.ChosenBy
	retry    resilience.RetryConfig

	// open is the unresolved event of the in-flight step; nil between steps.
	open       *loom.DecisionEvent
	tokensUsed int
	steps      int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHumanPrompter installs the human escalation path used for clarify
// outcomes and the agentic request_human_input tool.
func WithHumanPrompter(h *selector.Human) Option {
	return func(o *Orchestrator) { o.human = h }
}

// WithStore enables snapshot persistence after each resolved step.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.st = s }
}

// WithChosenBy overrides who resolutions are attributed to. Defaults to
// "selector"; the interactive human loop sets "human".
func WithChosenBy(by loom.ChosenBy) Option {
	return func(o *Orchestrator) { o.chosenBy = by }
}

// WithRetry overrides the generation retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// New wires an orchestrator over an existing loom.
func New(l *loom.Loom, gen generator.Generator, sel selector.Selector, b *brief.Brief, cfg Config, log *manifest.Logger, opts ...Option) *Orchestrator {
	if b == nil {
		b = &brief.Brief{}
	}
	o := &Orchestrator{
		loom:     l,
		gen:      gen,
		sel:      sel,
		brief:    b,
		cfg:      cfg,
		log:      log,
		chosenBy: loom.ChosenBySelector,
		retry:    resilience.DefaultRetryConfig(),
	}
	o.retry.OnRetry = resilience.RetryLogger("generator", "generate_candidates")
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Loom exposes the session graph for read-only callers.
func (o *Orchestrator) Loom() *loom.Loom { return o.loom }

// TokensUsed reports the running token budget consumption.
func (o *Orchestrator) TokensUsed() int { return o.tokensUsed }

// BudgetExhausted reports whether another step would exceed the session
// budget.
func (o *Orchestrator) BudgetExhausted() bool {
	if o.cfg.MaxSteps > 0 && o.steps >= o.cfg.MaxSteps {
		return true
	}
	return o.cfg.MaxTotalTokens > 0 && o.tokensUsed+o.cfg.SegmentTokens > o.cfg.MaxTotalTokens
}

// RunSession loops Step until the session stops, the budget runs out, or a
// fatal error surfaces. The loom is left intact on error; generation
// failures and cancellation abort only the step they interrupt.
func (o *Orchestrator) RunSession(ctx context.Context) (*Result, error) {
	for {
		if o.loom.Stopped {
			return o.result(o.lastStopReason()), nil
		}
		if o.BudgetExhausted() {
			zap.L().Info("session budget exhausted",
				zap.String("session_id", o.loom.SessionID),
				zap.Int("tokens_used", o.tokensUsed),
			)
			if err := o.persist(ctx); err != nil {
				return nil, err
			}
			return o.result(ReasonBudgetExhausted), nil
		}
		if _, err := o.Step(ctx); err != nil {
			return nil, err
		}
	}
}

// Step runs one decision point to resolution and returns the resolving
// event. The caller sees the step as complete only after the manifest record
// is flushed and the snapshot saved.
func (o *Orchestrator) Step(ctx context.Context) (*loom.DecisionEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.loom.Stopped {
		return nil, &loom.InvariantViolation{Op: "step", Detail: "session already stopped"}
	}

	// AWAITING_CANDIDATES
	event, err := o.openCandidates(ctx)
	if err != nil {
		return nil, err
	}
	o.open = &event

	// CANDIDATES_OPEN → RESOLVED
	resolved, err := o.resolve(ctx)
	o.open = nil
	if err != nil {
		return nil, err
	}

	if resolved.Action == loom.ActionChoose {
		o.tokensUsed += o.cfg.SegmentTokens
	}
	o.steps++

	if err := o.persist(ctx); err != nil {
		return nil, err
	}
	return resolved, nil
}

// openCandidates generates one round of candidates at the tip and opens the
// decision event. Generation failures are retried with backoff; a terminal
// failure leaves the loom untouched.
func (o *Orchestrator) openCandidates(ctx context.Context) (loom.DecisionEvent, error) {
	req := generator.Request{
		FullText:        o.loom.CurrentText(),
		FewshotExamples: o.brief.FewshotExamples,
		SectionIntent:   o.brief.SectionIntent,
		RoughDraft:      o.brief.RoughDraft,
		N:               o.cfg.BranchingFactor,
		MaxTokens:       o.cfg.SegmentTokens,
	}

	cands, err := resilience.DoVal(ctx, o.retry, func(ctx context.Context) ([]generator.Candidate, error) {
		return o.gen.GenerateCandidates(ctx, req)
	})
	if err != nil {
		return loom.DecisionEvent{}, eris.Wrap(err, "orchestrator: generate candidates")
	}

	tip, ok := o.loom.Tip()
	if !ok {
		return loom.DecisionEvent{}, &loom.InvariantViolation{Op: "step", Detail: "loom has no tip"}
	}
	return o.loom.AddCandidates(tip.ID, generator.ToCandidateInputs(cands))
}

// resolve runs the selection phase against the open event. Malformed
// decisions bounce back to the policy with a validation message up to the
// retry bound, after which the step is forced to stop. Answered clarify
// rounds re-enter selection without consuming the bound. Cancellation aborts
// the open event.
func (o *Orchestrator) resolve(ctx context.Context) (*loom.DecisionEvent, error) {
	failure := ""
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, o.abortOpen(err)
		}
		if failures > o.cfg.MaxSelectorRetries {
			zap.L().Warn("selector retries exhausted",
				zap.String("session_id", o.loom.SessionID),
				zap.String("event_id", o.open.ID),
			)
			return o.commitStop(o.open.ID, ReasonSelectorExhausted)
		}

		decision, err := o.sel.Decide(ctx, o.decideRequest(failure))
		if err != nil {
			if loom.IsValidation(err) {
				failure = err.Error()
				failures++
				continue
			}
			if ctx.Err() != nil {
				return nil, o.abortOpen(ctx.Err())
			}
			return nil, eris.Wrap(err, "orchestrator: selector")
		}

		if decision.Applied {
			// An agentic policy committed through the toolbox; o.open tracks
			// the event it resolved.
			return o.currentEvent()
		}

		resolved, err := o.apply(ctx, decision)
		if err != nil {
			if loom.IsValidation(err) || loom.IsUnresolvedReference(err) {
				failure = err.Error()
				failures++
				continue
			}
			return nil, err
		}
		if resolved != nil {
			return resolved, nil
		}
		// A clarify was answered; re-enter selection against the fresh
		// follow-up event with the exchange in context.
		failure = ""
	}
}

// apply commits a non-applied decision. A nil, nil return means the step is
// not yet resolved (clarify answered, selection continues).
func (o *Orchestrator) apply(ctx context.Context, d *selector.Decision) (*loom.DecisionEvent, error) {
	switch d.Action {
	case selector.ActionChoose:
		// Malformed decisions go back to the policy without touching the loom.
		if d.Reason == "" {
			return nil, &loom.ValidationError{Field: "reason", Detail: "required for choose"}
		}
		if !o.open.HasCandidate(d.CandidateID) {
			return nil, &loom.ValidationError{Field: "candidate_id", Detail: fmt.Sprintf("unknown candidate id %q", d.CandidateID)}
		}
		if err := o.loom.CommitChoice(o.open.ID, d.CandidateID, o.chosenBy, d.Reason, d.Scores); err != nil {
			return nil, err
		}
		return o.appendResolved(o.open.ID)

	case selector.ActionStop:
		return o.commitStop(o.open.ID, d.Reason)

	case selector.ActionClarify:
		if _, err := o.clarify(ctx, d.Question, d.TensionIDs, d.HingesOn); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, &loom.ValidationError{Field: "action", Detail: fmt.Sprintf("unknown action %q", d.Action)}
	}
}

// clarify records the question, blocks on the human (AWAITING_HUMAN), stores
// the literal answer, and opens the follow-up event against the same tip.
// It returns the human response. The manifest record is written only after
// the answer lands on the event, so replay sees the full exchange.
func (o *Orchestrator) clarify(ctx context.Context, question string, tensionIDs []string, hingesOn string) (string, error) {
	if o.human == nil {
		return "", &loom.ValidationError{Field: "clarify", Detail: "no human available to answer clarification"}
	}
	if err := o.loom.CommitClarify(o.open.ID, question, tensionIDs, hingesOn); err != nil {
		return "", err
	}

	answer, err := o.human.Ask(ctx, question)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", eris.Wrap(err, "orchestrator: clarification")
	}
	if err := o.loom.SetHumanResponse(o.open.ID, answer); err != nil {
		return "", err
	}
	if _, err := o.appendResolved(o.open.ID); err != nil {
		return "", err
	}

	followup, err := o.loom.OpenClarifyResolution(o.open.ID)
	if err != nil {
		return "", err
	}
	o.open = &followup
	return answer, nil
}

// commitStop resolves the open event as a stop and logs it.
func (o *Orchestrator) commitStop(eventID, reason string) (*loom.DecisionEvent, error) {
	if err := o.loom.CommitStop(eventID, reason); err != nil {
		return nil, err
	}
	return o.appendResolved(eventID)
}

// abortOpen marks the open event aborted on cancellation. The candidates
// stay in the graph for audit but never join the path.
func (o *Orchestrator) abortOpen(cause error) error {
	if o.open == nil {
		return cause
	}
	if err := o.loom.CommitAbort(o.open.ID, ReasonAborted); err != nil {
		zap.L().Error("abort failed", zap.String("event_id", o.open.ID), zap.Error(err))
		return cause
	}
	if _, err := o.appendResolved(o.open.ID); err != nil {
		return err
	}
	return cause
}

// appendResolved writes the event's manifest record. A manifest failure is
// session-fatal; the orchestrator must not proceed past a step it could not
// durably log.
func (o *Orchestrator) appendResolved(eventID string) (*loom.DecisionEvent, error) {
	event, err := o.loom.Event(eventID)
	if err != nil {
		return nil, err
	}
	if o.log != nil {
		if err := o.log.Append(o.loom.SessionID, &event); err != nil {
			return nil, err
		}
	}
	return &event, nil
}

// persist saves a full snapshot; manifest records are already flushed.
func (o *Orchestrator) persist(ctx context.Context) error {
	if o.st == nil {
		return nil
	}
	return o.st.SaveSnapshot(ctx, o.loom)
}

func (o *Orchestrator) currentEvent() (*loom.DecisionEvent, error) {
	if o.open == nil {
		return nil, &loom.InvariantViolation{Op: "step", Detail: "no event tracked for applied decision"}
	}
	event, err := o.loom.Event(o.open.ID)
	if err != nil {
		return nil, err
	}
	if !event.Resolved() {
		return nil, &loom.InvariantViolation{Op: "step", Detail: "applied decision left event unresolved"}
	}
	return &event, nil
}

// decideRequest assembles the selector's view of the open event.
func (o *Orchestrator) decideRequest(failure string) selector.DecideRequest {
	return selector.DecideRequest{
		Brief:             o.brief.Render(),
		FullText:          o.loom.CurrentText(),
		RecentContext:     o.recentContext(),
		Candidates:        o.candidateSummaries(o.open),
		ValidationFailure: failure,
		Toolbox:           &toolbox{o: o},
	}
}

func (o *Orchestrator) candidateSummaries(event *loom.DecisionEvent) []selector.CandidateSummary {
	out := make([]selector.CandidateSummary, 0, len(event.CandidateNodeIDs))
	for _, id := range event.CandidateNodeIDs {
		node, err := o.loom.Node(id)
		if err != nil {
			continue
		}
		out = append(out, selector.CandidateSummary{ID: node.ID, Text: node.Text, Logprob: node.StepLogprob})
	}
	return out
}

// recentContext renders the last few resolutions for the selector prompt.
func (o *Orchestrator) recentContext() string {
	n := o.cfg.RecentDecisions
	if n <= 0 {
		n = 5
	}
	var lines []string
	for _, ev := range o.loom.LastNDecisions(n) {
		if o.open != nil && ev.ID == o.open.ID {
			continue
		}
		switch ev.Action {
		case loom.ActionChoose:
			lines = append(lines, fmt.Sprintf("chose %s: %s", ev.ChosenNodeID, ev.Reason))
		case loom.ActionClarify:
			line := "asked: " + ev.ClarificationQuestion
			if ev.HumanResponse != "" {
				line += "; answered: " + ev.HumanResponse
			}
			lines = append(lines, line)
		case loom.ActionStop:
			lines = append(lines, "stopped: "+ev.Reason)
		}
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) result(reason string) *Result {
	return &Result{
		SessionID:  o.loom.SessionID,
		Steps:      o.steps,
		TokensUsed: o.tokensUsed,
		Reason:     reason,
		FinalText:  o.loom.CurrentText(),
	}
}

// lastStopReason recovers the reason from the stop event that ended the
// session.
func (o *Orchestrator) lastStopReason() string {
	for _, ev := range o.loom.LastNDecisions(1) {
		if ev.Action == loom.ActionStop {
			return ev.Reason
		}
	}
	return "stopped"
}
