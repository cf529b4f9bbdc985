package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loom-cli/internal/brief"
	"github.com/sells-group/loom-cli/internal/generator"
	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
	"github.com/sells-group/loom-cli/internal/selector"
	"github.com/sells-group/loom-cli/internal/store"
)

const seed = "The attention was a hand, and it was holding—"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BranchingFactor = 3
	cfg.MaxSelectorRetries = 2
	return cfg
}

func testManifest(t *testing.T) *manifest.Logger {
	t.Helper()
	l, err := manifest.Open(filepath.Join(t.TempDir(), "session.ndjson"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// scriptedSelector replays a fixed sequence of behaviors, one per Decide
// call. A behavior may inspect the request and drive the toolbox.
type scriptedSelector struct {
	behaviors []func(ctx context.Context, req selector.DecideRequest) (*selector.Decision, error)
	calls     int
	requests  []selector.DecideRequest
}

func (s *scriptedSelector) Decide(ctx context.Context, req selector.DecideRequest) (*selector.Decision, error) {
	s.requests = append(s.requests, req)
	if s.calls >= len(s.behaviors) {
		return nil, errors.New("scripted selector exhausted")
	}
	b := s.behaviors[s.calls]
	s.calls++
	return b(ctx, req)
}

func chooseFirst(reason string) func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
	return func(_ context.Context, req selector.DecideRequest) (*selector.Decision, error) {
		return &selector.Decision{
			Action:      selector.ActionChoose,
			CandidateID: req.Candidates[0].ID,
			Reason:      reason,
		}, nil
	}
}

func stopWith(reason string) func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
	return func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
		return &selector.Decision{Action: selector.ActionStop, Reason: reason}, nil
	}
}

func TestRunSession_ChooseThenStop(t *testing.T) {
	t.Parallel()

	l := loom.New(seed, "a cold short story", nil)
	gen := &generator.Fake{Prefix: " and then_", StepLogprobs: []float64{-2.1, -1.5, -3.0}}
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		chooseFirst("keeps the register"),
		stopWith("the piece is done"),
	}}
	log := testManifest(t)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.CreateSession(context.Background(), l, "scripted"))

	o := New(l, gen, sel, &brief.Brief{Title: "Holding"}, testConfig(), log, WithStore(st))
	res, err := o.RunSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "the piece is done", res.Reason)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, testConfig().SegmentTokens, res.TokensUsed)
	assert.Len(t, l.CurrentPath, 2)
	assert.True(t, l.Stopped)

	records, err := manifest.Read(log.Path())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "choose", records[0].Action)
	require.NotNil(t, records[0].LogprobGap)
	assert.Equal(t, "stop", records[1].Action)

	// The snapshot persisted after the final step reflects the stop.
	restored, err := st.GetSnapshot(context.Background(), l.SessionID)
	require.NoError(t, err)
	assert.True(t, restored.Stopped)
	assert.Equal(t, l.CurrentText(), restored.CurrentText())
}

func TestRunSession_BudgetExhausted(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxTotalTokens = 2 * cfg.SegmentTokens

	l := loom.New(seed, "", nil)
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		chooseFirst("one"), chooseFirst("two"), chooseFirst("never reached"),
	}}

	o := New(l, generator.NewFake(), sel, nil, cfg, testManifest(t))
	res, err := o.RunSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonBudgetExhausted, res.Reason)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 2, sel.calls)
	assert.False(t, l.Stopped)
	assert.Len(t, l.CurrentPath, 3)
}

func TestRunSession_MaxSteps(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSteps = 1
	cfg.MaxTotalTokens = 0

	l := loom.New(seed, "", nil)
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		chooseFirst("only step"),
	}}

	res, err := New(l, generator.NewFake(), sel, nil, cfg, testManifest(t)).RunSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonBudgetExhausted, res.Reason)
	assert.Equal(t, 1, res.Steps)
}

func TestStep_ValidationFailureBouncesBack(t *testing.T) {
	t.Parallel()

	l := loom.New(seed, "", nil)
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
			return &selector.Decision{Action: selector.ActionChoose, CandidateID: "no-such-node", Reason: "r"}, nil
		},
		chooseFirst("corrected"),
	}}

	o := New(l, generator.NewFake(), sel, nil, testConfig(), testManifest(t))
	event, err := o.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, loom.ActionChoose, event.Action)
	assert.Equal(t, "corrected", event.Reason)
	require.Len(t, sel.requests, 2)
	assert.Empty(t, sel.requests[0].ValidationFailure)
	assert.Contains(t, sel.requests[1].ValidationFailure, "no-such-node")
}

func TestStep_SelectorRetriesExhausted(t *testing.T) {
	t.Parallel()

	bad := func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
		return &selector.Decision{Action: selector.ActionChoose, CandidateID: "bogus", Reason: "r"}, nil
	}
	cfg := testConfig()
	cfg.MaxSelectorRetries = 1

	l := loom.New(seed, "", nil)
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){bad, bad, bad}}

	event, err := New(l, generator.NewFake(), sel, nil, cfg, testManifest(t)).Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, loom.ActionStop, event.Action)
	assert.Equal(t, ReasonSelectorExhausted, event.Reason)
	assert.True(t, l.Stopped)
	assert.Len(t, l.CurrentPath, 1)
}

func TestStep_GeneratorFailureLeavesLoomIntact(t *testing.T) {
	t.Parallel()

	l := loom.New(seed, "", nil)
	gen := &generator.Fake{Prefix: "c", Err: errors.New("backend down")}
	o := New(l, gen, &scriptedSelector{}, nil, testConfig(), testManifest(t))

	_, err := o.Step(context.Background())
	require.Error(t, err)
	var se *generator.ServiceError
	assert.ErrorAs(t, err, &se)

	assert.Empty(t, l.Events)
	assert.Len(t, l.Nodes, 1)
	assert.False(t, l.Stopped)
}

func TestStep_CancellationAbortsOpenEvent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	l := loom.New(seed, "", nil)
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		func(ctx context.Context, _ selector.DecideRequest) (*selector.Decision, error) {
			cancel()
			return nil, ctx.Err()
		},
	}}
	log := testManifest(t)

	_, err := New(l, generator.NewFake(), sel, nil, testConfig(), log).Step(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The open event was marked aborted, not deleted; its candidates stay.
	require.Len(t, l.Events, 1)
	for _, ev := range l.Events {
		assert.Equal(t, loom.ActionAborted, ev.Action)
	}
	assert.Len(t, l.CurrentPath, 1)
	assert.Empty(t, l.FindDivergences(0))

	records, err := manifest.Read(log.Path())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "aborted", records[0].Action)
}

func TestStep_ClarifyThenChoose(t *testing.T) {
	t.Parallel()

	l := loom.New(seed, "", nil)
	prompter := &fakePrompter{answer: "he knows, but won't say"}
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		func(_ context.Context, req selector.DecideRequest) (*selector.Decision, error) {
			return &selector.Decision{
				Action:     selector.ActionClarify,
				Question:   "does he know?",
				TensionIDs: []string{req.Candidates[0].ID, req.Candidates[1].ID},
				HingesOn:   "where the reveal lands",
			}, nil
		},
		func(_ context.Context, req selector.DecideRequest) (*selector.Decision, error) {
			// The answered exchange is in the selection context.
			if req.RecentContext == "" {
				return nil, errors.New("expected clarify exchange in context")
			}
			return &selector.Decision{Action: selector.ActionChoose, CandidateID: req.Candidates[0].ID, Reason: "per the author"}, nil
		},
	}}
	log := testManifest(t)

	o := New(l, generator.NewFake(), sel, nil, testConfig(), log, WithHumanPrompter(selector.NewHuman(prompter)))
	event, err := o.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, loom.ActionChoose, event.Action)
	require.NotEmpty(t, event.ResolvesClarification)

	clarify, err := l.Event(event.ResolvesClarification)
	require.NoError(t, err)
	assert.Equal(t, loom.ActionClarify, clarify.Action)
	assert.Equal(t, "does he know?", clarify.ClarificationQuestion)
	assert.Equal(t, "he knows, but won't say", clarify.HumanResponse)
	assert.ElementsMatch(t, clarify.CandidateNodeIDs, event.CandidateNodeIDs)

	assert.Len(t, l.CurrentPath, 2)

	// The replayed history carries the whole exchange: the clarify record is
	// written once the answer is on the event.
	records, err := manifest.Read(log.Path())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "clarify", records[0].Action)
	assert.Equal(t, "does he know?", records[0].Question)
	assert.Equal(t, "he knows, but won't say", records[0].HumanResponse)
	assert.Equal(t, "choose", records[1].Action)
	assert.Equal(t, records[0].DecisionID, records[1].ResolvesClarification)
}

func TestStep_ClarifyExchangesDoNotConsumeRetryBudget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSelectorRetries = 0

	clarify := func(question string) func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
		return func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
			return &selector.Decision{Action: selector.ActionClarify, Question: question}, nil
		}
	}

	l := loom.New(seed, "", nil)
	prompter := &fakePrompter{answer: "colder"}
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		clarify("warmer or colder?"),
		clarify("how much colder?"),
		func(_ context.Context, req selector.DecideRequest) (*selector.Decision, error) {
			return &selector.Decision{Action: selector.ActionChoose, CandidateID: req.Candidates[0].ID, Reason: "as answered"}, nil
		},
	}}

	o := New(l, generator.NewFake(), sel, nil, cfg, testManifest(t), WithHumanPrompter(selector.NewHuman(prompter)))
	event, err := o.Step(context.Background())
	require.NoError(t, err)

	// Two answered clarifications in a row resolve normally; only malformed
	// decisions count against the retry bound.
	assert.Equal(t, loom.ActionChoose, event.Action)
	assert.Len(t, prompter.asked, 2)
	assert.Len(t, l.FindClarifications(), 2)
}

func TestStep_ClarifyWithoutHumanForcesStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSelectorRetries = 0

	l := loom.New(seed, "", nil)
	sel := &scriptedSelector{behaviors: []func(context.Context, selector.DecideRequest) (*selector.Decision, error){
		func(context.Context, selector.DecideRequest) (*selector.Decision, error) {
			return &selector.Decision{Action: selector.ActionClarify, Question: "anyone there?"}, nil
		},
	}}

	event, err := New(l, generator.NewFake(), sel, nil, cfg, testManifest(t)).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, loom.ActionStop, event.Action)
	assert.Equal(t, ReasonSelectorExhausted, event.Reason)
}

type fakePrompter struct {
	answer string
	asked  []string
}

func (p *fakePrompter) Decide(ctx context.Context, req selector.DecideRequest) (*selector.Decision, error) {
	return nil, errors.New("not used")
}

func (p *fakePrompter) Ask(ctx context.Context, question string) (string, error) {
	p.asked = append(p.asked, question)
	return p.answer, nil
}
