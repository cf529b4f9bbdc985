package selector

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/pkg/anthropic"
	"github.com/sells-group/loom-cli/pkg/anthropic/mocks"
)

func f64(v float64) *float64 { return &v }

func testRequest(tb Toolbox) DecideRequest {
	return DecideRequest{
		Brief:    "A cold, spare short story.",
		FullText: "The attention was a hand, and it was holding—",
		Candidates: []CandidateSummary{
			{ID: "n1", Text: " nothing at all.", Logprob: f64(-2.1)},
			{ID: "n2", Text: " the door shut.", Logprob: f64(-1.5)},
		},
		Toolbox: tb,
	}
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		StopReason: "end_turn",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func toolResponse(uses ...anthropic.ContentBlock) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{StopReason: "tool_use", Content: uses}
}

func toolUse(id, name, input string) anthropic.ContentBlock {
	return anthropic.ContentBlock{Type: "tool_use", ID: id, Name: name, Input: json.RawMessage(input)}
}

func TestRenderStep(t *testing.T) {
	t.Parallel()

	t.Run("candidates with logprobs", func(t *testing.T) {
		t.Parallel()
		out := renderStep(testRequest(nil))
		assert.Contains(t, out, "[TEXT SO FAR]")
		assert.Contains(t, out, "1. id=n1 logprob=-2.100")
		assert.Contains(t, out, "2. id=n2 logprob=-1.500")
		assert.NotContains(t, out, "[VALIDATION FAILURE]")
	})

	t.Run("validation failure appended on retry", func(t *testing.T) {
		t.Parallel()
		req := testRequest(nil)
		req.ValidationFailure = `unknown candidate id "n9"`
		out := renderStep(req)
		assert.Contains(t, out, "[VALIDATION FAILURE]")
		assert.Contains(t, out, `unknown candidate id "n9"`)
	})

	t.Run("long text truncated from the front", func(t *testing.T) {
		t.Parallel()
		req := testRequest(nil)
		req.FullText = strings.Repeat("a", trailingContextRunes+500) + "END"
		out := renderStep(req)
		assert.Contains(t, out, "…")
		assert.Contains(t, out, "END")
		assert.NotContains(t, out, strings.Repeat("a", trailingContextRunes+1))
	})
}

// scriptPrompter returns canned answers.
type scriptPrompter struct {
	decision *Decision
	answer   string
	err      error
	asked    []string
}

func (p *scriptPrompter) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	return p.decision, p.err
}

func (p *scriptPrompter) Ask(ctx context.Context, question string) (string, error) {
	p.asked = append(p.asked, question)
	return p.answer, p.err
}

func TestHumanSelector(t *testing.T) {
	t.Parallel()

	t.Run("passes the decision through untouched", func(t *testing.T) {
		t.Parallel()
		p := &scriptPrompter{decision: &Decision{Action: ActionChoose, CandidateID: "n2", Reason: "human pick"}}
		d, err := NewHuman(p).Decide(context.Background(), testRequest(nil))
		require.NoError(t, err)
		assert.Equal(t, "n2", d.CandidateID)
		assert.False(t, d.Applied)
	})

	t.Run("ask returns the literal answer", func(t *testing.T) {
		t.Parallel()
		p := &scriptPrompter{answer: "he knows, but won't say"}
		got, err := NewHuman(p).Ask(context.Background(), "does he know?")
		require.NoError(t, err)
		assert.Equal(t, "he knows, but won't say", got)
		assert.Equal(t, []string{"does he know?"}, p.asked)
	})

	t.Run("wraps prompter errors", func(t *testing.T) {
		t.Parallel()
		p := &scriptPrompter{err: errors.New("stdin closed")}
		_, err := NewHuman(p).Decide(context.Background(), testRequest(nil))
		assert.Error(t, err)
	})
}

func TestStatelessSelector(t *testing.T) {
	t.Parallel()

	t.Run("parses a choose response", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateMessage", mock.Anything, mock.Anything).
			Return(textResponse(`{"action":"choose","candidate_id":"n2","reason":"colder"}`), nil)

		d, err := NewStateless(mc, "claude-sonnet-4-5-20250929").Decide(context.Background(), testRequest(nil))
		require.NoError(t, err)
		assert.Equal(t, ActionChoose, d.Action)
		assert.Equal(t, "n2", d.CandidateID)
		assert.False(t, d.Applied)
		mc.AssertNumberOfCalls(t, "CreateMessage", 1)
	})

	t.Run("schema violation surfaces as validation error", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateMessage", mock.Anything, mock.Anything).
			Return(textResponse(`{"action":"choose"}`), nil)

		_, err := NewStateless(mc, "m").Decide(context.Background(), testRequest(nil))
		assert.True(t, loom.IsValidation(err))
	})

	t.Run("service error propagates", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

		_, err := NewStateless(mc, "m").Decide(context.Background(), testRequest(nil))
		assert.Error(t, err)
	})
}

// scriptToolbox records every tool invocation and returns canned results.
type scriptToolbox struct {
	commitErr    error
	stopReasons  []string
	commits      [][2]string
	generates    []int
	humanAnswers []string
	queries      []string
}

func (s *scriptToolbox) GenerateCandidates(ctx context.Context, n, maxTokens int) ([]CandidateSummary, error) {
	s.generates = append(s.generates, n)
	out := make([]CandidateSummary, n)
	for i := range out {
		out[i] = CandidateSummary{ID: loom.NewID(), Text: "fresh"}
	}
	return out, nil
}

func (s *scriptToolbox) CommitChoice(ctx context.Context, candidateID, reason string, scores map[string]map[string]float64) (string, error) {
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return "", err
	}
	s.commits = append(s.commits, [2]string{candidateID, reason})
	return "new full text", nil
}

func (s *scriptToolbox) RequestHumanInput(ctx context.Context, question string, tensionIDs []string, hingesOn string) (string, error) {
	s.humanAnswers = append(s.humanAnswers, question)
	return "keep it cold", nil
}

func (s *scriptToolbox) StopGeneration(ctx context.Context, reason string) error {
	s.stopReasons = append(s.stopReasons, reason)
	return nil
}

func (s *scriptToolbox) QueryLoom(ctx context.Context, queryType string, params map[string]any) (any, error) {
	s.queries = append(s.queries, queryType)
	return []string{}, nil
}

func TestAgenticSelector(t *testing.T) {
	t.Parallel()

	t.Run("query then commit", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t1", "query_loom", `{"query_type":"last_n_decisions","params":{"n":3}}`)), nil).Once()
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t2", "commit_choice", `{"candidate_id":"n2","reason":"colder register"}`)), nil).Once()

		tb := &scriptToolbox{}
		d, err := NewAgentic(mc, "claude-sonnet-4-5-20250929").Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, ActionChoose, d.Action)
		assert.Equal(t, "n2", d.CandidateID)
		assert.True(t, d.Applied)
		assert.Equal(t, []string{"last_n_decisions"}, tb.queries)
		require.Len(t, tb.commits, 1)
		assert.Equal(t, [2]string{"n2", "colder register"}, tb.commits[0])
		mc.AssertNumberOfCalls(t, "CreateToolMessage", 2)
	})

	t.Run("human input mid-loop", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t1", "request_human_input", `{"question":"does he know?","candidates_in_tension":["n1","n2"]}`)), nil).Once()
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t2", "commit_choice", `{"candidate_id":"n1","reason":"per the author"}`)), nil).Once()

		tb := &scriptToolbox{}
		d, err := NewAgentic(mc, "m").Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, ActionChoose, d.Action)
		assert.Equal(t, []string{"does he know?"}, tb.humanAnswers)
	})

	t.Run("regenerate then stop", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t1", "generate_candidates", `{"n":5,"max_tokens":12}`)), nil).Once()
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t2", "stop_generation", `{"reason":"none of these land"}`)), nil).Once()

		tb := &scriptToolbox{}
		d, err := NewAgentic(mc, "m").Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, ActionStop, d.Action)
		assert.True(t, d.Applied)
		assert.Equal(t, []int{5}, tb.generates)
		assert.Equal(t, []string{"none of these land"}, tb.stopReasons)
	})

	t.Run("no tool call is an implicit stop", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(textResponse("I have nothing further."), nil).Once()

		tb := &scriptToolbox{}
		d, err := NewAgentic(mc, "m").Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, ActionStop, d.Action)
		assert.True(t, d.Applied)
		assert.Equal(t, []string{"I have nothing further."}, tb.stopReasons)
	})

	t.Run("turn budget forces a stop", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t", "query_loom", `{"query_type":"last_n_decisions"}`)), nil)

		tb := &scriptToolbox{}
		d, err := NewAgentic(mc, "m", WithMaxTurns(3)).Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, ActionStop, d.Action)
		assert.Equal(t, TurnBudgetReason, d.Reason)
		assert.Equal(t, []string{TurnBudgetReason}, tb.stopReasons)
		mc.AssertNumberOfCalls(t, "CreateToolMessage", 3)
	})

	t.Run("validation failure bounces back as error result", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t1", "commit_choice", `{"candidate_id":"n9","reason":"oops"}`)), nil).Once()
		mc.On("CreateToolMessage", mock.Anything, mock.MatchedBy(func(req anthropic.ToolMessageRequest) bool {
			last := req.Messages[len(req.Messages)-1]
			return len(last.ToolResults) == 1 && last.ToolResults[0].IsError
		})).Return(toolResponse(toolUse("t2", "commit_choice", `{"candidate_id":"n2","reason":"fixed"}`)), nil).Once()

		tb := &scriptToolbox{commitErr: &loom.UnresolvedReferenceError{Kind: "node", ID: "n9"}}
		d, err := NewAgentic(mc, "m").Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, "n2", d.CandidateID)
		require.Len(t, tb.commits, 1)
	})

	t.Run("repeated violations exhaust the retry budget", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t", "quantum_leap", `{}`)), nil)

		tb := &scriptToolbox{}
		d, err := NewAgentic(mc, "m", WithMaxValidationFailures(2)).Decide(context.Background(), testRequest(tb))
		require.NoError(t, err)
		assert.Equal(t, ActionStop, d.Action)
		assert.Equal(t, ValidationBudgetReason, d.Reason)
	})

	t.Run("requires a toolbox", func(t *testing.T) {
		t.Parallel()
		_, err := NewAgentic(new(mocks.MockClient), "m").Decide(context.Background(), DecideRequest{})
		assert.Error(t, err)
	})

	t.Run("non-recoverable toolbox error aborts", func(t *testing.T) {
		t.Parallel()
		mc := new(mocks.MockClient)
		mc.On("CreateToolMessage", mock.Anything, mock.Anything).
			Return(toolResponse(toolUse("t1", "commit_choice", `{"candidate_id":"n2","reason":"r"}`)), nil).Once()

		tb := &scriptToolbox{commitErr: errors.New("disk full")}
		_, err := NewAgentic(mc, "m").Decide(context.Background(), testRequest(tb))
		assert.Error(t, err)
	})
}
