package selector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/pkg/anthropic"
)

const (
	defaultMaxTurns              = 8
	defaultMaxValidationFailures = 3

	// TurnBudgetReason is recorded when the tool loop hits its turn cap.
	TurnBudgetReason = "turn-budget-exhausted"

	// ValidationBudgetReason is recorded when the policy keeps sending
	// malformed tool input.
	ValidationBudgetReason = "selector-retries-exhausted"
)

const agenticInstructions = "\nUse the tools to investigate and act. " +
	"Resolve the step by calling commit_choice or stop_generation; " +
	"call request_human_input when the candidates pull in directions only the author can arbitrate. " +
	"Ending a turn without any tool call stops the session."

// Agentic runs a bounded multi-turn tool loop against a tool-calling model.
// Every tool maps 1:1 to an orchestrator-side operation through the Toolbox.
// The loop ends when a turn carries no tool calls, when commit_choice or
// stop_generation runs, or at the turn cap, which forces a stop.
type Agentic struct {
	client                anthropic.Client
	model                 string
	maxTurns              int
	maxValidationFailures int
}

// AgenticOption configures the agentic policy.
type AgenticOption func(*Agentic)

// WithMaxTurns caps the number of service turns per decision point.
func WithMaxTurns(n int) AgenticOption {
	return func(a *Agentic) { a.maxTurns = n }
}

// WithMaxValidationFailures caps malformed tool calls before a forced stop.
func WithMaxValidationFailures(n int) AgenticOption {
	return func(a *Agentic) { a.maxValidationFailures = n }
}

// NewAgentic creates the tool-using policy.
func NewAgentic(client anthropic.Client, model string, opts ...AgenticOption) *Agentic {
	a := &Agentic{
		client:                client,
		model:                 model,
		maxTurns:              defaultMaxTurns,
		maxValidationFailures: defaultMaxValidationFailures,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Decide implements Selector.
func (a *Agentic) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	if req.Toolbox == nil {
		return nil, eris.New("agentic selector: no toolbox")
	}
	log := zap.L().With(zap.String("selector", "agentic"))

	msgs := []anthropic.Message{
		{Role: "user", Content: renderStep(req)},
	}
	system := anthropic.BuildCachedSystemBlocks(systemPrompt(req.Brief) + agenticInstructions)

	validationFailures := 0
	for turn := 0; turn < a.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := a.client.CreateToolMessage(ctx, anthropic.ToolMessageRequest{
			MessageRequest: anthropic.MessageRequest{
				Model:     a.model,
				MaxTokens: 2048,
				System:    system,
				Messages:  msgs,
			},
			Tools: agentTools(),
		})
		if err != nil {
			return nil, eris.Wrap(err, "agentic selector")
		}
		resp.Usage.LogCost(a.model, "select_agentic")

		uses := resp.ToolUses()
		if len(uses) == 0 {
			// Implicit stop: the service ended its turn without acting.
			reason := resp.Text()
			if reason == "" {
				reason = "selector ended turn without action"
			}
			return a.forceStop(ctx, req.Toolbox, reason)
		}

		msgs = append(msgs, resp.AsAssistantMessage())

		var results []anthropic.ToolResult
		for _, use := range uses {
			result, decision, err := a.execTool(ctx, req.Toolbox, use)
			if err != nil {
				return nil, err
			}
			if decision != nil {
				return decision, nil
			}
			if result.IsError {
				validationFailures++
				log.Warn("tool call rejected",
					zap.String("tool", use.Name),
					zap.Int("validation_failures", validationFailures),
				)
				if validationFailures >= a.maxValidationFailures {
					return a.forceStop(ctx, req.Toolbox, ValidationBudgetReason)
				}
			}
			results = append(results, result)
		}
		msgs = append(msgs, anthropic.Message{Role: "user", ToolResults: results})
	}

	log.Warn("turn budget exhausted", zap.Int("max_turns", a.maxTurns))
	return a.forceStop(ctx, req.Toolbox, TurnBudgetReason)
}

// forceStop commits a stop through the toolbox and reports it as applied.
func (a *Agentic) forceStop(ctx context.Context, tb Toolbox, reason string) (*Decision, error) {
	if err := tb.StopGeneration(ctx, reason); err != nil {
		return nil, eris.Wrap(err, "agentic selector: forced stop")
	}
	return &Decision{Action: ActionStop, Reason: reason, Applied: true}, nil
}

// execTool dispatches one tool call. A recoverable problem (unknown tool,
// malformed input, validation failure from the loom) comes back as an error
// tool result so the policy can correct itself; a non-nil Decision ends the
// loop.
func (a *Agentic) execTool(ctx context.Context, tb Toolbox, use anthropic.ToolUse) (anthropic.ToolResult, *Decision, error) {
	ok := func(payload any) (anthropic.ToolResult, *Decision, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return anthropic.ToolResult{}, nil, eris.Wrap(err, "agentic selector: marshal tool result")
		}
		return anthropic.ToolResult{ToolUseID: use.ID, Content: string(data)}, nil, nil
	}
	fail := func(detail string) (anthropic.ToolResult, *Decision, error) {
		return anthropic.ToolResult{
			ToolUseID: use.ID,
			Content:   fmt.Sprintf(`{"error":%q}`, detail),
			IsError:   true,
		}, nil, nil
	}
	recoverable := func(err error) bool {
		return loom.IsValidation(err) || loom.IsUnresolvedReference(err) || loom.IsInvariantViolation(err)
	}

	switch use.Name {
	case "generate_candidates":
		var in struct {
			N         int `json:"n"`
			MaxTokens int `json:"max_tokens"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return fail("malformed generate_candidates input: " + err.Error())
		}
		cands, err := tb.GenerateCandidates(ctx, in.N, in.MaxTokens)
		if err != nil {
			if recoverable(err) {
				return fail(err.Error())
			}
			return anthropic.ToolResult{}, nil, err
		}
		return ok(map[string]any{"candidates": cands})

	case "commit_choice":
		var in struct {
			CandidateID string                        `json:"candidate_id"`
			Reason      string                        `json:"reason"`
			Scores      map[string]map[string]float64 `json:"scores"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return fail("malformed commit_choice input: " + err.Error())
		}
		if _, err := tb.CommitChoice(ctx, in.CandidateID, in.Reason, in.Scores); err != nil {
			if recoverable(err) {
				return fail(err.Error())
			}
			return anthropic.ToolResult{}, nil, err
		}
		return anthropic.ToolResult{}, &Decision{
			Action:      ActionChoose,
			CandidateID: in.CandidateID,
			Reason:      in.Reason,
			Scores:      in.Scores,
			Applied:     true,
		}, nil

	case "request_human_input":
		var in struct {
			Question            string   `json:"question"`
			CandidatesInTension []string `json:"candidates_in_tension"`
			WhatHingesOnIt      string   `json:"what_hinges_on_it"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return fail("malformed request_human_input input: " + err.Error())
		}
		answer, err := tb.RequestHumanInput(ctx, in.Question, in.CandidatesInTension, in.WhatHingesOnIt)
		if err != nil {
			if recoverable(err) {
				return fail(err.Error())
			}
			return anthropic.ToolResult{}, nil, err
		}
		return ok(map[string]string{"human_response": answer})

	case "stop_generation":
		var in struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return fail("malformed stop_generation input: " + err.Error())
		}
		if in.Reason == "" {
			return fail("a non-empty reason is required for stop_generation")
		}
		if err := tb.StopGeneration(ctx, in.Reason); err != nil {
			if recoverable(err) {
				return fail(err.Error())
			}
			return anthropic.ToolResult{}, nil, err
		}
		return anthropic.ToolResult{}, &Decision{Action: ActionStop, Reason: in.Reason, Applied: true}, nil

	case "query_loom":
		var in struct {
			QueryType string         `json:"query_type"`
			Params    map[string]any `json:"params"`
		}
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return fail("malformed query_loom input: " + err.Error())
		}
		result, err := tb.QueryLoom(ctx, in.QueryType, in.Params)
		if err != nil {
			if recoverable(err) {
				return fail(err.Error())
			}
			return anthropic.ToolResult{}, nil, err
		}
		return ok(map[string]any{"result": result})

	default:
		return fail(fmt.Sprintf("unknown tool %q", use.Name))
	}
}

// agentTools declares the fixed tool contract shared with the orchestrator.
func agentTools() []anthropic.Tool {
	str := map[string]any{"type": "string"}
	return []anthropic.Tool{
		{
			Name:        "generate_candidates",
			Description: "Generate a fresh round of candidate continuations at the current tip, replacing the ones on offer.",
			Properties: map[string]any{
				"n":          map[string]any{"type": "integer", "minimum": 1},
				"max_tokens": map[string]any{"type": "integer", "minimum": 1},
			},
			Required: []string{"n", "max_tokens"},
		},
		{
			Name:        "commit_choice",
			Description: "Commit one candidate as the continuation, ending this decision point.",
			Properties: map[string]any{
				"candidate_id": str,
				"reason":       str,
				"scores": map[string]any{
					"type":        "object",
					"description": "optional per-candidate metric scores, keyed by candidate id",
				},
			},
			Required: []string{"candidate_id", "reason"},
		},
		{
			Name:        "request_human_input",
			Description: "Ask the author a clarification question and wait for their answer.",
			Properties: map[string]any{
				"question":              str,
				"candidates_in_tension": map[string]any{"type": "array", "items": str},
				"what_hinges_on_it":     str,
			},
			Required: []string{"question"},
		},
		{
			Name:        "stop_generation",
			Description: "Stop the session: the piece is done or cannot usefully continue.",
			Properties:  map[string]any{"reason": str},
			Required:    []string{"reason"},
		},
		{
			Name:        "query_loom",
			Description: "Read-only analytics over the session: last_n_decisions, rejected_at, find_divergences, find_clarifications.",
			Properties: map[string]any{
				"query_type": map[string]any{
					"type": "string",
					"enum": []string{"last_n_decisions", "rejected_at", "find_divergences", "find_clarifications"},
				},
				"params": map[string]any{"type": "object"},
			},
			Required: []string{"query_type"},
		},
	}
}
