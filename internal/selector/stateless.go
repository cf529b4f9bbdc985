package selector

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loom-cli/pkg/anthropic"
)

const statelessInstructions = `
Respond with a single JSON object and nothing else. One of:
  {"action":"choose","candidate_id":"<id>","reason":"<why>","ranking":["<id>",...],"scores":{"<id>":{"<metric>":0.0}}}
  {"action":"clarify","question":"<question for the author>","candidates_in_tension":["<id>",...],"what_hinges_on_it":"<what the answer determines>"}
  {"action":"stop","reason":"<why the piece is done>"}
ranking and scores are optional; reason is required for choose and stop.`

// Stateless makes exactly one request to the decision service per step and
// parses the three-shape schema. Schema violations surface as validation
// failures for the orchestrator to bounce back.
type Stateless struct {
	client anthropic.Client
	model  string
}

// NewStateless creates the single-shot model policy.
func NewStateless(client anthropic.Client, model string) *Stateless {
	return &Stateless{client: client, model: model}
}

// Decide implements Selector.
func (s *Stateless) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: 1024,
		System:    anthropic.BuildCachedSystemBlocks(systemPrompt(req.Brief) + statelessInstructions),
		Messages: []anthropic.Message{
			{Role: "user", Content: renderStep(req)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "stateless selector")
	}
	resp.Usage.LogCost(s.model, "select")

	return ParseDecision(resp.Text())
}
