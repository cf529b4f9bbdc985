package generator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/loom-cli/internal/resilience"
	"github.com/sells-group/loom-cli/pkg/anthropic"
)

// cliSimSystemPrompt puts the model in CLI simulation mode so the response is
// continuation text only, no framing.
const cliSimSystemPrompt = "You are in CLI simulation mode. " +
	"Respond only with the output of the requested command."

// ClaudeGenerator produces candidates via Claude in CLI-simulation mode. The
// backend exposes no log-probabilities, so token ids stay empty and logprob
// fields absent. The n samples for a step are requested concurrently; if any
// request definitively fails the whole round fails, so partial results are
// never committed.
type ClaudeGenerator struct {
	client      anthropic.Client
	model       string
	temperature float64
	topP        float64
	limiter     *rate.Limiter
	retry       resilience.RetryConfig
}

// ClaudeOption configures a ClaudeGenerator.
type ClaudeOption func(*ClaudeGenerator)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ClaudeOption {
	return func(g *ClaudeGenerator) { g.temperature = t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) ClaudeOption {
	return func(g *ClaudeGenerator) { g.topP = p }
}

// WithRateLimit caps requests per second across the concurrent sample calls.
func WithRateLimit(rps float64, burst int) ClaudeOption {
	return func(g *ClaudeGenerator) { g.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry overrides the per-request retry policy.
func WithRetry(cfg resilience.RetryConfig) ClaudeOption {
	return func(g *ClaudeGenerator) { g.retry = cfg }
}

// NewClaude creates a generator backed by the given Anthropic client.
func NewClaude(client anthropic.Client, model string, opts ...ClaudeOption) *ClaudeGenerator {
	g := &ClaudeGenerator{
		client:      client,
		model:       model,
		temperature: 1.0,
		topP:        1.0,
		limiter:     rate.NewLimiter(rate.Limit(5), 10),
		retry:       resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateCandidates requests req.N independent short continuations.
func (g *ClaudeGenerator) GenerateCandidates(ctx context.Context, req Request) ([]Candidate, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	prompt := BuildBasePrompt(req)
	msgReq := anthropic.MessageRequest{
		Model:       g.model,
		MaxTokens:   int64(req.MaxTokens),
		System:      []anthropic.SystemBlock{{Text: cliSimSystemPrompt}},
		Temperature: &g.temperature,
		TopP:        &g.topP,
		Messages: []anthropic.Message{
			{Role: "user", Content: "<cmd>cat draft.txt</cmd>\n\n" + prompt},
		},
	}

	candidates := make([]Candidate, req.N)
	var mu sync.Mutex
	var usage anthropic.TokenUsage

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < req.N; i++ {
		eg.Go(func() error {
			if err := g.limiter.Wait(egCtx); err != nil {
				return err
			}
			resp, err := resilience.DoVal(egCtx, g.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return g.client.CreateMessage(ctx, msgReq)
			})
			if err != nil {
				return err
			}
			mu.Lock()
			usage.Add(resp.Usage)
			mu.Unlock()
			candidates[i] = Candidate{Text: resp.Text()}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, &ServiceError{Err: err}
	}

	usage.LogCost(g.model, "generate_candidates")
	return candidates, nil
}
