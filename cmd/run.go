package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loom-cli/internal/brief"
	"github.com/sells-group/loom-cli/internal/generator"
	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
	"github.com/sells-group/loom-cli/internal/orchestrator"
	"github.com/sells-group/loom-cli/internal/selector"
	"github.com/sells-group/loom-cli/internal/store"
	anthropicpkg "github.com/sells-group/loom-cli/pkg/anthropic"
)

var (
	runSeed        string
	runSeedFile    string
	runBriefPath   string
	runResumeID    string
	runSelector    string
	runManifestDir string
	runMaxSteps    int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a branching generation session",
	Long:  "Starts (or resumes) a session: generates candidate continuations each step and hands the decision to the configured selector policy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		b := &brief.Brief{}
		if runBriefPath != "" {
			b, err = brief.Load(runBriefPath)
			if err != nil {
				return eris.Wrap(err, "load brief")
			}
		}

		selectorMode := cfg.Selector.Mode
		if runSelector != "" {
			selectorMode = runSelector
		}

		sessionCfg := cfg.Session
		if runMaxSteps > 0 {
			sessionCfg.MaxSteps = runMaxSteps
		}

		l, created, err := openSession(ctx, st, b, sessionCfg)
		if err != nil {
			return err
		}
		if created {
			if err := st.CreateSession(ctx, l, selectorMode); err != nil {
				return eris.Wrap(err, "create session")
			}
		}

		log, err := manifest.Open(filepath.Join(runManifestDir, l.SessionID+".ndjson"))
		if err != nil {
			return eris.Wrap(err, "open manifest")
		}
		defer log.Close()

		gen, err := initGenerator()
		if err != nil {
			return err
		}

		human := selector.NewHuman(newConsolePrompter(cmd.InOrStdin(), cmd.OutOrStdout()))

		sel, opts, err := initSelector(selectorMode, human)
		if err != nil {
			return err
		}
		opts = append(opts,
			orchestrator.WithStore(st),
			orchestrator.WithHumanPrompter(human),
		)

		orc := orchestrator.New(l, gen, sel, b, sessionCfg, log, opts...)

		zap.L().Info("session starting",
			zap.String("session_id", l.SessionID),
			zap.String("selector", selectorMode),
			zap.Int("branching_factor", sessionCfg.BranchingFactor),
		)

		result, err := orc.RunSession(ctx)
		if err != nil {
			return eris.Wrap(err, "run session")
		}

		// Project the manifest into the store so the read API and
		// --from-store replay see this run's decisions.
		records, err := manifest.Read(log.Path())
		if err != nil {
			return eris.Wrap(err, "read manifest")
		}
		if err := st.SaveDecisions(ctx, records); err != nil {
			return eris.Wrap(err, "save decision records")
		}

		zap.L().Info("session finished",
			zap.String("session_id", result.SessionID),
			zap.Int("steps", result.Steps),
			zap.Int("tokens_used", result.TokensUsed),
			zap.String("reason", result.Reason),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// openSession returns the loom to drive: a fresh one seeded from flags, or
// the stored snapshot when resuming. The bool reports whether the session is
// new and needs a store row.
func openSession(ctx context.Context, st store.Store, b *brief.Brief, sessionCfg orchestrator.Config) (*loom.Loom, bool, error) {
	if runResumeID != "" {
		l, err := st.GetSnapshot(ctx, runResumeID)
		if err != nil {
			return nil, false, eris.Wrap(err, "resume session")
		}
		return l, false, nil
	}

	seed := runSeed
	if runSeedFile != "" {
		data, err := os.ReadFile(runSeedFile)
		if err != nil {
			return nil, false, eris.Wrap(err, "read seed file")
		}
		seed = string(data)
	}
	if strings.TrimSpace(seed) == "" {
		return nil, false, eris.New("one of --seed, --seed-file, or --resume is required")
	}

	l := loom.New(seed, b.Summary(), map[string]any{
		"branching_factor": sessionCfg.BranchingFactor,
		"segment_tokens":   sessionCfg.SegmentTokens,
		"max_total_tokens": sessionCfg.MaxTotalTokens,
	})
	return l, true, nil
}

func init() {
	runCmd.Flags().StringVar(&runSeed, "seed", "", "seed text to continue from")
	runCmd.Flags().StringVar(&runSeedFile, "seed-file", "", "file containing the seed text")
	runCmd.Flags().StringVar(&runBriefPath, "brief", "", "path to a brief file (yaml/toml/plain text)")
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "resume a stored session by id")
	runCmd.Flags().StringVar(&runSelector, "selector", "", "selector policy: human, stateless, or agentic (default from config)")
	runCmd.Flags().StringVar(&runManifestDir, "manifest-dir", "manifests", "directory for session manifests")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "cap the number of steps this invocation")
	rootCmd.AddCommand(runCmd)
}

// initGenerator builds the generation backend from config.
func initGenerator() (generator.Generator, error) {
	switch cfg.Engine.Type {
	case "claude_cli_sim":
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		return generator.NewClaude(client, cfg.Engine.Model,
			generator.WithTemperature(cfg.Engine.Temperature),
			generator.WithTopP(cfg.Engine.TopP),
			generator.WithRateLimit(cfg.Engine.RateLimit, cfg.Engine.RateBurst),
		), nil
	case "fake":
		return generator.NewFake(), nil
	default:
		return nil, eris.Errorf("unsupported engine type: %s", cfg.Engine.Type)
	}
}

// initSelector builds the decision policy plus any orchestrator options it
// implies.
func initSelector(mode string, human *selector.Human) (selector.Selector, []orchestrator.Option, error) {
	switch mode {
	case "human":
		return human, []orchestrator.Option{orchestrator.WithChosenBy(loom.ChosenByHuman)}, nil
	case "stateless":
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		return selector.NewStateless(client, cfg.Selector.Model), nil, nil
	case "agentic":
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		sel := selector.NewAgentic(client, cfg.Selector.Model,
			selector.WithMaxTurns(cfg.Selector.MaxTurns),
		)
		return sel, nil, nil
	default:
		return nil, nil, eris.Errorf("unsupported selector mode: %s", mode)
	}
}
