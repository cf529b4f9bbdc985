package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/loom-cli/internal/loom"
)

var analyzeThreshold float64

var analyzeCmd = &cobra.Command{
	Use:   "analyze <session-id>",
	Short: "Analyze a stored session",
	Long:  "Reports the divergences (choices against the likelihood signal) and clarification exchanges of a session.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		l, err := st.GetSnapshot(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "load session")
		}

		report := analyzeSession(l, analyzeThreshold)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// sessionReport is the analyze output shape.
type sessionReport struct {
	SessionID      string              `json:"session_id"`
	Steps          int                 `json:"steps"`
	Stopped        bool                `json:"stopped"`
	CurrentText    string              `json:"current_text"`
	Divergences    []divergenceEntry   `json:"divergences"`
	Clarifications []clarificationView `json:"clarifications"`
}

type divergenceEntry struct {
	DecisionID   string   `json:"decision_id"`
	ChosenNodeID string   `json:"chosen_node_id"`
	Reason       string   `json:"reason,omitempty"`
	LogprobGap   *float64 `json:"logprob_gap"`
}

type clarificationView struct {
	DecisionID string `json:"decision_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer,omitempty"`
}

func analyzeSession(l *loom.Loom, threshold float64) sessionReport {
	report := sessionReport{
		SessionID:   l.SessionID,
		Steps:       len(l.CurrentPath) - 1,
		Stopped:     l.Stopped,
		CurrentText: l.CurrentText(),
	}

	for _, e := range l.FindDivergences(threshold) {
		report.Divergences = append(report.Divergences, divergenceEntry{
			DecisionID:   e.ID,
			ChosenNodeID: e.ChosenNodeID,
			Reason:       e.Reason,
			LogprobGap:   e.LogprobGap,
		})
	}

	for _, e := range l.FindClarifications() {
		report.Clarifications = append(report.Clarifications, clarificationView{
			DecisionID: e.ID,
			Question:   e.ClarificationQuestion,
			Answer:     e.HumanResponse,
		})
	}

	return report
}

func init() {
	analyzeCmd.Flags().Float64Var(&analyzeThreshold, "threshold", -1.0, "logprob gap below which a choice counts as a divergence")
	rootCmd.AddCommand(analyzeCmd)
}
