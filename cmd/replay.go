package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/loom-cli/internal/manifest"
)

var (
	replayManifestDir string
	replayFromStore   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Replay a session's decision history",
	Long:  "Prints the resolved decision records of a session in order, from its manifest file or from the store.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sessionID := args[0]

		var records []manifest.Record
		var err error
		if replayFromStore {
			st, serr := initStore(ctx)
			if serr != nil {
				return serr
			}
			defer st.Close() //nolint:errcheck
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			records, err = st.ListDecisions(ctx, sessionID)
		} else {
			records, err = manifest.Read(filepath.Join(replayManifestDir, sessionID+".ndjson"))
		}
		if err != nil {
			return eris.Wrap(err, "read decision records")
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No decision records found.")
			return nil
		}

		formatReplay(cmd.OutOrStdout(), records)
		return nil
	},
}

func formatReplay(w io.Writer, records []manifest.Record) {
	for i, r := range records {
		fmt.Fprintf(w, "%3d. [%s] %s", i+1, r.Timestamp, r.Action)
		switch r.Action {
		case "choose":
			fmt.Fprintf(w, " node=%s by=%s", r.ChosenNodeID, r.ChosenBy)
			if r.Reason != "" {
				fmt.Fprintf(w, " reason=%q", r.Reason)
			}
			if r.LogprobGap != nil {
				fmt.Fprintf(w, " gap=%.3f", *r.LogprobGap)
			}
		case "clarify":
			fmt.Fprintf(w, " question=%q", r.Question)
			if r.HumanResponse != "" {
				fmt.Fprintf(w, " answer=%q", r.HumanResponse)
			}
		case "stop", "aborted":
			if r.Reason != "" {
				fmt.Fprintf(w, " reason=%q", r.Reason)
			}
		}
		if r.ResolvesClarification != "" {
			fmt.Fprintf(w, " resolves=%s", r.ResolvesClarification)
		}
		fmt.Fprintf(w, " (%d candidates)\n", len(r.CandidateNodeIDs))
	}
}

func init() {
	replayCmd.Flags().StringVar(&replayManifestDir, "manifest-dir", "manifests", "directory containing session manifests")
	replayCmd.Flags().BoolVar(&replayFromStore, "from-store", false, "read decision records from the store instead of the manifest file")
	rootCmd.AddCommand(replayCmd)
}
