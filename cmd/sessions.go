package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/loom-cli/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		selectorMode, _ := cmd.Flags().GetString("selector")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.SessionFilter{
			Selector: selectorMode,
			Limit:    limit,
		}
		if cmd.Flags().Changed("stopped") {
			stopped, _ := cmd.Flags().GetBool("stopped")
			filter.Stopped = &stopped
		}

		sessions, err := st.ListSessions(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list sessions")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(cmd.OutOrStdout(), sessions)
		return nil
	},
}

func formatSessionsList(w io.Writer, sessions []store.SessionMeta) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSELECTOR\tSTEPS\tSTOPPED\tUPDATED\tBRIEF")
	for _, s := range sessions {
		brief := s.Brief
		if len(brief) > 40 {
			brief = brief[:37] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\t%s\n",
			s.ID, s.Selector, s.Steps, s.Stopped,
			s.UpdatedAt.Format(time.RFC3339), brief,
		)
	}
	tw.Flush()
}

func init() {
	sessionsCmd.Flags().String("selector", "", "filter by selector policy")
	sessionsCmd.Flags().Bool("stopped", false, "filter by stopped state")
	sessionsCmd.Flags().Int("limit", 50, "maximum sessions to list")
	rootCmd.AddCommand(sessionsCmd)
}
