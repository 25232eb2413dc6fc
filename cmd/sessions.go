package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/store"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

var sessionsOpts struct {
	Camera string
	Limit  int
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent capture sessions from the local store",
	Run: func(cmd *cobra.Command, args []string) {
		runSessions(cmd.Context())
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsOpts.Camera, "camera", "", "Only show sessions of this camera")
	sessionsCmd.Flags().IntVarP(&sessionsOpts.Limit, "limit", "n", 50, "Maximum number of sessions")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(ctx context.Context) {
	db := mustOpenStore(ctx, optionalConfig())
	rows, err := db.ListSessions(ctx, sessionsOpts.Camera, sessionsOpts.Limit)
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}
	printSessions(os.Stdout, rows)
}

func printSessions(out io.Writer, rows []store.SessionRow) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STARTED\tCAMERA\tSTATE\tBEST\tFRAMES\tVISITOR\tMS")
	fmt.Fprintln(w, "-------\t------\t-----\t----\t------\t-------\t--")

	for _, r := range rows {
		state := r.State
		if r.Reason != "" {
			state += " (" + r.Reason + ")"
		}
		visitor := "-"
		if r.CustomerID != nil {
			visitor = fmt.Sprintf("#%d %s", *r.CustomerID, r.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%d/%d\t%s\t%.0f\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Camera, state, r.BestScore, r.Scored, r.Frames, visitor, r.TotalMs)
	}
	w.Flush()
}
