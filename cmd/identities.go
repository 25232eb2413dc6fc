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

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List all visitors enrolled in the local store",
	Run: func(cmd *cobra.Command, args []string) {
		runIdentities(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
}

func runIdentities(ctx context.Context) {
	db := mustOpenStore(ctx, optionalConfig())
	identities, err := db.ListIdentities(ctx)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}
	printIdentities(os.Stdout, identities)
}

func printIdentities(out io.Writer, identities []store.Identity) {
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVISITS\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, "--\t----\t------\t----------\t---------")

	for _, id := range identities {
		name := id.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", id.ID, name, id.VisitCount,
			id.CreatedAt.Local().Format("2006-01-02 15:04"), id.LastSeen.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
