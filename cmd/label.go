package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Assign a name to a visitor in the local store",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		runLabel(cmd.Context(), id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id int, name string) {
	db := mustOpenStore(ctx, optionalConfig())
	if err := db.RenameIdentity(ctx, id, name); err != nil {
		utils.Die("Failed to label identity", err, nil)
	}

	fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
}
