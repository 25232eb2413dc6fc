package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the local store tables (identities and sessions)",
	Long:  "Clears every enrolled identity and recorded session. The schema is recreated on the next connection.",
	Run: func(cmd *cobra.Command, args []string) {
		db := mustOpenStore(cmd.Context(), optionalConfig())

		reader := bufio.NewReader(os.Stdin)
		if !resetYes && !confirm(os.Stdout, reader, "⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing Database...")
		if err := db.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ Local store reset.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
