package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/config"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured cameras",
	Run: func(cmd *cobra.Command, args []string) {
		runList(os.Stdout, mustLoadConfig())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(out io.Writer, cfg *config.Config) {
	if len(cfg.Cameras) == 0 {
		fmt.Fprintln(out, "No cameras configured.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUSE CASE\tENABLED\tSOURCE")
	fmt.Fprintln(w, "--\t----\t--------\t-------\t------")

	for _, cam := range cfg.Cameras {
		enabled := "no"
		if cam.Enabled {
			enabled = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cam.ID, cam.Name, cam.UseCase, enabled, cam.Source())
	}
	w.Flush()
}
