package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check cameras.yaml without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Configuration is invalid:\n%v\n", err)
			return fmt.Errorf("validation failed")
		}
		printValidation(os.Stdout, cfg)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func printValidation(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "✅ Configuration OK for location %d (%s)\n", cfg.Location.ID, cfg.Location.Name)
	fmt.Fprintf(out, "   %d camera(s), %d face recognition enabled, %d live stream\n",
		len(cfg.Cameras), len(cfg.EnabledFaceCameras()), len(cfg.CamerasByUseCase(config.UseCaseLiveStream)))
	fmt.Fprintf(out, "   inference: %s", cfg.Inference.Backend)
	if cfg.Inference.Backend == config.BackendSubprocess {
		fmt.Fprintf(out, " %v\n", cfg.Inference.Command)
	} else {
		fmt.Fprintf(out, " %s\n", cfg.Inference.URL)
	}
	if cfg.Store.URL != "" {
		fmt.Fprintln(out, "   local store: enabled")
	}
	if cfg.Server.Addr != "" {
		fmt.Fprintf(out, "   status server: %s\n", cfg.Server.Addr)
	}
}
