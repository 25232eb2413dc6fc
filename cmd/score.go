package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/inference"
	"github.com/andresmejia3/sentinel-edge/internal/pose"
	"github.com/andresmejia3/sentinel-edge/internal/quality"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

var scoreOpts struct {
	Input  string
	Camera string
	Crop   bool
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Print the quality score breakdown of one image",
	Run: func(cmd *cobra.Command, args []string) {
		runScore(cmd.Context())
	},
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreOpts.Input, "input", "i", "", "Path to a JPEG or PNG image")
	scoreCmd.Flags().StringVar(&scoreOpts.Camera, "camera", "", "Camera whose thresholds to use (default: first enabled face camera)")
	scoreCmd.Flags().BoolVar(&scoreOpts.Crop, "crop", false, "Apply the camera frame crop before scoring")
	scoreCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(ctx context.Context) {
	f, err := os.Open(scoreOpts.Input)
	if err != nil {
		utils.Die("Cannot open image", err, nil)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		utils.Die("Cannot decode image", err, nil)
	}

	cfg := mustLoadConfig()
	cam, err := selectCamera(cfg, scoreOpts.Camera)
	if err != nil {
		utils.Die("Cannot select camera", err, nil)
	}

	factory, err := inference.NewFactory(cfg.Inference)
	if err != nil {
		utils.Die("Invalid inference backend", err, nil)
	}
	models, err := factory(ctx, cam)
	if err != nil {
		utils.Die("Failed to load models", err, nil)
	}
	defer models.Close()

	prep := capture.Preprocessor{TargetWidth: cam.Settings.TargetWidth}
	if scoreOpts.Crop {
		prep.Crop = cfg.Quality.Crop
	}
	frame := prep.Pair(img).Lowres

	scorer := quality.NewScorer(models.Landmarks, pose.New(cfg.Pose), cfg.QualityConfig(cam))
	q, verdict, err := scorer.Score(ctx, frame)
	if err != nil {
		utils.Die("Scoring failed", err, nil)
	}
	printScore(os.Stdout, q, verdict, cfg, cam)
}

func printScore(out io.Writer, q quality.QualityScore, v quality.Verdict, cfg *config.Config, cam config.Camera) {
	if v != quality.Scored {
		fmt.Fprintf(out, "❌ No usable face: %s\n", v)
		return
	}
	imp := cfg.Quality.Importance

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CRITERION\tSCORE\tIMPORTANCE")
	fmt.Fprintln(w, "---------\t-----\t----------")
	fmt.Fprintf(w, "frontality\t%.3f\t%.0f\n", q.Frontality, imp.Frontality)
	fmt.Fprintf(w, "face_size\t%.3f\t%.0f\n", q.FaceSize, imp.FaceSize)
	fmt.Fprintf(w, "sharpness\t%.3f\t%.0f\n", q.Sharpness, imp.Sharpness)
	fmt.Fprintf(w, "brightness\t%.3f\t%.0f\n", q.Brightness, imp.Brightness)
	fmt.Fprintf(w, "contrast\t%.3f\t%.0f\n", q.Contrast, imp.Contrast)
	w.Flush()

	fmt.Fprintf(out, "\nPose: yaw %.1f°, pitch %.1f°  Face: %dx%d px\n", q.Yaw, q.Pitch, q.BBox.Width(), q.BBox.Height())
	gate := "✅ passes"
	if q.Total < cam.Settings.MinQualityScore {
		gate = "⛔ below"
	}
	fmt.Fprintf(out, "Total: %.1f / %.0f (%s the %.0f gate of camera %q)\n", q.Total, cfg.Quality.BaseScore, gate, cam.Settings.MinQualityScore, cam.ID)
}
