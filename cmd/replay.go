package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/identify"
	"github.com/andresmejia3/sentinel-edge/internal/inference"
	"github.com/andresmejia3/sentinel-edge/internal/logging"
	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/source"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

// fallbackFPS is used when ffprobe cannot read the frame rate.
const fallbackFPS = 25.0

var replayOpts struct {
	Input   string
	Camera  string
	Offline bool
	Local   bool
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one camera's pipeline over a recorded video",
	Long: `Runs the face pipeline over a video file as if it were the camera's stream.
Session timing follows the video clock, not the wall clock.

With --offline visitors are matched against an in-memory gallery instead of the
identification API. With --local they are matched against the local store.`,
	Run: func(cmd *cobra.Command, args []string) {
		runReplay(cmd.Context())
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.Input, "input", "i", "", "Path to video")
	replayCmd.Flags().StringVar(&replayOpts.Camera, "camera", "", "Camera whose settings to use (default: first enabled face camera)")
	replayCmd.Flags().BoolVar(&replayOpts.Offline, "offline", false, "Identify against an in-memory gallery")
	replayCmd.Flags().BoolVar(&replayOpts.Local, "local", false, "Identify against the local store")
	replayCmd.MarkFlagRequired("input")
	replayCmd.MarkFlagsMutuallyExclusive("offline", "local")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(ctx context.Context) {
	if _, err := os.Stat(replayOpts.Input); err != nil {
		utils.Die("Cannot read input video", err, nil)
	}
	cfg := mustLoadConfig()
	cam, err := selectCamera(cfg, replayOpts.Camera)
	if err != nil {
		utils.Die("Cannot select camera", err, nil)
	}
	logger := logging.ForCamera(Logger, cam.ID, cam.Name)

	var (
		identifier pipeline.IdentificationService
		gallery    *identify.Gallery
	)
	threshold := cam.Settings.SimilarityThreshold
	switch {
	case replayOpts.Offline:
		gallery = identify.NewGallery(threshold)
		identifier = gallery
	case replayOpts.Local:
		identifier = mustOpenStore(ctx, cfg).Identifier(threshold)
	default:
		api := identify.NewClient(cfg.API, cfg.Location.ID, cfg.Upload)
		if err := api.Health(ctx); err != nil {
			utils.Die("Identification API is unreachable (use --offline to replay without it)", err, nil)
		}
		identifier = api
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

	fps := utils.GetFrameRate(replayOpts.Input)
	if fps <= 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Could not read the frame rate, assuming %.0f fps\n", fallbackFPS)
		fps = fallbackFPS
	}
	totalFrames := utils.GetTotalFrames(replayOpts.Input)
	if totalFrames <= 0 {
		totalFrames = -1 // spinner
	}

	src, err := source.Open(ctx, replayOpts.Input, logger)
	if err != nil {
		utils.Die("Failed to start decoder", err, nil)
	}
	defer src.Close()

	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription("🎞️  Replaying "+cam.ID),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var sessions outcomeLog
	w := pipeline.NewWorker(cam.ID, &progressSource{FrameSource: src, bar: bar}, models, identifier, pipeline.SettingsFor(cfg, cam), logger)
	w.Now = videoClock(time.Now(), fps, src.Frames)
	w.Events = &sessions
	if DB != nil {
		w.Recorder = DB
	}

	fmt.Fprintf(os.Stderr, "📼 Replaying %s at %.2f fps with camera %q settings\n", replayOpts.Input, fps, cam.ID)
	if err := w.Run(ctx); err != nil {
		utils.Die("Replay failed", err, nil)
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n🏁 Replay complete. Decoded %d frames.\n", src.Frames())
	printOutcomes(os.Stdout, sessions.all())
	if gallery != nil {
		printVisitors(os.Stdout, gallery.Visitors())
	}
}

// videoClock maps decoded frames to time so capture windows and cooldowns
// are measured in video seconds.
func videoClock(start time.Time, fps float64, frames func() int) func() time.Time {
	return func() time.Time {
		return start.Add(time.Duration(float64(frames()) / fps * float64(time.Second)))
	}
}

// progressSource advances the bar for every decoded frame.
type progressSource struct {
	capture.FrameSource
	bar *progressbar.ProgressBar
}

func (p *progressSource) Next(ctx context.Context) (image.Image, error) {
	img, err := p.FrameSource.Next(ctx)
	if err == nil {
		p.bar.Add(1)
	}
	return img, err
}

// outcomeLog collects every finished session of a replay.
type outcomeLog struct {
	mu       sync.Mutex
	outcomes []pipeline.Outcome
}

func (l *outcomeLog) Publish(o pipeline.Outcome) {
	l.mu.Lock()
	l.outcomes = append(l.outcomes, o)
	l.mu.Unlock()
}

func (l *outcomeLog) all() []pipeline.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.Outcome(nil), l.outcomes...)
}

func printOutcomes(out io.Writer, outcomes []pipeline.Outcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(out, "No faces triggered a session.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATE\tREASON\tBEST\tFRAMES\tFUSED\tVISITOR")
	fmt.Fprintln(w, "-------\t-----\t------\t----\t------\t-----\t-------")
	for _, o := range outcomes {
		fused := 0
		if o.Fusion != nil {
			fused = len(o.Fusion.Contributions)
		}
		visitor := "-"
		if o.Identity != nil {
			visitor = fmt.Sprintf("#%d %s (%d visits)", o.Identity.CustomerID, o.Identity.Status, o.Identity.VisitCount)
		}
		reason := string(o.Reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%d/%d\t%d\t%s\n",
			shortID(o.SessionID), o.State, reason, o.Best.Total, o.Scored, o.Frames, fused, visitor)
	}
	w.Flush()
}

func printVisitors(out io.Writer, visitors []identify.Visitor) {
	fmt.Fprintf(out, "\n👥 %d distinct visitor(s)\n", len(visitors))
	for _, v := range visitors {
		fmt.Fprintf(out, "   #%d seen %d time(s)\n", v.ID, v.Visits)
	}
}

// shortID keeps the random tail of a time-ordered UUID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
