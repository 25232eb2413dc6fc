package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/identify"
	"github.com/andresmejia3/sentinel-edge/internal/inference"
	"github.com/andresmejia3/sentinel-edge/internal/logging"
	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/server"
	"github.com/andresmejia3/sentinel-edge/internal/source"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

var runCamera string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch every enabled face_recognition camera and identify visitors",
	Run: func(cmd *cobra.Command, args []string) {
		runRun(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runCamera, "camera", "", "Only run the camera with this ID")
	rootCmd.AddCommand(runCmd)
}

func runRun(ctx context.Context) {
	cfg := mustLoadConfig()
	if runCamera != "" {
		cam, err := selectCamera(cfg, runCamera)
		if err != nil {
			utils.Die("Cannot run camera", err, nil)
		}
		cam.Enabled = true
		cfg.Cameras = []config.Camera{cam}
	}

	api := identify.NewClient(cfg.API, cfg.Location.ID, cfg.Upload)
	fmt.Fprintf(os.Stderr, "🔌 Checking identification API at %s...\n", cfg.API.BaseURL)
	healthCtx, cancel := context.WithTimeout(ctx, cfg.API.Timeout())
	err := api.Health(healthCtx)
	cancel()
	if err != nil {
		utils.Die("Identification API is unreachable", err, nil)
	}

	factory, err := inference.NewFactory(cfg.Inference)
	if err != nil {
		utils.Die("Invalid inference backend", err, nil)
	}

	sup := &pipeline.Supervisor{
		Config:     cfg,
		Models:     factory,
		Open:       cameraOpener(Logger),
		Identifier: api,
		Logger:     Logger,
	}

	if resolveDBURL(cfg) != "" {
		sup.Recorder = mustOpenStore(ctx, cfg)
		fmt.Fprintf(os.Stderr, "🗄️  Recording sessions to the local store\n")
	}

	if cfg.Server.Addr != "" {
		srv := server.New(cfg.Server.Addr, sup, Logger)
		sup.Events = srv.Hub()
		go func() {
			if err := srv.Start(ctx); err != nil {
				Logger.Error("Status server stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "🎥 Watching %d camera(s) for %s\n", len(cfg.EnabledFaceCameras()), cfg.Location.Name)
	err = sup.Run(ctx)
	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "\n🛑 Stopped.\n")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		utils.Die("Camera pipeline failed", err, nil)
	}
}

// cameraOpener starts an ffmpeg decoder per camera.
func cameraOpener(logger *zap.Logger) pipeline.SourceOpener {
	return func(ctx context.Context, cam config.Camera) (capture.FrameSource, error) {
		return source.Open(ctx, cam.RTSPURL, logging.ForCamera(logger, cam.ID, cam.Name))
	}
}

// selectCamera returns the face_recognition camera with id, or the first
// enabled one when id is empty.
func selectCamera(cfg *config.Config, id string) (config.Camera, error) {
	if id == "" {
		cams := cfg.EnabledFaceCameras()
		if len(cams) == 0 {
			return config.Camera{}, errors.New("no enabled face_recognition cameras configured")
		}
		return cams[0], nil
	}
	cam := cfg.CameraByID(id)
	if cam == nil {
		return config.Camera{}, fmt.Errorf("unknown camera %q", id)
	}
	if cam.UseCase != config.UseCaseFaceRecognition {
		return config.Camera{}, fmt.Errorf("camera %q is a %s camera", id, cam.UseCase)
	}
	return *cam, nil
}
