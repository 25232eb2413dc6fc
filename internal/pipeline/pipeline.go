// Package pipeline runs the per-camera detect, capture, score, fuse and
// identify loop.
package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/fusion"
	"github.com/andresmejia3/sentinel-edge/internal/pose"
	"github.com/andresmejia3/sentinel-edge/internal/quality"
	"github.com/andresmejia3/sentinel-edge/internal/types"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

// State is where a camera worker is in its session cycle.
type State int

const (
	Idle State = iota
	Detected
	Capturing
	Scored
	GatedOut
	Fusing
	Sent
	Rejected
	Error
	Cooldown
)

var stateNames = [...]string{"IDLE", "DETECTED", "CAPTURING", "SCORED", "GATED_OUT", "FUSING", "SENT", "REJECTED", "ERROR", "COOLDOWN"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reason names why a session ended without identification.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonLowQuality    Reason = "LOW_QUALITY"
	ReasonNoFace        Reason = "NO_FACE"
	ReasonLowConfidence Reason = "LOW_CONFIDENCE"
	ReasonNoValidFrames Reason = "NO_VALID_FRAMES"
)

// FastDetector is the cheap per-frame trigger detector. ok is false when no
// face is present.
type FastDetector interface {
	Detect(ctx context.Context, frame image.Image) (det types.Detection, ok bool, err error)
}

// IdentificationService matches a fused embedding against known visitors.
type IdentificationService interface {
	Identify(ctx context.Context, req types.IdentifyRequest) (types.Identity, error)
}

// Recorder persists finished sessions.
type Recorder interface {
	RecordSession(ctx context.Context, o Outcome) error
}

// Publisher fans finished sessions out to live listeners. Publish must not
// block.
type Publisher interface {
	Publish(o Outcome)
}

// Models are the inference handles owned by one worker.
type Models struct {
	Fast      FastDetector
	Landmarks quality.LandmarkDetector
	Extractor fusion.EmbeddingExtractor
	Closer    io.Closer
}

func (m Models) Close() error {
	if m.Closer == nil {
		return nil
	}
	return m.Closer.Close()
}

// ModelFactory builds a fresh set of model handles for one camera. It is
// called once per worker at startup.
type ModelFactory func(ctx context.Context, cam config.Camera) (Models, error)

// Timings of one session. Recognition covers fusion and the identification
// call.
type Timings struct {
	Detection   time.Duration `json:"detection"`
	Capture     time.Duration `json:"capture"`
	Scoring     time.Duration `json:"scoring"`
	Recognition time.Duration `json:"recognition"`
	Total       time.Duration `json:"total"`
}

// Outcome describes one finished session.
type Outcome struct {
	SessionID string
	Camera    string
	StartedAt time.Time
	State     State
	Reason    Reason
	Best      quality.QualityScore
	Frames    int  // frames in the session, trigger included
	Scored    int  // frames that produced a score
	Fallback  bool // only the trigger frame could be scored
	Fusion    *fusion.Result
	Identity  *types.Identity
	Err       error
	Timings   Timings
}

// Settings are the resolved knobs of one camera worker.
type Settings struct {
	Crop            utils.CropFractions
	TargetWidth     int
	ProcessEveryN   int
	CaptureDuration time.Duration
	FrameSkip       int
	Cooldown        time.Duration
	MinQuality      float64
	MinDetection    float64
	SkipStart       int
	SkipEnd         int
	Quality         quality.Config
	Pose            pose.Params
	Fusion          fusion.Params
}

// SettingsFor resolves the settings of cam against the global config.
func SettingsFor(cfg *config.Config, cam config.Camera) Settings {
	s := cam.Settings
	return Settings{
		Crop:            cfg.Quality.Crop,
		TargetWidth:     s.TargetWidth,
		ProcessEveryN:   s.ProcessEveryNFrames,
		CaptureDuration: s.CaptureDuration(),
		FrameSkip:       s.QualityFrameSkip,
		Cooldown:        s.Cooldown(),
		MinQuality:      s.MinQualityScore,
		MinDetection:    s.MinDetectionScore,
		SkipStart:       cfg.Fusion.SkipStart,
		SkipEnd:         cfg.Fusion.SkipEnd,
		Quality:         cfg.QualityConfig(cam),
		Pose:            cfg.Pose,
		Fusion:          cfg.FusionParams(cam),
	}
}

// SourceError marks a frame source failure. The in-flight session is lost
// and the source must be reconnected.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "frame source failed: " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// ErrUnhealthy is returned when the identification service is unreachable at
// startup.
var ErrUnhealthy = errors.New("identification service unhealthy")
