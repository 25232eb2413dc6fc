// Package quality scores a single face observation against five criteria
// and folds them into one multiplicative total.
package quality

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/sentinel-edge/internal/pose"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// LandmarkDetector finds the most prominent face in a frame together with its
// five landmarks. ok is false when no face is present; err is reserved for
// backend failures.
type LandmarkDetector interface {
	DetectLandmarks(ctx context.Context, frame image.Image) (det types.Detection, ok bool, err error)
}

// Importance weights each criterion on a 0-10 scale. 0 removes the criterion,
// 5 applies its score linearly, 10 squares it.
type Importance struct {
	Frontality float64 `yaml:"frontality"`
	Sharpness  float64 `yaml:"sharpness"`
	FaceSize   float64 `yaml:"face_size"`
	Brightness float64 `yaml:"brightness"`
	Contrast   float64 `yaml:"contrast"`
}

func DefaultImportance() Importance {
	return Importance{Frontality: 8, Sharpness: 0, FaceSize: 5, Brightness: 0, Contrast: 0}
}

const (
	DefaultBaseScore   = 1000.0
	DefaultPadFraction = 0.10
	// scoreFloor bounds how hard a weak criterion can pull the total down.
	scoreFloor = 0.001
)

type Config struct {
	Thresholds    Thresholds `yaml:"thresholds"`
	Importance    Importance `yaml:"importance"`
	BaseScore     float64    `yaml:"base_score"`
	MinConfidence float64    `yaml:"min_detection_confidence"`
	PadFraction   float64    `yaml:"pad_fraction"`
}

func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Importance:    DefaultImportance(),
		BaseScore:     DefaultBaseScore,
		MinConfidence: 0.5,
		PadFraction:   DefaultPadFraction,
	}
}

// QualityScore is the immutable result of scoring one frame.
type QualityScore struct {
	Total      float64    `json:"total"`
	FaceSize   float64    `json:"face_size"`
	Sharpness  float64    `json:"sharpness"`
	Brightness float64    `json:"brightness"`
	Contrast   float64    `json:"contrast"`
	Frontality float64    `json:"frontality"`
	Yaw        float64    `json:"yaw"`
	Pitch      float64    `json:"pitch"`
	BBox       types.BBox `json:"bbox"`
}

// Zero is the last-resort score used when not even the trigger frame could be
// scored.
func Zero() QualityScore { return QualityScore{} }

func (q QualityScore) String() string {
	return fmt.Sprintf("%.0f (size=%.2f sharp=%.2f bright=%.2f contrast=%.2f frontal=%.2f yaw=%.1f pitch=%.1f)",
		q.Total, q.FaceSize, q.Sharpness, q.Brightness, q.Contrast, q.Frontality, q.Yaw, q.Pitch)
}

// Verdict says why a frame did or did not produce a score.
type Verdict int

const (
	Scored Verdict = iota
	NoFace
	LowConfidence
	EmptyRegion
)

func (v Verdict) String() string {
	switch v {
	case Scored:
		return "scored"
	case NoFace:
		return "no_face"
	case LowConfidence:
		return "low_confidence"
	case EmptyRegion:
		return "empty_region"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Combine applies base * prod(max(0.001, min(1, s))^(importance/5)) over the
// criteria whose importance is nonzero. A face size of exactly 0 (a face at
// or below ZeroPx) is the only veto: it zeroes the total. Every other
// criterion at 0 is floored.
func Combine(base float64, q QualityScore, imp Importance) float64 {
	if imp.FaceSize != 0 && q.FaceSize <= 0 {
		return 0
	}
	total := base
	for _, c := range []struct{ score, importance float64 }{
		{q.Frontality, imp.Frontality},
		{q.Sharpness, imp.Sharpness},
		{q.FaceSize, imp.FaceSize},
		{q.Brightness, imp.Brightness},
		{q.Contrast, imp.Contrast},
	} {
		if c.importance == 0 {
			continue
		}
		s := math.Max(scoreFloor, math.Min(1, c.score))
		total *= math.Pow(s, c.importance/5)
	}
	return total
}

// Scorer scores frames using a landmark detector for the face box and pose.
type Scorer struct {
	Detector LandmarkDetector
	Pose     *pose.Estimator
	Config   Config
}

func NewScorer(det LandmarkDetector, est *pose.Estimator, cfg Config) *Scorer {
	return &Scorer{Detector: det, Pose: est, Config: cfg}
}

// Score detects the face in frame and scores it. A verdict other than Scored
// means the frame has no usable face; the returned error is only set when
// the detector itself failed.
func (s *Scorer) Score(ctx context.Context, frame image.Image) (QualityScore, Verdict, error) {
	det, ok, err := s.Detector.DetectLandmarks(ctx, frame)
	if err != nil {
		return QualityScore{}, NoFace, fmt.Errorf("landmark detection failed: %w", err)
	}
	if !ok {
		return QualityScore{}, NoFace, nil
	}
	q, v := s.ScoreDetection(frame, det)
	return q, v, nil
}

// ScoreDetection scores a detection that was produced on this exact frame.
func (s *Scorer) ScoreDetection(frame image.Image, det types.Detection) (QualityScore, Verdict) {
	if det.Confidence < s.Config.MinConfidence {
		return QualityScore{}, LowConfidence
	}
	if det.BBox.Empty() {
		return QualityScore{}, EmptyRegion
	}
	roi := PadBBox(det.BBox, frame.Bounds(), s.Config.PadFraction)
	if roi.Empty() {
		return QualityScore{}, EmptyRegion
	}

	gray := Grayscale(frame, roi)
	t := s.Config.Thresholds

	q := QualityScore{
		FaceSize:   FaceSizeScore(float64(det.BBox.Width()), t.FaceSize),
		Sharpness:  RampScore(LaplacianVariance(gray), t.Sharpness),
		Brightness: BrightnessScore(Mean(gray), t.Brightness),
		Contrast:   RampScore(StdDev(gray), t.Contrast),
		BBox:       det.BBox,
	}

	if det.Landmarks != nil {
		q.Yaw, q.Pitch = s.Pose.FromLandmarks(*det.Landmarks, det.BBox)
	} else {
		// symmetry is measured on the unpadded face only
		q.Yaw, q.Pitch = s.Pose.FromSymmetry(Grayscale(frame, det.BBox.Rect()))
	}
	q.Frontality = FrontalityScore(q.Yaw, q.Pitch, t.Frontality)
	q.Total = Combine(s.Config.BaseScore, q, s.Config.Importance)
	return q, Scored
}
