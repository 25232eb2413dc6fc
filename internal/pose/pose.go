// Package pose estimates head yaw and pitch for the frontality criterion.
// Both estimators are linear proxies, not a 3D pose solve; their constants
// are calibration values exposed through Params.
package pose

import (
	"image"
	"math"

	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// Params holds the calibration constants of both estimators.
type Params struct {
	YawScale       float64 `yaml:"yaw_scale"`        // degrees per unit of eye-center offset / face width
	PitchScale     float64 `yaml:"pitch_scale"`      // degrees per unit of eye-nose deviation / face height
	EyeNoseRatio   float64 `yaml:"eye_nose_ratio"`   // expected eye-to-nose distance as a fraction of face height
	RollScale      float64 `yaml:"roll_scale"`       // degrees per unit of eye-line slope
	RollWeight     float64 `yaml:"roll_weight"`      // share of the roll term added to pitch
	SymmetryMaxYaw float64 `yaml:"symmetry_max_yaw"` // yaw reported for a fully asymmetric crop
}

func DefaultParams() Params {
	return Params{
		YawScale:       60,
		PitchScale:     40,
		EyeNoseRatio:   0.25,
		RollScale:      15,
		RollWeight:     0.3,
		SymmetryMaxYaw: 45,
	}
}

type Estimator struct {
	Params Params
}

func New(p Params) *Estimator {
	return &Estimator{Params: p}
}

// FromLandmarks derives (yaw, pitch) in degrees from five landmarks and the
// box they were detected in. A degenerate box yields a neutral (0, 0).
func (e *Estimator) FromLandmarks(lm types.Landmarks, box types.BBox) (yaw, pitch float64) {
	w := float64(box.Width())
	h := float64(box.Height())
	if w <= 0 || h <= 0 {
		return 0, 0
	}

	eyeCx := (lm.LeftEye.X + lm.RightEye.X) / 2
	eyeCy := (lm.LeftEye.Y + lm.RightEye.Y) / 2
	faceCx := float64(box.X1+box.X2) / 2

	yaw = ((eyeCx - faceCx) / w) * e.Params.YawScale

	eyeToNose := lm.Nose.Y - eyeCy
	pitch = ((eyeToNose - e.Params.EyeNoseRatio*h) / h) * e.Params.PitchScale

	slope := (lm.RightEye.Y - lm.LeftEye.Y) / math.Max(math.Abs(lm.RightEye.X-lm.LeftEye.X), 1)
	roll := math.Abs(slope) * e.Params.RollScale

	return yaw, pitch + roll*e.Params.RollWeight
}

// FromSymmetry estimates yaw from left/right asymmetry of a grayscale face
// crop. Pitch cannot be recovered this way and is always 0. It never fails:
// crops too small to split return (0, 0).
func (e *Estimator) FromSymmetry(gray *image.Gray) (yaw, pitch float64) {
	if gray == nil {
		return 0, 0
	}
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	half := w / 2
	if half == 0 || h == 0 {
		return 0, 0
	}

	// Left half is [0, w/2), right half is [w/2, w). Mirroring the right half
	// puts its column j at w-1-j; compare over the narrower of the two halves.
	var sum float64
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for j := 0; j < half; j++ {
			d := int(row[j]) - int(row[w-1-j])
			if d < 0 {
				d = -d
			}
			sum += float64(d)
		}
	}
	asymmetry := sum / float64(half*h) / 255.0
	return asymmetry * e.Params.SymmetryMaxYaw, 0
}
