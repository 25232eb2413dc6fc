package quality

import "math"

// Each criterion maps a raw measurement into [0,1] with the same shape: a
// quadratic penalty below the critical bound, a linear 0.3 (0.4 for
// brightness) to 1.0 ramp between critical and good, and 1.0 beyond good.

const maxAngle = 90.0

// FaceSizeThresholds are face widths in pixels.
type FaceSizeThresholds struct {
	ZeroPx     float64 `yaml:"zero_px"`
	CriticalPx float64 `yaml:"critical_px"`
	GoodPx     float64 `yaml:"good_px"`
}

// RampThresholds serve one-sided criteria (sharpness, contrast).
type RampThresholds struct {
	Critical float64 `yaml:"critical"`
	Good     float64 `yaml:"good"`
}

// BrightnessThresholds bound the optimal band [GoodLow, GoodHigh].
type BrightnessThresholds struct {
	CriticalLow  float64 `yaml:"critical_low"`
	GoodLow      float64 `yaml:"good_low"`
	GoodHigh     float64 `yaml:"good_high"`
	CriticalHigh float64 `yaml:"critical_high"`
}

// FrontalityThresholds are absolute angles in degrees.
type FrontalityThresholds struct {
	CriticalYaw   float64 `yaml:"critical_yaw"`
	GoodYaw       float64 `yaml:"good_yaw"`
	CriticalPitch float64 `yaml:"critical_pitch"`
	GoodPitch     float64 `yaml:"good_pitch"`
}

type Thresholds struct {
	FaceSize   FaceSizeThresholds   `yaml:"face_size"`
	Sharpness  RampThresholds       `yaml:"sharpness"`
	Brightness BrightnessThresholds `yaml:"brightness"`
	Contrast   RampThresholds       `yaml:"contrast"`
	Frontality FrontalityThresholds `yaml:"frontality"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FaceSize:   FaceSizeThresholds{ZeroPx: 60, CriticalPx: 100, GoodPx: 115},
		Sharpness:  RampThresholds{Critical: 50, Good: 300},
		Brightness: BrightnessThresholds{CriticalLow: 30, GoodLow: 80, GoodHigh: 180, CriticalHigh: 230},
		Contrast:   RampThresholds{Critical: 15, Good: 50},
		Frontality: FrontalityThresholds{CriticalYaw: 10, GoodYaw: 3, CriticalPitch: 8, GoodPitch: 2},
	}
}

// FaceSizeScore is 0 at or below ZeroPx, rises quadratically to 1 at
// CriticalPx and stays saturated above.
func FaceSizeScore(width float64, t FaceSizeThresholds) float64 {
	switch {
	case width >= t.GoodPx || width >= t.CriticalPx:
		return 1
	case width <= t.ZeroPx:
		return 0
	}
	ratio := (width - t.ZeroPx) / (t.CriticalPx - t.ZeroPx)
	return clamp01(ratio * ratio)
}

// RampScore scores a measurement where larger is better (Laplacian variance,
// intensity standard deviation).
func RampScore(v float64, t RampThresholds) float64 {
	switch {
	case v >= t.Good:
		return 1
	case v >= t.Critical:
		return clamp01(0.3 + 0.7*(v-t.Critical)/(t.Good-t.Critical))
	case t.Critical <= 0:
		return 0
	}
	ratio := math.Max(v, 0) / t.Critical
	return clamp01(0.3 * ratio * ratio)
}

// BrightnessScore scores a mean grayscale intensity in [0,255].
func BrightnessScore(mean float64, t BrightnessThresholds) float64 {
	switch {
	case mean >= t.GoodLow && mean <= t.GoodHigh:
		return 1
	case mean < t.GoodLow && mean >= t.CriticalLow:
		return clamp01(0.4 + 0.6*(mean-t.CriticalLow)/(t.GoodLow-t.CriticalLow))
	case mean < t.CriticalLow:
		if t.CriticalLow <= 0 {
			return 0
		}
		ratio := math.Max(mean, 0) / t.CriticalLow
		return clamp01(0.4 * ratio * ratio)
	case mean <= t.CriticalHigh:
		return clamp01(0.4 + 0.6*(t.CriticalHigh-mean)/(t.CriticalHigh-t.GoodHigh))
	}
	overshoot := math.Min((mean-t.CriticalHigh)/(255-t.CriticalHigh), 1)
	return clamp01(0.4 * (1 - overshoot) * (1 - overshoot))
}

// AngleScore scores an absolute rotation in degrees. Beyond the critical
// bound the score falls quadratically from 0.3 to 0 at 90 degrees.
func AngleScore(abs, critical, good float64) float64 {
	abs = math.Abs(abs)
	switch {
	case abs <= good:
		return 1
	case abs <= critical:
		return clamp01(0.3 + 0.7*(critical-abs)/(critical-good))
	}
	overshoot := math.Min((abs-critical)/(maxAngle-critical), 1)
	return clamp01(0.3 * (1 - overshoot) * (1 - overshoot))
}

// FrontalityScore combines yaw and pitch, weighting yaw higher.
func FrontalityScore(yaw, pitch float64, t FrontalityThresholds) float64 {
	yawScore := AngleScore(yaw, t.CriticalYaw, t.GoodYaw)
	pitchScore := AngleScore(pitch, t.CriticalPitch, t.GoodPitch)
	return 0.6*yawScore + 0.4*pitchScore
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
