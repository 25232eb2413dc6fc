package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFaceSizeScore(t *testing.T) {
	th := DefaultThresholds().FaceSize // zero 60, critical 100, good 115

	tests := []struct {
		name  string
		width float64
		want  float64
	}{
		{"one pixel below zero", th.ZeroPx - 1, 0},
		{"exactly zero threshold", th.ZeroPx, 0},
		{"midpoint of the quadratic ramp", (th.ZeroPx + th.CriticalPx) / 2, 0.25},
		{"three quarters of the ramp", th.ZeroPx + 0.75*(th.CriticalPx-th.ZeroPx), 0.5625},
		{"at critical", th.CriticalPx, 1},
		{"at good", th.GoodPx, 1},
		{"far above good", 900, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, FaceSizeScore(tt.width, th), 1e-9)
		})
	}
}

func TestRampScore(t *testing.T) {
	th := RampThresholds{Critical: 50, Good: 300}

	tests := []struct {
		name string
		v    float64
		want float64
	}{
		{"zero", 0, 0},
		{"half of critical is quadratic", 25, 0.3 * 0.25},
		{"at critical", 50, 0.3},
		{"midway critical to good", 175, 0.65},
		{"at good", 300, 1},
		{"above good", 5000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RampScore(tt.v, th), 1e-9)
		})
	}
}

func TestBrightnessScore(t *testing.T) {
	th := DefaultThresholds().Brightness // 30, 80, 180, 230

	tests := []struct {
		name string
		mean float64
		want float64
	}{
		{"black", 0, 0},
		{"half of critical low", 15, 0.4 * 0.25},
		{"at critical low", 30, 0.4},
		{"midway up to the band", 55, 0.7},
		{"band low edge", 80, 1},
		{"band centre", 130, 1},
		{"band high edge", 180, 1},
		{"midway down from the band", 205, 0.7},
		{"at critical high", 230, 0.4},
		{"overshoot by half", 242.5, 0.4 * 0.25},
		{"white", 255, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BrightnessScore(tt.mean, th), 1e-9)
		})
	}
}

func TestFrontalityScore(t *testing.T) {
	th := DefaultThresholds().Frontality

	assert.Equal(t, 1.0, FrontalityScore(0, 0, th))
	assert.Equal(t, 1.0, FrontalityScore(-th.GoodYaw, th.GoodPitch, th))

	// Negative angles score like positive ones.
	assert.InDelta(t, FrontalityScore(7, -5, th), FrontalityScore(-7, 5, th), 1e-12)

	// Linear ramp: half way between good and critical yaw gives 0.65.
	mid := (th.GoodYaw + th.CriticalYaw) / 2
	assert.InDelta(t, 0.6*0.65+0.4, FrontalityScore(mid, 0, th), 1e-9)
}

func TestAngleScoreBeyondCritical(t *testing.T) {
	critical, good := 10.0, 3.0

	prev := AngleScore(critical, critical, good)
	assert.InDelta(t, 0.3, prev, 1e-12)

	for a := critical + 1; a <= 90; a += 5 {
		s := AngleScore(a, critical, good)
		assert.Less(t, s, 0.3, "angle %v", a)
		assert.LessOrEqual(t, s, prev, "angle %v", a)
		prev = s
	}
	assert.Zero(t, AngleScore(90, critical, good))
	assert.Zero(t, AngleScore(170, critical, good))
}

func TestCriteriaStayInUnitRange(t *testing.T) {
	th := DefaultThresholds()
	for v := -10.0; v <= 1000; v += 0.5 {
		for name, s := range map[string]float64{
			"face_size":  FaceSizeScore(v, th.FaceSize),
			"sharpness":  RampScore(v, th.Sharpness),
			"brightness": BrightnessScore(v, th.Brightness),
			"contrast":   RampScore(v, th.Contrast),
			"frontality": FrontalityScore(v/5, -v/7, th.Frontality),
		} {
			if s < 0 || s > 1 {
				t.Fatalf("%s(%v) = %v, outside [0,1]", name, v, s)
			}
		}
	}
}
