package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/config"
)

const supervisorConfig = `
location:
  id: 1
api:
  base_url: http://localhost:3000
  key: k
cameras:
  - id: door
    name: Door
    rtsp_url: rtsp://10.0.0.2/stream
  - id: broken
    rtsp_url: rtsp://10.0.0.3/stream
  - id: floor
    rtsp_url: rtsp://10.0.0.4/stream
    use_case: live_stream
`

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestSupervisorRunsEnabledFaceCameras(t *testing.T) {
	cfg, err := config.Parse([]byte(supervisorConfig))
	require.NoError(t, err)

	released := &closeCounter{}
	opened := map[string]bool{}
	s := &Supervisor{
		Config: cfg,
		Models: func(_ context.Context, cam config.Camera) (Models, error) {
			return Models{Fast: &fakeFast{}, Landmarks: markerLandmarks{}, Extractor: &fakeExtractor{}, Closer: released}, nil
		},
		Open: func(_ context.Context, cam config.Camera) (capture.FrameSource, error) {
			opened[cam.ID] = true
			if cam.ID == "broken" {
				return nil, errors.New("connection refused")
			}
			clock := &fakeClock{t: time.Unix(0, 0)}
			return &scriptSource{clock: clock, markers: repeat(markNothing, 5)}, nil
		},
		Identifier: &fakeIdentifier{},
	}

	require.NoError(t, s.Run(context.Background()), "one camera failing does not fail the others")

	assert.True(t, opened["door"])
	assert.True(t, opened["broken"])
	assert.False(t, opened["floor"], "live_stream cameras are not processed")
	assert.Equal(t, 2, released.n, "models are released for the running and the failed camera")

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "door", status[0].ID)
	assert.Equal(t, "Door", status[0].Name)
	assert.Equal(t, Idle, status[0].State)
	assert.Empty(t, status[0].Session)
}

func TestSupervisorFailsWhenNothingStarts(t *testing.T) {
	cfg, err := config.Parse([]byte(supervisorConfig))
	require.NoError(t, err)

	s := &Supervisor{
		Config: cfg,
		Models: func(context.Context, config.Camera) (Models, error) {
			return Models{}, errors.New("model file missing")
		},
	}
	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera door: loading models: model file missing")
	assert.Contains(t, err.Error(), "camera broken")
}
