// Package capture accumulates the frames of one sighting and ranks them by
// quality.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/sentinel-edge/internal/types"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

// FrameSource is a blocking stream of decoded frames. Next returns io.EOF
// when a finite source is exhausted; any other error means the source is
// disconnected and must be reconnected before reading again.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Reconnect(ctx context.Context) error
	Close() error
}

// Session is the ordered set of frames captured after one detection.
// Frames[0] is always the trigger frame; order is capture order.
type Session struct {
	ID        string
	StartedAt time.Time
	Frames    []types.FramePair
}

func newSession(trigger types.FramePair, now time.Time) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{
		ID:        id.String(),
		StartedAt: now,
		Frames:    []types.FramePair{trigger},
	}
}

// Trigger returns the frame whose detection started the session.
func (s *Session) Trigger() types.FramePair { return s.Frames[0] }

// Preprocessor turns a raw camera frame into a FramePair: the cropped region
// at full resolution and a copy resized to TargetWidth for scoring.
type Preprocessor struct {
	Crop        utils.CropFractions
	TargetWidth int
}

// DefaultCrop keeps the central 30% horizontally and drops the top 10% and
// bottom 40%, where doorway cameras rarely see faces.
var DefaultCrop = utils.CropFractions{Left: 0.35, Right: 0.35, Top: 0.10, Bottom: 0.40}

func (p Preprocessor) Pair(frame image.Image) types.FramePair {
	hires := utils.Crop(frame, p.Crop.CropRect(frame.Bounds()))
	return types.FramePair{
		Hires:  hires,
		Lowres: utils.ResizeToWidth(hires, p.TargetWidth),
	}
}

// Capturer reads the capture window following a detection.
type Capturer struct {
	Source   FrameSource
	Prep     Preprocessor
	Duration time.Duration
	Stride   int // keep every Stride-th frame
	Now      func() time.Time
}

// Capture starts a session with trigger as element 0 and keeps reading until
// Duration of wall-clock time has passed. A finite source running dry ends
// the window early. Any other source error discards the session.
func (c *Capturer) Capture(ctx context.Context, trigger types.FramePair) (*Session, int, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	stride := c.Stride
	if stride < 1 {
		stride = 1
	}

	start := now()
	s := newSession(trigger, start)
	read := 0
	for now().Sub(start) < c.Duration {
		frame, err := c.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, read, fmt.Errorf("capture %s aborted after %d frames: %w", s.ID, read, err)
		}
		read++
		if read%stride == 0 {
			s.Frames = append(s.Frames, c.Prep.Pair(frame))
		}
	}
	return s, read, nil
}

// Trim drops skipStart frames from the head and skipEnd from the tail. When
// the two together would consume every frame (or either is negative) the
// input is returned unchanged.
func Trim[T any](frames []T, skipStart, skipEnd int) []T {
	lo, hi := trimBounds(len(frames), skipStart, skipEnd)
	return frames[lo:hi]
}

func trimBounds(n, skipStart, skipEnd int) (lo, hi int) {
	if skipStart < 0 || skipEnd < 0 || skipStart+skipEnd >= n {
		return 0, n
	}
	return skipStart, n - skipEnd
}
