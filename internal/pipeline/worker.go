package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/fusion"
	"github.com/andresmejia3/sentinel-edge/internal/pose"
	"github.com/andresmejia3/sentinel-edge/internal/quality"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// ReconnectDelay is the first wait before reopening a lost source.
const ReconnectDelay = 2 * time.Second

// Worker owns one camera: its source, its model handles, its session and its
// cooldown. Nothing in a Worker is shared with other cameras.
type Worker struct {
	Camera     string
	Source     capture.FrameSource
	Models     Models
	Identifier IdentificationService
	Recorder   Recorder  // optional
	Events     Publisher // optional
	Logger     *zap.Logger
	Settings   Settings
	Stats      *Stats

	// Now and NewBackOff are replaceable for tests.
	Now        func() time.Time
	NewBackOff func() backoff.BackOff

	prep     capture.Preprocessor
	capturer *capture.Capturer
	scorer   *quality.Scorer

	mu            sync.Mutex
	state         State
	cooldownUntil time.Time
	last          *Outcome
}

func NewWorker(camera string, src capture.FrameSource, models Models, id IdentificationService, s Settings, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		Camera:     camera,
		Source:     src,
		Models:     models,
		Identifier: id,
		Logger:     logger,
		Settings:   s,
		Stats:      NewStats(DefaultStatsWindow),
		Now:        time.Now,
	}
	w.NewBackOff = w.defaultBackOff
	w.init()
	return w
}

func (w *Worker) init() {
	w.prep = capture.Preprocessor{Crop: w.Settings.Crop, TargetWidth: w.Settings.TargetWidth}
	w.capturer = &capture.Capturer{
		Source:   w.Source,
		Prep:     w.prep,
		Duration: w.Settings.CaptureDuration,
		Stride:   w.Settings.FrameSkip,
		Now:      w.now,
	}
	w.scorer = quality.NewScorer(w.Models.Landmarks, pose.New(w.Settings.Pose), w.Settings.Quality)
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

func (w *Worker) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectDelay
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // never give up on a camera
	return b
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the worker's current state. Safe from any goroutine.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Cooldown && !w.now().Before(w.cooldownUntil) {
		return Idle
	}
	return w.state
}

// LastOutcome returns the most recent finished session, if any.
func (w *Worker) LastOutcome() *Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Worker) inCooldown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Before(w.cooldownUntil)
}

// Run reads frames until ctx is cancelled or a finite source ends. Source
// failures are retried with exponential backoff; model failures pause the
// loop on the same schedule. Neither terminates the worker.
func (w *Worker) Run(ctx context.Context) error {
	defer w.logSummary()

	every := w.Settings.ProcessEveryN
	if every < 1 {
		every = 1
	}
	var (
		frames int
		bo     backoff.BackOff
	)
	retry := func() backoff.BackOff {
		if bo == nil {
			bo = backoff.WithContext(w.NewBackOff(), ctx)
		}
		return bo
	}

	w.Logger.Info("Worker started",
		zap.Int("process_every_n", every),
		zap.Duration("capture", w.Settings.CaptureDuration),
		zap.Duration("cooldown", w.Settings.Cooldown),
		zap.Float64("min_quality", w.Settings.MinQuality))

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := w.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			w.Logger.Info("Source ended", zap.Int("frames", frames))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := w.reconnect(ctx, retry(), err); err != nil {
				return nil
			}
			continue
		}

		frames++
		if frames%every != 0 || w.inCooldown() {
			continue
		}

		_, err = w.ProcessFrame(ctx, frame)
		switch {
		case err == nil:
			if bo != nil {
				bo.Reset()
			}
		case ctx.Err() != nil:
			return nil
		default:
			var se *SourceError
			if errors.As(err, &se) {
				if err := w.reconnect(ctx, retry(), se.Err); err != nil {
					return nil
				}
				continue
			}
			w.Logger.Error("Model backend failed", zap.Error(err))
			if !w.pause(ctx, retry()) {
				return nil
			}
		}
	}
}

func (w *Worker) reconnect(ctx context.Context, b backoff.BackOff, cause error) error {
	w.setState(Idle)
	w.Logger.Warn("Lost connection. Reconnecting...", zap.Error(cause))
	return backoff.RetryNotify(func() error {
		return w.Source.Reconnect(ctx)
	}, b, func(err error, next time.Duration) {
		w.Logger.Warn("Reconnect failed", zap.Error(err), zap.Duration("retry_in", next))
	})
}

func (w *Worker) pause(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ProcessFrame offers one sampled frame to the fast detector and, on a
// qualifying detection, runs a complete session. It returns nil, nil when
// nothing was detected. A *SourceError means the session was discarded
// because the source failed mid-capture; any other error is a model backend
// failure, reported after the session has been closed as Error.
func (w *Worker) ProcessFrame(ctx context.Context, frame image.Image) (*Outcome, error) {
	trigger := w.prep.Pair(frame)

	t0 := w.now()
	det, ok, err := w.Models.Fast.Detect(ctx, trigger.Lowres)
	detection := w.now().Sub(t0)
	w.Stats.ObserveDetection(detection)
	if err != nil {
		return nil, fmt.Errorf("fast detector: %w", err)
	}
	if !ok || det.Confidence < w.Settings.MinDetection {
		return nil, nil
	}

	w.setState(Detected)
	w.Logger.Info("Face detected! Starting capture...", zap.Float64("confidence", det.Confidence))

	// Capture
	w.setState(Capturing)
	t0 = w.now()
	session, read, err := w.capturer.Capture(ctx, trigger)
	if err != nil {
		w.setState(Idle)
		return nil, &SourceError{Err: err}
	}
	out := &Outcome{
		SessionID: session.ID,
		Camera:    w.Camera,
		StartedAt: session.StartedAt,
		Frames:    len(session.Frames),
		Timings:   Timings{Detection: detection, Capture: w.now().Sub(t0)},
	}
	w.Logger.Debug("Capture complete",
		zap.String("session", session.ID),
		zap.Int("read", read),
		zap.Int("kept", len(session.Frames)))

	// Score
	t0 = w.now()
	ranking, err := capture.Rank(ctx, w.scorer, session, w.Settings.SkipStart, w.Settings.SkipEnd)
	out.Timings.Scoring = w.now().Sub(t0)
	if err != nil {
		out.State, out.Err = Error, fmt.Errorf("scoring: %w", err)
		w.finish(ctx, out)
		return out, out.Err
	}
	w.setState(Scored)
	out.Best = ranking.Best
	out.Scored = len(ranking.Frames)
	out.Fallback = ranking.Fallback

	if ranking.NoFace() {
		out.State, out.Reason = GatedOut, ReasonNoFace
		if ranking.Verdicts[quality.LowConfidence] > 0 {
			out.Reason = ReasonLowConfidence
		}
		w.finish(ctx, out)
		return out, nil
	}
	if ranking.Best.Total < w.Settings.MinQuality {
		out.State, out.Reason = GatedOut, ReasonLowQuality
		w.finish(ctx, out)
		return out, nil
	}

	// Fuse and identify
	w.setState(Fusing)
	t0 = w.now()
	res, err := fusion.Fuse(ctx, w.Models.Extractor, ranking.Frames, w.Settings.Fusion)
	if errors.Is(err, fusion.ErrNoValidFrames) {
		out.Timings.Recognition = w.now().Sub(t0)
		out.State, out.Reason = Rejected, ReasonNoValidFrames
		out.Fusion = &res
		w.finish(ctx, out)
		return out, nil
	}
	if err != nil {
		out.Timings.Recognition = w.now().Sub(t0)
		out.State, out.Err = Error, fmt.Errorf("fusion: %w", err)
		w.finish(ctx, out)
		return out, out.Err
	}
	out.Fusion = &res

	identity, err := w.Identifier.Identify(ctx, types.IdentifyRequest{
		Embedding: res.Embedding,
		Image:     res.Frame,
		BBox:      res.BBox,
	})
	out.Timings.Recognition = w.now().Sub(t0)
	if err != nil {
		// The service being down must not stop the camera.
		out.State, out.Err = Error, fmt.Errorf("identify: %w", err)
		w.finish(ctx, out)
		return out, nil
	}
	out.State = Sent
	out.Identity = &identity
	w.finish(ctx, out)
	return out, nil
}

// finish closes a session: cooldown starts, stats and sinks are updated.
func (w *Worker) finish(ctx context.Context, out *Outcome) {
	t := &out.Timings
	t.Total = t.Detection + t.Capture + t.Scoring + t.Recognition

	w.mu.Lock()
	w.state = Cooldown
	w.cooldownUntil = w.now().Add(w.Settings.Cooldown)
	w.last = out
	w.mu.Unlock()

	w.Stats.Record(*out)
	w.logOutcome(out)

	if w.Recorder != nil {
		if err := w.Recorder.RecordSession(ctx, *out); err != nil {
			w.Logger.Warn("Failed to record session", zap.String("session", out.SessionID), zap.Error(err))
		}
	}
	if w.Events != nil {
		w.Events.Publish(*out)
	}
}

func (w *Worker) logOutcome(out *Outcome) {
	fields := []zap.Field{
		zap.String("session", out.SessionID),
		zap.Stringer("state", out.State),
		zap.Float64("best", out.Best.Total),
		zap.Int("frames", out.Frames),
		zap.Int("scored", out.Scored),
		zap.Duration("total", out.Timings.Total),
	}
	switch out.State {
	case Sent:
		id := out.Identity
		fields = append(fields,
			zap.String("status", id.Status),
			zap.Int("customer_id", id.CustomerID),
			zap.Int("visit_count", id.VisitCount),
			zap.Float64("similarity", id.Similarity))
		if out.Fusion != nil {
			fields = append(fields, zap.Int("fused", len(out.Fusion.Contributions)))
		}
		w.Logger.Info("Visitor identified", fields...)
	case GatedOut, Rejected:
		fields = append(fields, zap.String("reason", string(out.Reason)))
		if out.Fusion != nil {
			for reason, n := range out.Fusion.Skipped {
				fields = append(fields, zap.Int("skipped_"+string(reason), n))
			}
		}
		w.Logger.Warn("Session rejected", fields...)
	case Error:
		fields = append(fields, zap.Error(out.Err))
		w.Logger.Error("Session failed", fields...)
	}
}

func (w *Worker) logSummary() {
	s := w.Stats.Snapshot()
	fields := []zap.Field{
		zap.Int("detections", s.Detections),
		zap.Int("new", s.New),
		zap.Int("returning", s.Returning),
		zap.Int("visitors", s.Visitors()),
		zap.Int("gated_out", s.GatedOut),
		zap.Int("rejected", s.Rejected),
		zap.Int("errors", s.Errors),
		zap.Int("frames_captured", s.FramesCaptured),
		zap.Int("frames_scored", s.FramesScored),
	}
	for _, key := range []string{"detection", "capture", "scoring", "recognition", "total"} {
		if v, ok := s.Timings[key]; ok {
			fields = append(fields, zap.Float64(key+"_ms", v))
		}
	}
	w.Logger.Info("Session summary", fields...)
}
