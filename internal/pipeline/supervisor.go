package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/logging"
)

// SourceOpener opens the frame source of one camera.
type SourceOpener func(ctx context.Context, cam config.Camera) (capture.FrameSource, error)

// Supervisor runs one Worker per enabled face camera. Workers share nothing
// but the identification client and the sinks.
type Supervisor struct {
	Config     *config.Config
	Models     ModelFactory
	Open       SourceOpener
	Identifier IdentificationService
	Recorder   Recorder
	Events     Publisher
	Logger     *zap.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	names   map[string]string
}

// CameraStatus is the live view of one worker.
type CameraStatus struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	State   State         `json:"state"`
	Stats   StatsSnapshot `json:"stats"`
	Session string        `json:"last_session,omitempty"`
}

// Run starts every worker and blocks until all of them have returned. A
// camera whose models or source cannot be opened is logged and skipped; Run
// only fails when no camera could start.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cams := s.Config.EnabledFaceCameras()
	if len(cams) == 0 {
		return errors.New("no enabled face_recognition cameras configured")
	}

	s.mu.Lock()
	s.workers = make(map[string]*Worker, len(cams))
	s.names = make(map[string]string, len(cams))
	s.mu.Unlock()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		errs    []error
		started int
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, cam := range cams {
		camLog := logging.ForCamera(logger, cam.ID, cam.Name)
		w, err := s.start(ctx, cam, camLog)
		if err != nil {
			camLog.Error("Camera failed to start", zap.Error(err))
			fail(fmt.Errorf("camera %s: %w", cam.ID, err))
			continue
		}
		started++

		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			defer func() {
				if err := w.Source.Close(); err != nil {
					w.Logger.Warn("Failed to close source", zap.Error(err))
				}
				if err := w.Models.Close(); err != nil {
					w.Logger.Warn("Failed to release models", zap.Error(err))
				}
			}()
			if err := w.Run(logging.ContextWithLogger(ctx, w.Logger)); err != nil {
				fail(fmt.Errorf("camera %s: %w", w.Camera, err))
			}
		}(w)
	}

	if started == 0 {
		return errors.Join(errs...)
	}
	logger.Info("Supervisor started", zap.Int("cameras", started), zap.Int("failed", len(cams)-started))

	wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) start(ctx context.Context, cam config.Camera, logger *zap.Logger) (*Worker, error) {
	models, err := s.Models(ctx, cam)
	if err != nil {
		return nil, fmt.Errorf("loading models: %w", err)
	}
	src, err := s.Open(ctx, cam)
	if err != nil {
		models.Close()
		return nil, fmt.Errorf("opening source %s: %w", cam.Source(), err)
	}

	w := NewWorker(cam.ID, src, models, s.Identifier, SettingsFor(s.Config, cam), logger)
	w.Recorder = s.Recorder
	w.Events = s.Events

	s.mu.Lock()
	s.workers[cam.ID] = w
	s.names[cam.ID] = cam.Name
	s.mu.Unlock()
	return w, nil
}

// Status reports every running worker, ordered by camera ID.
func (s *Supervisor) Status() []CameraStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CameraStatus, 0, len(s.workers))
	for id, w := range s.workers {
		st := CameraStatus{ID: id, Name: s.names[id], State: w.State(), Stats: w.Stats.Snapshot()}
		if last := w.LastOutcome(); last != nil {
			st.Session = last.SessionID
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
