package inference

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/worker"
)

// NewFactory returns the model factory for the configured backend. Every
// call of the factory yields handles private to one camera: a new HTTP
// client, or a new inference subprocess.
func NewFactory(cfg config.Inference) (pipeline.ModelFactory, error) {
	switch cfg.Backend {
	case config.BackendHTTP, "":
		return func(ctx context.Context, cam config.Camera) (pipeline.Models, error) {
			c := NewClient(cfg.URL)
			if err := c.Health(ctx); err != nil {
				return pipeline.Models{}, fmt.Errorf("camera %s: %w", cam.ID, err)
			}
			return pipeline.Models{Fast: c, Landmarks: c, Extractor: c}, nil
		}, nil

	case config.BackendSubprocess:
		var next atomic.Int32
		return func(ctx context.Context, cam config.Camera) (pipeline.Models, error) {
			e, err := worker.NewEngine(int(next.Add(1)), cfg.Command)
			if err != nil {
				return pipeline.Models{}, fmt.Errorf("camera %s: %w", cam.ID, err)
			}
			return pipeline.Models{Fast: e, Landmarks: e, Extractor: e, Closer: e}, nil
		}, nil
	}
	return nil, fmt.Errorf("invalid inference backend %q", cfg.Backend)
}
