package detector

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-mirror/internal/config"
)

// New builds the backend selected by cfg. name labels the owning stream in
// logs and worker metrics.
func New(ctx context.Context, cfg config.PoseConfig, name string) (Detector, error) {
	switch cfg.Backend {
	case config.BackendSubprocess:
		return StartSubprocess(ctx, SubprocessConfig{
			Name:           name,
			Command:        cfg.WorkerCommand,
			Args:           cfg.WorkerArgs,
			RequestTimeout: cfg.RequestTimeout(),
		})
	case config.BackendONNX:
		return NewONNX(ONNXConfig{
			Name:        name,
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.ONNXLibrary,
			Threads:     cfg.Threads,
		})
	case config.BackendScripted:
		return NewStanding(), nil
	}
	return nil, fmt.Errorf("detector: unknown backend %q", cfg.Backend)
}
