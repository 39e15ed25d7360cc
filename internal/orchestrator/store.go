package orchestrator

import (
	"context"
	"time"

	"github.com/projectlib/projectlib/internal/models"
)

// Store is the persistence bridge the orchestrator writes status snapshots
// through. Last-writer-wins per key; no transactional guarantees expected.
type Store interface {
	LoadRunStatuses(ctx context.Context) ([]models.RunState, error)
	SaveRunStatus(ctx context.Context, state models.RunState) error
	ListRunConfigurations(ctx context.Context, projectID string) ([]models.RunConfiguration, error)
	SaveRunConfiguration(ctx context.Context, cfg models.RunConfiguration) error
	UpdateRunOutcome(ctx context.Context, runID string, exitCode int, finishedAt time.Time) error
}
