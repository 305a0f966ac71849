package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
)

// MatrixPurger removes stray admin rows from the permission matrix.
type MatrixPurger interface {
	PurgeTopRoleRows(ctx context.Context) (int64, error)
}

// MatrixIntegrityJob enforces that the admin role never has matrix rows.
type MatrixIntegrityJob struct {
	purger  MatrixPurger
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewMatrixIntegrityJob constructs the job. metrics may be nil.
func NewMatrixIntegrityJob(purger MatrixPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *MatrixIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixIntegrityJob{purger: purger, logger: logger, metrics: metrics}
}

// Handle processes TaskMatrixIntegrity tasks.
func (j *MatrixIntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload MatrixIntegrityPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
		}
	}
	tracker := j.metrics.Track(TaskMatrixIntegrity)
	removed, err := j.purger.PurgeTopRoleRows(ctx)
	if err != nil {
		j.logger.Error("matrix integrity check failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics.AddPurged(removed)
	j.logger.Info("matrix integrity check executed",
		slog.String("job", TaskMatrixIntegrity),
		slog.String("trigger", payload.Trigger),
		slog.Int64("removed", removed))
	return tracker.End(nil)
}
