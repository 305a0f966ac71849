package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
)

// PartnerNoticeJob tells the back office about partners awaiting activation.
type PartnerNoticeJob struct {
	recipient string
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewPartnerNoticeJob constructs the job.
func NewPartnerNoticeJob(recipient string, logger *slog.Logger, metrics *jobmetrics.Metrics) *PartnerNoticeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PartnerNoticeJob{recipient: recipient, logger: logger, metrics: metrics}
}

// Handle processes TaskPartnerRegistered tasks.
func (j *PartnerNoticeJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload PartnerRegisteredPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
	}
	tracker := j.metrics.Track(TaskPartnerRegistered)
	if payload.PartnerID <= 0 {
		return tracker.End(fmt.Errorf("%w: partner id missing", asynq.SkipRetry))
	}
	// TODO: deliver through the mail relay once SMTP settings are configurable.
	j.logger.Info("partner awaiting activation",
		slog.String("recipient", j.recipient),
		slog.Int64("partner_id", payload.PartnerID),
		slog.String("name", payload.Name),
		slog.String("contact_email", payload.ContactEmail))
	return tracker.End(nil)
}
