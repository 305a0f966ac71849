package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMatrixIntegrity removes admin rows from the permission matrix.
	TaskMatrixIntegrity = "rbac:matrix-integrity"
	// TaskPartnerRegistered announces a partner awaiting activation.
	TaskPartnerRegistered = "partners:registered"
)

// MatrixIntegrityPayload carries the trigger of an integrity run.
type MatrixIntegrityPayload struct {
	Trigger string `json:"trigger"`
}

// PartnerRegisteredPayload describes a newly registered partner.
type PartnerRegisteredPayload struct {
	PartnerID    int64  `json:"partner_id"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`
}

// NewMatrixIntegrityTask constructs an integrity task.
func NewMatrixIntegrityTask(trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "cron"
	}
	data, err := json.Marshal(MatrixIntegrityPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMatrixIntegrity, data), nil
}

// NewPartnerRegisteredTask constructs a registration notice.
func NewPartnerRegisteredTask(payload PartnerRegisteredPayload) (*asynq.Task, error) {
	if payload.PartnerID <= 0 {
		return nil, fmt.Errorf("jobs: partner id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPartnerRegistered, data), nil
}
