package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Queue names. Plan changes are weighted above catalog housekeeping.
const (
	QueuePlans   = "plans"
	QueueDefault = "default"
)

const (
	// TaskPlanChange applies a tenant plan change published by billing.
	TaskPlanChange = "permissions:plan_change"
	// TaskCatalogReload re-reads the permission catalog seed.
	TaskCatalogReload = "permissions:catalog_reload"
)

// PlanChangePayload describes a tenant's new subscription state.
type PlanChangePayload struct {
	TenantID uuid.UUID `json:"tenant_id"`
	PlanTier string    `json:"plan_tier"`
	AddOns   []string  `json:"add_ons"`
}

// NewPlanChangeTask constructs an Asynq task.
func NewPlanChangeTask(payload PlanChangePayload) (*asynq.Task, error) {
	if payload.TenantID == uuid.Nil {
		return nil, errors.New("jobs: plan change requires a tenant id")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPlanChange, data,
		asynq.Queue(QueuePlans),
		asynq.MaxRetry(10),
		asynq.Timeout(30*time.Second)), nil
}

// NewCatalogReloadTask constructs the periodic catalog reload task.
func NewCatalogReloadTask() *asynq.Task {
	return asynq.NewTask(TaskCatalogReload, nil,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Unique(time.Minute))
}
