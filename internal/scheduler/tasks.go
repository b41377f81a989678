// Package scheduler runs the reconciliation jobs over asynq: a daily
// periodic pass plus on-demand passes enqueued through the admin endpoint.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskReconcile = "backfill.reconcile"

// ReconcilePayload carries the reconciliation window. Empty dates mean the
// worker derives the window from the configured lookback at execution time,
// which is how the periodic task stays fresh across days.
type ReconcilePayload struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

const payloadDateFormat = "2006-01-02"

// NewReconcileTask builds a reconcile task for an explicit window.
func NewReconcileTask(start, end time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{
		StartDate: start.Format(payloadDateFormat),
		EndDate:   end.Format(payloadDateFormat),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, data), nil
}

// NewPeriodicReconcileTask builds the scheduled task with no fixed window.
func NewPeriodicReconcileTask() (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, data), nil
}

// ParseReconcilePayload decodes the task payload and resolves the window.
// When the payload carries no dates the window is [now-lookback, now).
func ParseReconcilePayload(task *asynq.Task, lookback time.Duration) (time.Time, time.Time, error) {
	var payload ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return time.Time{}, time.Time{}, err
	}

	if payload.StartDate == "" || payload.EndDate == "" {
		end := time.Now().UTC()
		return end.Add(-lookback), end, nil
	}

	start, err := time.Parse(payloadDateFormat, payload.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(payloadDateFormat, payload.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}
