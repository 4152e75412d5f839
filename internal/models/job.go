package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a unit of work owned by a named queue. Producers only append jobs;
// state transitions belong to the queue.
type Job struct {
	ID        int64           `json:"id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	State     JobState        `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v and validates it when v
// implements Validate.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: job %d on %s: %v", ErrInvalidPayload, j.ID, j.Queue, err)
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		return val.Validate()
	}
	return nil
}

// QueueStats counts the jobs of one queue per state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Trigger is the payload of pipeline-start jobs.
type Trigger struct {
	Reason      string    `json:"reason"` // "schedule", "api", "cli", ...
	RequestedAt time.Time `json:"requested_at"`
	// Datasets restricts an import to the named datasets. Empty means all.
	Datasets []string `json:"datasets,omitempty"`
}

// NewTrigger stamps a trigger with the current time.
func NewTrigger(reason string) Trigger {
	return Trigger{Reason: reason, RequestedAt: time.Now().UTC()}
}
