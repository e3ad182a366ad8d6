// Package job defines the queue job model shared by the server, the workers
// and the orchestrator, including the closed status enum and its mapping to
// the numeric codes exposed through the API.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Numeric status codes returned by the API. The mapping is total over the
// Status enum; cancelled jobs report as failures, matching what clients
// already expect.
const (
	CodePending = 1
	CodeStarted = 2
	CodeSuccess = 3
	CodeFailure = 4
)

func (s Status) Code() int {
	switch s {
	case StatusPending:
		return CodePending
	case StatusRunning:
		return CodeStarted
	case StatusSucceeded:
		return CodeSuccess
	case StatusFailed, StatusCancelled:
		return CodeFailure
	default:
		return CodeFailure
	}
}

// Terminal reports whether the job can no longer make progress.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

const (
	TypeStoreSnapshot = "store_snapshot"
	TypeExecuteQuery  = "execute_query"
)

type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Queue       string         `json:"queue"`
	Payload     map[string]any `json:"payload"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      string         `json:"result,omitempty"`
}

func New(jobType, queueName string, payload map[string]any) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Queue:       queueName,
		Payload:     payload,
		Status:      StatusPending,
		MaxRetries:  3,
		CreatedAt:   time.Now().UTC(),
		ScheduledAt: time.Now().UTC(),
	}
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, err
	}

	return &j, nil
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so the worker fails the job immediately instead
// of re-enqueueing it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// PayloadString reads a string field from the payload, returning "" when the
// field is absent or not a string.
func (j *Job) PayloadString(key string) string {
	v, _ := j.Payload[key].(string)
	return v
}

// PayloadTime parses an RFC3339 payload field.
func (j *Job) PayloadTime(key string) (time.Time, error) {
	return time.Parse(time.RFC3339, j.PayloadString(key))
}
