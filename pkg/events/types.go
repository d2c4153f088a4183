// Package events delivers job lifecycle events to WebSocket subscribers.
//
// Every subscriber receives a single initial_state event on connect (the most
// recent jobs plus current queue statistics), then live job_created,
// job_claimed, job_progress, job_completed, job_failed, and queue_status
// events as the Processor works the queue. Delivery is best-effort: a slow
// subscriber is dropped rather than ever stalling a producer.
package events

import (
	"time"

	"github.com/scribehub/scribed/pkg/models"
)

// Event type tags carried in every payload's "type" field.
const (
	EventTypeInitialState = "initial_state"
	EventTypeJobCreated   = "job_created"
	EventTypeJobClaimed   = "job_claimed"
	EventTypeJobProgress  = "job_progress"
	EventTypeJobCompleted = "job_completed"
	EventTypeJobFailed    = "job_failed"
	EventTypeQueueStatus  = "queue_status"
)

// JobSummary carries a job's summary fields. Bulk text bodies (transcripts,
// summaries, raw responses) never ride on the event stream to keep frames
// small.
type JobSummary struct {
	ID               int64            `json:"id"`
	JobType          models.JobType   `json:"jobType"`
	Status           models.JobStatus `json:"status"`
	Provider         string           `json:"provider"`
	SubmissionID     *string          `json:"submissionId,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	ProcessingTimeMs *int64           `json:"processingTimeMs,omitempty"`
	Confidence       *float64         `json:"confidence,omitempty"`
	ErrorMessage     *string          `json:"errorMessage,omitempty"`
	HeartbeatCount   int              `json:"heartbeatCount"`
}

// SummarizeJob projects a job row onto its summary fields.
func SummarizeJob(job *models.Job) JobSummary {
	return JobSummary{
		ID:               job.ID,
		JobType:          job.JobType,
		Status:           job.Status,
		Provider:         job.Provider,
		SubmissionID:     job.SubmissionID,
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
		ProcessingTimeMs: job.ProcessingTimeMs,
		Confidence:       job.Confidence,
		ErrorMessage:     job.ErrorMessage,
		HeartbeatCount:   job.HeartbeatCount,
	}
}

// InitialStatePayload is sent once per subscriber on connect.
type InitialStatePayload struct {
	Type   string              `json:"type"`
	Jobs   []JobSummary        `json:"jobs"`
	Status *models.QueueStatus `json:"status"`
}

// JobCreatedPayload announces a newly enqueued job.
type JobCreatedPayload struct {
	Type string     `json:"type"`
	Job  JobSummary `json:"job"`
}

// JobClaimedPayload announces that the Processor claimed a job.
type JobClaimedPayload struct {
	Type      string         `json:"type"`
	JobID     int64          `json:"jobId"`
	JobType   models.JobType `json:"jobType"`
	Provider  string         `json:"provider"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
}

// JobProgressPayload is emitted per heartbeat of a streaming job.
type JobProgressPayload struct {
	Type       string `json:"type"`
	JobID      int64  `json:"jobId"`
	TokenCount int    `json:"tokenCount"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// JobCompletedPayload announces a successful terminal transition.
type JobCompletedPayload struct {
	Type             string     `json:"type"`
	JobID            int64      `json:"jobId"`
	ProcessingTimeMs *int64     `json:"processingTimeMs,omitempty"`
	Confidence       *float64   `json:"confidence,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// JobFailedPayload announces a failed terminal transition.
type JobFailedPayload struct {
	Type         string     `json:"type"`
	JobID        int64      `json:"jobId"`
	ErrorMessage string     `json:"errorMessage"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
}

// QueueStatusPayload carries refreshed queue statistics.
type QueueStatusPayload struct {
	Type   string              `json:"type"`
	Status *models.QueueStatus `json:"status"`
}
