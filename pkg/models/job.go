package models

import (
	"fmt"
	"time"
)

// JobType is the kind of inference work a job performs.
type JobType string

// Supported job types.
const (
	JobTranscribe   JobType = "transcribe"
	JobSummarize    JobType = "summarize"
	JobAnalyzeChunk JobType = "analyze_chunk"
)

// Validate returns an error if the job type is not a known value.
func (t JobType) Validate() error {
	switch t {
	case JobTranscribe, JobSummarize, JobAnalyzeChunk:
		return nil
	}
	return fmt.Errorf("invalid job type: %q", t)
}

// JobStatus is the lifecycle state of a job. Transitions are one-way:
// pending → processing → completed | failed. No resurrection.
type JobStatus string

// Job lifecycle states.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// DefaultJobTimeoutSeconds is applied when a job row has no explicit timeout.
const DefaultJobTimeoutSeconds = 300

// Job is a single unit of inference work. Exactly one of InputFilePath and
// InputText is set, depending on the job type. SubmissionID links the job to
// the audio submission it serves (column kept as audio_file_id for the
// cascaded-delete path).
type Job struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobType          JobType        `gorm:"column:job_type" json:"jobType"`
	Status           JobStatus      `gorm:"column:status" json:"status"`
	Provider         string         `gorm:"column:provider" json:"provider"`
	InputFilePath    *string        `gorm:"column:input_file_path" json:"inputFilePath,omitempty"`
	InputText        *string        `gorm:"column:input_text" json:"-"`
	OutputText       *string        `gorm:"column:output_text" json:"-"`
	ErrorMessage     *string        `gorm:"column:error_message" json:"errorMessage,omitempty"`
	SubmissionID     *string        `gorm:"column:audio_file_id" json:"submissionId,omitempty"`
	Metadata         map[string]any `gorm:"column:metadata;serializer:json" json:"metadata,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"createdAt"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
	ProcessingTimeMs *int64         `gorm:"column:processing_time_ms" json:"processingTimeMs,omitempty"`
	ModelUsed        *string        `gorm:"column:model_used" json:"modelUsed,omitempty"`
	Confidence       *float64       `gorm:"column:confidence" json:"confidence,omitempty"`
	RawResponse      *string        `gorm:"column:raw_response" json:"-"`
	RawResponseType  *string        `gorm:"column:raw_response_type" json:"-"`
	LastHeartbeat    *time.Time     `gorm:"column:last_heartbeat" json:"lastHeartbeat,omitempty"`
	HeartbeatCount   int            `gorm:"column:heartbeat_count" json:"heartbeatCount"`
	ModelVerified    bool           `gorm:"column:model_verified" json:"modelVerified"`
	TimeoutSeconds   *int           `gorm:"column:timeout_seconds" json:"timeoutSeconds,omitempty"`
}

// TableName implements gorm's Tabler interface.
func (Job) TableName() string { return "jobs" }

// Timeout returns the effective timeout for stuck-job detection: the job's
// own timeout_seconds when set, otherwise def, otherwise the built-in
// default.
func (j *Job) Timeout(def time.Duration) time.Duration {
	if j.TimeoutSeconds != nil && *j.TimeoutSeconds > 0 {
		return time.Duration(*j.TimeoutSeconds) * time.Second
	}
	if def > 0 {
		return def
	}
	return DefaultJobTimeoutSeconds * time.Second
}

// QueueStatus is the aggregate view of the job table used by the dashboard
// and the initial_state event.
type QueueStatus struct {
	Total           int64    `json:"total"`
	Pending         int64    `json:"pending"`
	Processing      int64    `json:"processing"`
	Completed       int64    `json:"completed"`
	Failed          int64    `json:"failed"`
	AvgProcessingMs *float64 `json:"avgProcessingMs,omitempty"`
}
