// Package models defines the persistent entities shared across services:
// audio submissions, inference jobs, stream sessions, and stream chunks.
package models

import (
	"fmt"
	"time"
)

// SubmissionStatus is the lifecycle state of an audio submission.
type SubmissionStatus string

// Submission lifecycle states. Uploaded files move pending → transcribing →
// summarizing → completed/failed; live captures move streaming → completed/failed.
const (
	SubmissionPending      SubmissionStatus = "pending"
	SubmissionTranscribing SubmissionStatus = "transcribing"
	SubmissionSummarizing  SubmissionStatus = "summarizing"
	SubmissionStreaming    SubmissionStatus = "streaming"
	SubmissionCompleted    SubmissionStatus = "completed"
	SubmissionFailed       SubmissionStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionCompleted || s == SubmissionFailed
}

// Validate returns an error if the status is not a known value.
func (s SubmissionStatus) Validate() error {
	switch s {
	case SubmissionPending, SubmissionTranscribing, SubmissionSummarizing,
		SubmissionStreaming, SubmissionCompleted, SubmissionFailed:
		return nil
	}
	return fmt.Errorf("invalid submission status: %q", s)
}

// Submission is one audio artifact tracked from upload or capture through
// analysis. FilePath, when set, points at a file the system exclusively owns;
// deleting the submission deletes the file.
type Submission struct {
	ID               string           `gorm:"column:id;primaryKey" json:"id"`
	Filename         string           `gorm:"column:filename" json:"filename"`
	OriginalFilename string           `gorm:"column:original_filename" json:"originalFilename"`
	FilePath         *string          `gorm:"column:file_path" json:"filePath,omitempty"`
	MimeType         string           `gorm:"column:mime_type" json:"mimeType"`
	SizeBytes        int64            `gorm:"column:size_bytes" json:"sizeBytes"`
	DurationSeconds  *float64         `gorm:"column:duration_seconds" json:"durationSeconds,omitempty"`
	Status           SubmissionStatus `gorm:"column:status" json:"status"`
	ErrorMessage     *string          `gorm:"column:error_message" json:"errorMessage,omitempty"`
	Metadata         map[string]any   `gorm:"column:metadata;serializer:json" json:"metadata,omitempty"`
	CreatedAt        time.Time        `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time        `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName implements gorm's Tabler interface.
func (Submission) TableName() string { return "audio_submissions" }
