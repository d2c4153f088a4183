package models

import (
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a live broadcast session.
type SessionStatus string

// Session lifecycle states. "ended" is terminal.
const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// StreamSession is one live broadcast period, 1:1 with a streaming submission.
type StreamSession struct {
	ID              string        `gorm:"column:id;primaryKey" json:"id"`
	SubmissionID    string        `gorm:"column:submission_id" json:"submissionId"`
	Title           *string       `gorm:"column:title" json:"title,omitempty"`
	Status          SessionStatus `gorm:"column:status" json:"status"`
	StartedAt       time.Time     `gorm:"column:started_at" json:"startedAt"`
	EndedAt         *time.Time    `gorm:"column:ended_at" json:"endedAt,omitempty"`
	TotalDurationMs *int64        `gorm:"column:total_duration_ms" json:"totalDurationMs,omitempty"`
	ChunkCount      int           `gorm:"column:chunk_count" json:"chunkCount"`
}

// TableName implements gorm's Tabler interface.
func (StreamSession) TableName() string { return "stream_sessions" }

// StreamChunk is one finalized utterance within a session. (session_id,
// chunk_index) is unique and dense from 0. WordCount is computed at creation
// time and never mutated.
type StreamChunk struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SessionID     string    `gorm:"column:session_id" json:"sessionId"`
	ChunkIndex    int       `gorm:"column:chunk_index" json:"chunkIndex"`
	Speaker       *int      `gorm:"column:speaker" json:"speaker,omitempty"`
	Transcript    string    `gorm:"column:transcript" json:"transcript"`
	Confidence    *float64  `gorm:"column:confidence" json:"confidence,omitempty"`
	StartTimeMs   int64     `gorm:"column:start_time_ms" json:"startTimeMs"`
	EndTimeMs     int64     `gorm:"column:end_time_ms" json:"endTimeMs"`
	WordCount     int       `gorm:"column:word_count" json:"wordCount"`
	AnalysisJobID *int64    `gorm:"column:analysis_job_id" json:"analysisJobId,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"createdAt"`
}

// TableName implements gorm's Tabler interface.
func (StreamChunk) TableName() string { return "stream_chunks" }

// ChunkWithAnalysis pairs a chunk with its analysis job, if any. Used by the
// joined replay queries.
type ChunkWithAnalysis struct {
	Chunk    StreamChunk `json:"chunk"`
	Analysis *Job        `json:"analysis,omitempty"`
}

// CountWords counts whitespace-separated non-empty tokens. This is the
// canonical word count stored on chunks at creation time.
func CountWords(transcript string) int {
	return len(strings.Fields(transcript))
}
