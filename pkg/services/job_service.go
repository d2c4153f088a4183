package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/models"
)

// JobService manages the inference job queue: creation, the atomic claim,
// and the guarded terminal transitions.
type JobService struct {
	client *database.Client
}

// NewJobService creates a new JobService.
func NewJobService(client *database.Client) *JobService {
	return &JobService{client: client}
}

// CreateTranscribe inserts a pending transcribe job for an audio file.
func (s *JobService) CreateTranscribe(ctx context.Context, audioPath string, submissionID *string, metadata map[string]any, provider string) (*models.Job, error) {
	if audioPath == "" {
		return nil, NewValidationError("audio_path", "required")
	}
	job := &models.Job{
		JobType:       models.JobTranscribe,
		Status:        models.JobPending,
		Provider:      provider,
		InputFilePath: &audioPath,
		SubmissionID:  submissionID,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.client.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create transcribe job: %w", err)
	}
	return job, nil
}

// CreateSummarize inserts a pending summarize job for a text body.
func (s *JobService) CreateSummarize(ctx context.Context, text string, submissionID *string, metadata map[string]any, provider string) (*models.Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewValidationError("text", "required")
	}
	job := &models.Job{
		JobType:      models.JobSummarize,
		Status:       models.JobPending,
		Provider:     provider,
		InputText:    &text,
		SubmissionID: submissionID,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.client.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create summarize job: %w", err)
	}
	return job, nil
}

// CreateAnalyzeChunk inserts a pending analyze_chunk job for a stream chunk
// and atomically links the chunk to the new job.
//
// Guards: the chunk must exist and have a non-whitespace transcript. If the
// chunk is already linked to an analysis job that is pending, processing, or
// completed, the call fails with ErrConflict. A failed analysis job may be
// replaced.
func (s *JobService) CreateAnalyzeChunk(ctx context.Context, chunkID int64, sessionID string, metadata map[string]any, provider string) (*models.Job, error) {
	var job *models.Job
	err := s.client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chunk models.StreamChunk
		if err := tx.First(&chunk, "id = ?", chunkID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("chunk %d: %w", chunkID, ErrNotFound)
			}
			return fmt.Errorf("failed to load chunk: %w", err)
		}

		transcript := chunk.Transcript
		if strings.TrimSpace(transcript) == "" {
			return fmt.Errorf("chunk %d has an empty transcript: %w", chunkID, ErrInvalidInput)
		}

		if chunk.AnalysisJobID != nil {
			var existing models.Job
			if err := tx.First(&existing, "id = ?", *chunk.AnalysisJobID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to load existing analysis job: %w", err)
			} else if err == nil {
				switch existing.Status {
				case models.JobPending, models.JobProcessing:
					return fmt.Errorf("chunk %d already has analysis job %d in flight: %w", chunkID, existing.ID, ErrConflict)
				case models.JobCompleted:
					return fmt.Errorf("chunk %d is already analyzed by job %d: %w", chunkID, existing.ID, ErrConflict)
				case models.JobFailed:
					// Replaceable: the new job takes over the link.
				}
			}
		}

		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["sessionId"] = sessionID
		metadata["chunkId"] = chunkID

		job = &models.Job{
			JobType:   models.JobAnalyzeChunk,
			Status:    models.JobPending,
			Provider:  provider,
			InputText: &transcript,
			Metadata:  metadata,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create analyze_chunk job: %w", err)
		}

		if err := tx.Model(&models.StreamChunk{}).
			Where("id = ?", chunkID).
			Update("analysis_job_id", job.ID).Error; err != nil {
			return fmt.Errorf("failed to link chunk to analysis job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext atomically claims the oldest pending job, transitioning it to
// processing with started_at set. Returns nil when the queue is empty.
//
// The claim is a single UPDATE whose target row is selected by subquery, so
// concurrent claimers can never win the same job: FIFO by created_at, then id.
func (s *JobService) ClaimNext(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()

	var claimedID int64
	res := s.client.WithContext(ctx).Raw(`
		UPDATE jobs
		SET status = ?, started_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		) AND status = ?
		RETURNING id`,
		models.JobProcessing, now, models.JobPending, models.JobPending,
	).Scan(&claimedID)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	return s.Get(ctx, claimedID)
}

// Complete transitions a processing job to completed. A no-op (with a
// warning) if the job is not in processing, typically because the
// HealthMonitor already finalized it.
func (s *JobService) Complete(ctx context.Context, jobID int64, outputText, model string, timeMs int64, confidence *float64, rawResponse, rawResponseType *string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":             models.JobCompleted,
		"output_text":        outputText,
		"model_used":         model,
		"processing_time_ms": timeMs,
		"completed_at":       now,
	}
	if confidence != nil {
		updates["confidence"] = *confidence
	}
	if rawResponse != nil {
		updates["raw_response"] = *rawResponse
	}
	if rawResponseType != nil {
		updates["raw_response_type"] = *rawResponseType
	}

	res := s.client.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		slog.Warn("Complete ignored: job is not processing", "job_id", jobID)
	}
	return nil
}

// Fail transitions a processing job to failed under the same guard as
// Complete.
func (s *JobService) Fail(ctx context.Context, jobID int64, errorMessage string) error {
	now := time.Now().UTC()
	res := s.client.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(map[string]any{
			"status":        models.JobFailed,
			"error_message": errorMessage,
			"completed_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fail job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		slog.Warn("Fail ignored: job is not processing", "job_id", jobID)
	}
	return nil
}

// Heartbeat records streaming progress: last_heartbeat is set to now and
// heartbeat_count to the cumulative token count. Guarded like Complete and
// Fail so a late heartbeat cannot touch a job the HealthMonitor already
// finalized.
func (s *JobService) Heartbeat(ctx context.Context, jobID int64, tokenCount int) error {
	res := s.client.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(map[string]any{
			"last_heartbeat":  time.Now().UTC(),
			"heartbeat_count": tokenCount,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record heartbeat for job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		slog.Warn("Heartbeat ignored: job is not processing", "job_id", jobID)
	}
	return nil
}

// MarkModelVerified records that the provider confirmed the required model is
// loaded before work started.
func (s *JobService) MarkModelVerified(ctx context.Context, jobID int64) error {
	if err := s.client.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Update("model_verified", true).Error; err != nil {
		return fmt.Errorf("failed to mark job %d model-verified: %w", jobID, err)
	}
	return nil
}

// Get returns a job by id, or ErrNotFound.
func (s *JobService) Get(ctx context.Context, jobID int64) (*models.Job, error) {
	var job models.Job
	if err := s.client.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// ListBySubmission returns all jobs linked to a submission, oldest first.
func (s *JobService) ListBySubmission(ctx context.Context, submissionID string) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.client.WithContext(ctx).
		Where("audio_file_id = ?", submissionID).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs for submission %s: %w", submissionID, err)
	}
	return jobs, nil
}

// ListRecent returns the n most recently created jobs, newest first.
func (s *JobService) ListRecent(ctx context.Context, n int) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.client.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	return jobs, nil
}

// ListStuck returns processing jobs whose heartbeat (or start, if they never
// beat) is older than their timeout as of now. Jobs without an explicit
// timeout_seconds fall back to defaultTimeout.
func (s *JobService) ListStuck(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.client.WithContext(ctx).
		Where("status = ?", models.JobProcessing).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	stuck := jobs[:0]
	for _, j := range jobs {
		timeout := j.Timeout(defaultTimeout)
		switch {
		case j.LastHeartbeat != nil:
			if now.Sub(*j.LastHeartbeat) > timeout {
				stuck = append(stuck, j)
			}
		case j.StartedAt != nil:
			if now.Sub(*j.StartedAt) > timeout {
				stuck = append(stuck, j)
			}
		}
	}
	return stuck, nil
}

// ListProcessing returns all jobs currently in processing state.
func (s *JobService) ListProcessing(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.client.WithContext(ctx).
		Where("status = ?", models.JobProcessing).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	return jobs, nil
}

// QueueStatus derives aggregate queue statistics in one query.
func (s *JobService) QueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	var status models.QueueStatus
	err := s.client.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			AVG(CASE WHEN status = 'completed' THEN processing_time_ms END) AS avg_processing_ms
		FROM jobs`).Scan(&status).Error
	if err != nil {
		return nil, fmt.Errorf("failed to derive queue status: %w", err)
	}
	return &status, nil
}

// DeleteBySubmission unconditionally removes all jobs linked to a submission.
func (s *JobService) DeleteBySubmission(ctx context.Context, submissionID string) error {
	if err := s.client.WithContext(ctx).
		Where("audio_file_id = ?", submissionID).
		Delete(&models.Job{}).Error; err != nil {
		return fmt.Errorf("failed to delete jobs for submission %s: %w", submissionID, err)
	}
	return nil
}
