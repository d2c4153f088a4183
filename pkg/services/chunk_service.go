package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/models"
)

// ChunkService manages stream sessions and their chunks, including the
// joined replay queries that pair each chunk with its analysis job.
type ChunkService struct {
	client *database.Client
}

// NewChunkService creates a new ChunkService.
func NewChunkService(client *database.Client) *ChunkService {
	return &ChunkService{client: client}
}

// CreateSession inserts an active stream session bound to its submission.
func (s *ChunkService) CreateSession(ctx context.Context, id, submissionID string, title *string) (*models.StreamSession, error) {
	session := &models.StreamSession{
		ID:           id,
		SubmissionID: submissionID,
		Title:        title,
		Status:       models.SessionActive,
		StartedAt:    time.Now().UTC(),
	}
	if err := s.client.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create stream session: %w", err)
	}
	return session, nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *ChunkService) GetSession(ctx context.Context, id string) (*models.StreamSession, error) {
	var session models.StreamSession
	if err := s.client.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// ListSessions returns all sessions, newest first.
func (s *ChunkService) ListSessions(ctx context.Context) ([]models.StreamSession, error) {
	var sessions []models.StreamSession
	if err := s.client.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// CreateChunkParams are the inputs for CreateChunk.
type CreateChunkParams struct {
	SessionID   string
	ChunkIndex  int
	Speaker     *int
	Transcript  string
	Confidence  *float64
	StartTimeMs int64
	EndTimeMs   int64

	// WordCount defaults to the tokenized transcript length when zero.
	WordCount int
}

// CreateChunk persists one finalized utterance.
func (s *ChunkService) CreateChunk(ctx context.Context, params CreateChunkParams) (*models.StreamChunk, error) {
	if params.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if params.EndTimeMs < params.StartTimeMs {
		return nil, NewValidationError("end_time_ms", "must be >= start_time_ms")
	}
	wordCount := params.WordCount
	if wordCount == 0 {
		wordCount = models.CountWords(params.Transcript)
	}

	chunk := &models.StreamChunk{
		SessionID:   params.SessionID,
		ChunkIndex:  params.ChunkIndex,
		Speaker:     params.Speaker,
		Transcript:  params.Transcript,
		Confidence:  params.Confidence,
		StartTimeMs: params.StartTimeMs,
		EndTimeMs:   params.EndTimeMs,
		WordCount:   wordCount,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.client.WithContext(ctx).Create(chunk).Error; err != nil {
		return nil, fmt.Errorf("failed to create chunk: %w", err)
	}
	return chunk, nil
}

// SetChunkAnalysisJob links a chunk to its analysis job.
func (s *ChunkService) SetChunkAnalysisJob(ctx context.Context, chunkID, jobID int64) error {
	res := s.client.WithContext(ctx).Model(&models.StreamChunk{}).
		Where("id = ?", chunkID).
		Update("analysis_job_id", jobID)
	if res.Error != nil {
		return fmt.Errorf("failed to link chunk %d to job %d: %w", chunkID, jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chunk %d: %w", chunkID, ErrNotFound)
	}
	return nil
}

// ChunksForSessionWithAnalysis returns a session's chunks in index order,
// each paired with its analysis job row (nil if none).
func (s *ChunkService) ChunksForSessionWithAnalysis(ctx context.Context, sessionID string) ([]models.ChunkWithAnalysis, error) {
	var chunks []models.StreamChunk
	if err := s.client.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to list chunks for session %s: %w", sessionID, err)
	}
	return s.attachAnalysis(ctx, chunks)
}

// AllChunksWithAnalysis returns every chunk ever persisted, ordered by
// creation time then chunk index, each paired with its analysis job.
func (s *ChunkService) AllChunksWithAnalysis(ctx context.Context) ([]models.ChunkWithAnalysis, error) {
	var chunks []models.StreamChunk
	if err := s.client.WithContext(ctx).
		Order("created_at ASC, chunk_index ASC, id ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return s.attachAnalysis(ctx, chunks)
}

// attachAnalysis resolves the analysis job rows for a chunk list in one
// batched query.
func (s *ChunkService) attachAnalysis(ctx context.Context, chunks []models.StreamChunk) ([]models.ChunkWithAnalysis, error) {
	jobIDs := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		if c.AnalysisJobID != nil {
			jobIDs = append(jobIDs, *c.AnalysisJobID)
		}
	}

	jobsByID := make(map[int64]*models.Job, len(jobIDs))
	if len(jobIDs) > 0 {
		var jobs []models.Job
		if err := s.client.WithContext(ctx).
			Where("id IN ?", jobIDs).
			Find(&jobs).Error; err != nil {
			return nil, fmt.Errorf("failed to load analysis jobs: %w", err)
		}
		for i := range jobs {
			jobsByID[jobs[i].ID] = &jobs[i]
		}
	}

	result := make([]models.ChunkWithAnalysis, len(chunks))
	for i, c := range chunks {
		result[i].Chunk = c
		if c.AnalysisJobID != nil {
			result[i].Analysis = jobsByID[*c.AnalysisJobID]
		}
	}
	return result, nil
}

// EndSession marks a session ended with its final duration and chunk count.
// Idempotent: a second call finds no active row and leaves state unchanged.
func (s *ChunkService) EndSession(ctx context.Context, sessionID string, totalDurationMs int64) error {
	return s.client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chunkCount int64
		if err := tx.Model(&models.StreamChunk{}).
			Where("session_id = ?", sessionID).
			Count(&chunkCount).Error; err != nil {
			return fmt.Errorf("failed to count chunks: %w", err)
		}

		res := tx.Model(&models.StreamSession{}).
			Where("id = ? AND status = ?", sessionID, models.SessionActive).
			Updates(map[string]any{
				"status":            models.SessionEnded,
				"ended_at":          time.Now().UTC(),
				"total_duration_ms": totalDurationMs,
				"chunk_count":       chunkCount,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to end session %s: %w", sessionID, res.Error)
		}
		return nil
	})
}
