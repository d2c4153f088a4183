package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/models"
)

// SubmissionService manages the submission lifecycle: creation (optionally
// enqueueing the transcribe job), duplicate-name disambiguation, filtered
// listing, and cascaded delete.
type SubmissionService struct {
	client *database.Client
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(client *database.Client) *SubmissionService {
	return &SubmissionService{client: client}
}

// CreateSubmissionParams are the inputs for Create.
type CreateSubmissionParams struct {
	Filename         string
	OriginalFilename string
	FilePath         *string
	MimeType         string
	SizeBytes        int64
	DurationSeconds  *float64
	Status           models.SubmissionStatus
	Metadata         map[string]any

	// AutoProcess enqueues a transcribe job (with autoSummarize set, so a
	// summarize job follows on success) as part of the same transaction.
	AutoProcess bool
	Provider    string
}

// Create inserts a submission and, when AutoProcess is set, its transcribe
// job in a single transaction. Returns the submission and the enqueued job
// (nil if none).
func (s *SubmissionService) Create(ctx context.Context, params CreateSubmissionParams) (*models.Submission, *models.Job, error) {
	if params.Filename == "" {
		return nil, nil, NewValidationError("filename", "required")
	}
	if params.Status == "" {
		params.Status = models.SubmissionPending
	}

	now := time.Now().UTC()
	sub := &models.Submission{
		ID:               uuid.New().String(),
		Filename:         params.Filename,
		OriginalFilename: params.OriginalFilename,
		FilePath:         params.FilePath,
		MimeType:         params.MimeType,
		SizeBytes:        params.SizeBytes,
		DurationSeconds:  params.DurationSeconds,
		Status:           params.Status,
		Metadata:         params.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var job *models.Job
	err := s.client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create submission: %w", err)
		}
		if params.AutoProcess {
			if params.FilePath == nil {
				return NewValidationError("file_path", "required for auto-processing")
			}
			job = &models.Job{
				JobType:       models.JobTranscribe,
				Status:        models.JobPending,
				Provider:      params.Provider,
				InputFilePath: params.FilePath,
				SubmissionID:  &sub.ID,
				Metadata:      map[string]any{"autoSummarize": true},
				CreatedAt:     now,
			}
			if err := tx.Create(job).Error; err != nil {
				return fmt.Errorf("failed to enqueue transcribe job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, job, nil
}

// Get returns a submission by id, or ErrNotFound.
func (s *SubmissionService) Get(ctx context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	if err := s.client.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	return &sub, nil
}

// GetByFilename returns the submission whose original or on-disk filename
// matches, or ErrNotFound.
func (s *SubmissionService) GetByFilename(ctx context.Context, name string) (*models.Submission, error) {
	var sub models.Submission
	if err := s.client.WithContext(ctx).
		Where("original_filename = ? OR filename = ?", name, name).
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("submission %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load submission by filename: %w", err)
	}
	return &sub, nil
}

// ListFilter holds the duration and pagination filters for List.
type ListFilter struct {
	MinDuration *float64
	MaxDuration *float64
	Limit       int
	Offset      int
}

// ListResult is one page of submissions plus the unpaginated total.
type ListResult struct {
	Rows  []models.Submission `json:"rows"`
	Total int64               `json:"total"`
}

// List returns submissions matching the filter, newest first, with the
// total count before pagination.
func (s *SubmissionService) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	q := s.client.WithContext(ctx).Model(&models.Submission{})
	if filter.MinDuration != nil {
		q = q.Where("duration_seconds >= ?", *filter.MinDuration)
	}
	if filter.MaxDuration != nil {
		q = q.Where("duration_seconds <= ?", *filter.MaxDuration)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count submissions: %w", err)
	}

	var rows []models.Submission
	if err := q.Order("created_at DESC, id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}

	return &ListResult{Rows: rows, Total: total}, nil
}

// GenerateUniqueDisplayName returns name unchanged when no submission carries
// it, otherwise base_N.ext where N counts the existing collisions (exact
// matches plus previously disambiguated base_*.ext names).
func (s *SubmissionService) GenerateUniqueDisplayName(ctx context.Context, name string) (string, error) {
	var exact int64
	if err := s.client.WithContext(ctx).Model(&models.Submission{}).
		Where("original_filename = ?", name).
		Count(&exact).Error; err != nil {
		return "", fmt.Errorf("failed to check display name: %w", err)
	}
	if exact == 0 {
		return name, nil
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	pattern := escapeLike(base) + `\_%` + escapeLike(ext)

	var collisions int64
	if err := s.client.WithContext(ctx).Model(&models.Submission{}).
		Where(`original_filename = ? OR original_filename LIKE ? ESCAPE '\'`, name, pattern).
		Count(&collisions).Error; err != nil {
		return "", fmt.Errorf("failed to count display name collisions: %w", err)
	}

	return fmt.Sprintf("%s_%d%s", base, collisions, ext), nil
}

// escapeLike escapes LIKE wildcards so filenames with % or _ match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// UpdateStatus transitions a submission, optionally recording an error
// message.
func (s *SubmissionService) UpdateStatus(ctx context.Context, id string, status models.SubmissionStatus, errorMessage *string) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	}
	res := s.client.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update submission %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailUnlessTerminal marks a submission failed with the given reason, unless
// it already reached a terminal status. Used when a linked job fails.
func (s *SubmissionService) FailUnlessTerminal(ctx context.Context, id, reason string) error {
	res := s.client.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status NOT IN ?", id, []models.SubmissionStatus{models.SubmissionCompleted, models.SubmissionFailed}).
		Updates(map[string]any{
			"status":        models.SubmissionFailed,
			"error_message": reason,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fail submission %s: %w", id, res.Error)
	}
	return nil
}

// FinalizeStream marks a streaming submission completed with its final size
// and duration.
func (s *SubmissionService) FinalizeStream(ctx context.Context, id string, sizeBytes int64, durationSeconds float64) error {
	res := s.client.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"size_bytes":       sizeBytes,
			"duration_seconds": durationSeconds,
			"status":           models.SubmissionCompleted,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finalize stream submission %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes the submission, its jobs, and any stream sessions and
// chunks, then unlinks the on-disk file (best-effort). Returns false when no
// row existed.
func (s *SubmissionService) Delete(ctx context.Context, id string) (bool, error) {
	var filePath *string
	found := false

	err := s.client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Submission
		if err := tx.First(&sub, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load submission: %w", err)
		}
		found = true
		filePath = sub.FilePath

		if err := tx.Where("session_id IN (?)",
			tx.Model(&models.StreamSession{}).Select("id").Where("submission_id = ?", id),
		).Delete(&models.StreamChunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete stream chunks: %w", err)
		}
		if err := tx.Where("submission_id = ?", id).Delete(&models.StreamSession{}).Error; err != nil {
			return fmt.Errorf("failed to delete stream sessions: %w", err)
		}
		if err := tx.Where("audio_file_id = ?", id).Delete(&models.Job{}).Error; err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		if err := tx.Delete(&models.Submission{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete submission: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if filePath != nil {
		if err := os.Remove(*filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to unlink submission file", "submission_id", id, "path", *filePath, "error", err)
		}
	}
	return true, nil
}
