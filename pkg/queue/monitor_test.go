package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehub/scribed/pkg/config"
	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
)

type monitorEnv struct {
	monitor     *HealthMonitor
	client      *database.Client
	jobs        *services.JobService
	submissions *services.SubmissionService
}

func newMonitorEnv(t *testing.T) *monitorEnv {
	t.Helper()
	client := database.NewTestClient(t)
	jobs := services.NewJobService(client)
	submissions := services.NewSubmissionService(client)
	bus := events.NewBus(jobs, time.Second)
	return &monitorEnv{
		monitor:     NewHealthMonitor(config.Default().Queue, jobs, submissions, bus),
		client:      client,
		jobs:        jobs,
		submissions: submissions,
	}
}

// ageJob pushes a processing job's started_at (and optionally last_heartbeat)
// past its timeout.
func (e *monitorEnv) ageJob(t *testing.T, jobID int64, heartbeat bool, tokens int) {
	t.Helper()
	past := time.Now().UTC().Add(-10 * time.Minute)
	updates := map[string]any{"started_at": past}
	if heartbeat {
		updates["last_heartbeat"] = past
		updates["heartbeat_count"] = tokens
	}
	require.NoError(t, e.client.Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error)
}

func TestSweepReasonModelNeverVerified(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	job, err := env.jobs.CreateTranscribe(ctx, "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)
	env.ageJob(t, job.ID, false, 0)

	env.monitor.Sweep(ctx)

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Job started but model was never verified as loaded", *got.ErrorMessage)
}

func TestSweepReasonNoTokens(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	job, err := env.jobs.CreateTranscribe(ctx, "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, env.jobs.MarkModelVerified(ctx, job.ID))
	env.ageJob(t, job.ID, false, 0)

	env.monitor.Sweep(ctx)

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Job started but never received any tokens", *got.ErrorMessage)
}

func TestSweepReasonStalledAfterTokens(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	text := "some transcript"
	job, err := env.jobs.CreateSummarize(ctx, text, nil, nil, "local")
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, env.jobs.MarkModelVerified(ctx, job.ID))
	env.ageJob(t, job.ID, true, 17)

	env.monitor.Sweep(ctx)

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Job stalled after receiving 17 tokens", *got.ErrorMessage)
}

func TestSweepPropagatesToSubmission(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	path := "/audio/a.wav"
	sub, job, err := env.submissions.Create(ctx, services.CreateSubmissionParams{
		Filename:         "a.wav",
		OriginalFilename: "a.wav",
		FilePath:         &path,
		MimeType:         "audio/wav",
		AutoProcess:      true,
		Provider:         "local",
	})
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)
	env.ageJob(t, job.ID, false, 0)

	env.monitor.Sweep(ctx)

	got, err := env.submissions.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFailed, got.Status)
}

func TestSweepLeavesHealthyJobsAlone(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	job, err := env.jobs.CreateTranscribe(ctx, "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)

	env.monitor.Sweep(ctx)

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
}

func TestSweepUsesConfiguredDefaultTimeout(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	job, err := env.jobs.CreateTranscribe(ctx, "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)

	// 60 s old: healthy under the built-in 300 s default.
	past := time.Now().UTC().Add(-60 * time.Second)
	require.NoError(t, env.client.Model(&models.Job{}).Where("id = ?", job.ID).Update("started_at", past).Error)

	env.monitor.Sweep(ctx)
	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobProcessing, got.Status)

	// A monitor configured with a 1 s default recovers the same job.
	cfg := config.Default().Queue
	cfg.DefaultJobTimeout = time.Second
	short := NewHealthMonitor(cfg, env.jobs, env.submissions, events.NewBus(env.jobs, time.Second))
	short.Sweep(ctx)

	got, err = env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}

func TestRecoverStartupOrphans(t *testing.T) {
	env := newMonitorEnv(t)
	ctx := context.Background()

	orphan, err := env.jobs.CreateTranscribe(ctx, "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)
	_, err = env.jobs.ClaimNext(ctx)
	require.NoError(t, err)

	pending, err := env.jobs.CreateTranscribe(ctx, "/audio/b.wav", nil, nil, "local")
	require.NoError(t, err)

	require.NoError(t, env.monitor.RecoverStartupOrphans(ctx))

	got, err := env.jobs.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Job was orphaned by a server restart", *got.ErrorMessage)

	// Pending jobs are untouched: they are safely claimable after restart.
	got, err = env.jobs.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
}
