package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribehub/scribed/pkg/config"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
)

// HealthMonitor recovers stuck jobs: processing rows whose heartbeat (or
// start, if they never beat) is older than their timeout. Recovery is a
// forceful fail; the worker's own later complete/fail becomes a no-op under
// the status guard.
type HealthMonitor struct {
	cfg         config.QueueConfig
	jobs        *services.JobService
	submissions *services.SubmissionService
	bus         *events.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a stopped monitor.
func NewHealthMonitor(cfg config.QueueConfig, jobs *services.JobService, submissions *services.SubmissionService, bus *events.Bus) *HealthMonitor {
	return &HealthMonitor{
		cfg:         cfg,
		jobs:        jobs,
		submissions: submissions,
		bus:         bus,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the periodic stuck-job sweep.
func (m *HealthMonitor) Start() {
	m.wg.Add(1)
	go m.run()
	slog.Info("Health monitor started", "check_interval", m.cfg.StuckCheckInterval)
}

// Stop halts the sweep loop.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Health monitor stopped")
}

func (m *HealthMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep fails every currently stuck job. Exported for tests and for an
// on-demand trigger.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	stuck, err := m.jobs.ListStuck(ctx, time.Now().UTC(), m.cfg.DefaultJobTimeout)
	if err != nil {
		slog.Error("Stuck-job sweep failed", "error", err)
		return
	}

	for i := range stuck {
		job := &stuck[i]
		reason := stuckReason(job)
		slog.Warn("Recovering stuck job", "job_id", job.ID, "job_type", job.JobType, "reason", reason)
		m.recover(ctx, job, reason)
	}

	if len(stuck) > 0 {
		if status, err := m.jobs.QueueStatus(ctx); err == nil {
			m.bus.PublishQueueStatus(status)
		}
	}
}

// RecoverStartupOrphans fails every job left in processing by a previous
// run. Called once before the worker starts; with a single worker, any
// processing row at startup is an orphan by definition.
func (m *HealthMonitor) RecoverStartupOrphans(ctx context.Context) error {
	orphans, err := m.jobs.ListProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to list orphaned jobs: %w", err)
	}

	for i := range orphans {
		job := &orphans[i]
		reason := "Job was orphaned by a server restart"
		slog.Warn("Recovering orphaned job", "job_id", job.ID, "job_type", job.JobType)
		m.recover(ctx, job, reason)
	}

	if len(orphans) > 0 {
		slog.Info("Startup orphan recovery complete", "recovered", len(orphans))
	}
	return nil
}

func (m *HealthMonitor) recover(ctx context.Context, job *models.Job, reason string) {
	if err := m.jobs.Fail(ctx, job.ID, reason); err != nil {
		slog.Error("Failed to recover job", "job_id", job.ID, "error", err)
		return
	}
	if job.SubmissionID != nil {
		if err := m.submissions.FailUnlessTerminal(ctx, *job.SubmissionID, reason); err != nil {
			slog.Error("Failed to propagate recovery to submission", "submission_id", *job.SubmissionID, "error", err)
		}
	}
	if updated, err := m.jobs.Get(ctx, job.ID); err == nil {
		m.bus.PublishJobFailed(updated)
	}
}

// stuckReason explains what the job was doing when it stalled.
func stuckReason(job *models.Job) string {
	if job.LastHeartbeat == nil {
		if !job.ModelVerified {
			return "Job started but model was never verified as loaded"
		}
		return "Job started but never received any tokens"
	}
	return fmt.Sprintf("Job stalled after receiving %d tokens", job.HeartbeatCount)
}
