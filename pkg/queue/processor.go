package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribehub/scribed/pkg/config"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/provider"
	"github.com/scribehub/scribed/pkg/services"
)

// Processor is the single serial inference worker. It polls for pending
// jobs, claims them atomically, and dispatches by type. At most one provider
// call is in flight at any time.
type Processor struct {
	cfg         config.QueueConfig
	jobs        *services.JobService
	submissions *services.SubmissionService
	providers   *provider.Resolver
	bus         *events.Bus
	hub         ChunkAnalysisBroadcaster

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// inferenceMu backs the single-inference guarantee alongside the atomic
	// claim.
	inferenceMu sync.Mutex
}

// NewProcessor creates a stopped processor.
func NewProcessor(cfg config.QueueConfig, jobs *services.JobService, submissions *services.SubmissionService, providers *provider.Resolver, bus *events.Bus, hub ChunkAnalysisBroadcaster) *Processor {
	p := &Processor{
		cfg:         cfg,
		jobs:        jobs,
		submissions: submissions,
		providers:   providers,
		bus:         bus,
		hub:         hub,
		stopCh:      make(chan struct{}),
	}
	p.state.Store(int32(StateStopped))
	return p
}

// State returns the worker's current state.
func (p *Processor) State() WorkerState {
	return WorkerState(p.state.Load())
}

// Start launches the poll loop.
func (p *Processor) Start() {
	p.state.Store(int32(StateIdle))
	p.wg.Add(1)
	go p.run()
	slog.Info("Processor started", "poll_interval", p.cfg.PollInterval)
}

// Stop drains the worker: no new claims, and the in-flight job (if any) is
// waited for up to the graceful shutdown timeout. In-flight provider calls
// are never cancelled.
func (p *Processor) Stop() error {
	p.state.Store(int32(StateDraining))
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.state.Store(int32(StateStopped))
		slog.Info("Processor stopped")
		return nil
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		return ErrDrainTimeout
	}
}

func (p *Processor) run() {
	defer p.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.jobs.ClaimNext(ctx)
		if err != nil {
			slog.Error("Failed to claim next job", "error", err)
			if !p.sleepWithStop(p.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleepWithStop(p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.process(ctx, job)
	}
}

// sleepWithStop waits for the poll interval, returning false if a stop
// arrived first.
func (p *Processor) sleepWithStop(d time.Duration) bool {
	select {
	case <-p.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// process runs one claimed job start to finish.
func (p *Processor) process(ctx context.Context, job *models.Job) {
	p.inferenceMu.Lock()
	defer p.inferenceMu.Unlock()

	p.state.Store(int32(StateBusy))
	defer func() {
		// Draining must survive the Busy → Idle transition.
		p.state.CompareAndSwap(int32(StateBusy), int32(StateIdle))
	}()

	slog.Info("Processing job", "job_id", job.ID, "job_type", job.JobType, "provider", job.Provider)
	p.bus.PublishJobClaimed(job)

	var err error
	switch job.JobType {
	case models.JobTranscribe:
		err = p.processTranscribe(ctx, job)
	case models.JobSummarize:
		err = p.processSummarize(ctx, job)
	case models.JobAnalyzeChunk:
		err = p.processAnalyzeChunk(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.JobType)
	}

	if err != nil {
		p.failJob(ctx, job, err.Error())
	}
	p.publishQueueStatus(ctx)
}

func (p *Processor) processTranscribe(ctx context.Context, job *models.Job) error {
	if job.InputFilePath == nil || *job.InputFilePath == "" {
		return fmt.Errorf("transcribe job has no input file path")
	}

	prov, err := p.providers.Resolve(job.Provider)
	if err != nil {
		return err
	}
	if err := p.verifyModel(ctx, job, prov); err != nil {
		return err
	}

	p.propagateSubmissionStatus(ctx, job, models.SubmissionTranscribing)

	result, err := prov.Transcribe(ctx, *job.InputFilePath)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}

	rawType := "stt"
	if err := p.jobs.Complete(ctx, job.ID, result.Text, result.Model, result.ProcessingTimeMs, result.Confidence, &result.RawResponse, &rawType); err != nil {
		return err
	}
	p.publishCompleted(ctx, job.ID)

	autoSummarize, _ := job.Metadata["autoSummarize"].(bool)
	if autoSummarize && strings.TrimSpace(result.Text) != "" {
		next, err := p.jobs.CreateSummarize(ctx, result.Text, job.SubmissionID, nil, job.Provider)
		if err != nil {
			return fmt.Errorf("failed to chain summarize job: %w", err)
		}
		p.bus.PublishJobCreated(next)
		slog.Info("Chained summarize job", "job_id", next.ID, "transcribe_job_id", job.ID)
		return nil
	}

	p.propagateSubmissionStatus(ctx, job, models.SubmissionCompleted)
	return nil
}

func (p *Processor) processSummarize(ctx context.Context, job *models.Job) error {
	if job.InputText == nil || strings.TrimSpace(*job.InputText) == "" {
		return fmt.Errorf("summarize job has no input text")
	}

	prov, err := p.providers.Resolve(job.Provider)
	if err != nil {
		return err
	}
	if err := p.verifyModel(ctx, job, prov); err != nil {
		return err
	}

	p.propagateSubmissionStatus(ctx, job, models.SubmissionSummarizing)

	var result *provider.SummarizeResult
	if local, ok := prov.(provider.LocalProvider); ok {
		sink := &jobHeartbeatSink{ctx: ctx, jobs: p.jobs, bus: p.bus, jobID: job.ID}
		result, err = local.SummarizeStream(ctx, *job.InputText, sink)
	} else {
		result, err = prov.Summarize(ctx, *job.InputText)
	}
	if err != nil {
		return fmt.Errorf("summarization failed: %w", err)
	}

	rawType := "llm"
	if err := p.jobs.Complete(ctx, job.ID, result.Text, result.Model, result.ProcessingTimeMs, nil, &result.RawResponse, &rawType); err != nil {
		return err
	}
	p.publishCompleted(ctx, job.ID)

	p.propagateSubmissionStatus(ctx, job, models.SubmissionCompleted)
	return nil
}

// analysisOutput is the document persisted as an analyze_chunk job's output
// text and replayed to late viewers.
type analysisOutput struct {
	Topics    []string `json:"topics"`
	Intents   []string `json:"intents"`
	Sentiment string   `json:"sentiment"`
	Summary   string   `json:"summary"`
}

func (p *Processor) processAnalyzeChunk(ctx context.Context, job *models.Job) error {
	if job.InputText == nil || strings.TrimSpace(*job.InputText) == "" {
		return fmt.Errorf("analyze_chunk job has no input text")
	}

	prov, err := p.providers.Resolve(job.Provider)
	if err != nil {
		return err
	}

	result, err := prov.Analyze(ctx, *job.InputText)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	doc := analysisOutput{
		Topics:    result.Topics,
		Intents:   result.Intents,
		Sentiment: result.Sentiment,
		Summary:   result.Summary,
	}
	output, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode analysis output: %w", err)
	}

	rawType := "llm"
	if err := p.jobs.Complete(ctx, job.ID, string(output), result.Model, result.ProcessingTimeMs, nil, &result.RawResponse, &rawType); err != nil {
		return err
	}
	p.publishCompleted(ctx, job.ID)

	sessionID, _ := job.Metadata["sessionId"].(string)
	chunkID := metadataInt64(job.Metadata, "chunkId")
	if sessionID != "" && chunkID != 0 && p.hub != nil {
		p.hub.BroadcastChunkAnalyzed(sessionID, chunkID, doc.Topics, doc.Intents, doc.Summary, doc.Sentiment)
	}
	return nil
}

// verifyModel fails fast when a local provider's required model is not
// loaded, before any work is attempted.
func (p *Processor) verifyModel(ctx context.Context, job *models.Job, prov provider.Provider) error {
	local, ok := prov.(provider.LocalProvider)
	if !ok {
		return nil
	}

	loaded, err := local.IsModelLoaded(ctx, local.RequiredModel())
	if err != nil {
		return fmt.Errorf("failed to verify model %q: %w", local.RequiredModel(), err)
	}
	if !loaded {
		return fmt.Errorf("model %q is not loaded on provider %q", local.RequiredModel(), prov.Name())
	}
	if err := p.jobs.MarkModelVerified(ctx, job.ID); err != nil {
		return err
	}
	return nil
}

// failJob records the failure, propagates it to the linked submission, and
// announces it.
func (p *Processor) failJob(ctx context.Context, job *models.Job, reason string) {
	slog.Error("Job failed", "job_id", job.ID, "job_type", job.JobType, "error", reason)
	if err := p.jobs.Fail(ctx, job.ID, reason); err != nil {
		slog.Error("Failed to record job failure", "job_id", job.ID, "error", err)
	}
	if job.SubmissionID != nil {
		if err := p.submissions.FailUnlessTerminal(ctx, *job.SubmissionID, reason); err != nil {
			slog.Error("Failed to propagate job failure to submission", "submission_id", *job.SubmissionID, "error", err)
		}
	}
	if updated, err := p.jobs.Get(ctx, job.ID); err == nil {
		p.bus.PublishJobFailed(updated)
	}
}

// propagateSubmissionStatus moves the linked submission along its lifecycle.
func (p *Processor) propagateSubmissionStatus(ctx context.Context, job *models.Job, status models.SubmissionStatus) {
	if job.SubmissionID == nil {
		return
	}
	if err := p.submissions.UpdateStatus(ctx, *job.SubmissionID, status, nil); err != nil {
		slog.Warn("Failed to update submission status", "submission_id", *job.SubmissionID, "status", status, "error", err)
	}
}

func (p *Processor) publishCompleted(ctx context.Context, jobID int64) {
	if updated, err := p.jobs.Get(ctx, jobID); err == nil {
		p.bus.PublishJobCompleted(updated)
	}
}

func (p *Processor) publishQueueStatus(ctx context.Context) {
	status, err := p.jobs.QueueStatus(ctx)
	if err != nil {
		slog.Warn("Failed to derive queue status", "error", err)
		return
	}
	p.bus.PublishQueueStatus(status)
}

// jobHeartbeatSink persists streaming heartbeats and mirrors them to the
// event bus.
type jobHeartbeatSink struct {
	ctx   context.Context
	jobs  *services.JobService
	bus   *events.Bus
	jobID int64
}

func (s *jobHeartbeatSink) Heartbeat(tokenCount int, partial string) {
	if err := s.jobs.Heartbeat(s.ctx, s.jobID, tokenCount); err != nil {
		slog.Warn("Failed to persist heartbeat", "job_id", s.jobID, "error", err)
	}
	s.bus.PublishJobProgress(s.jobID, tokenCount)
}

// metadataInt64 reads a numeric metadata value that may have round-tripped
// through JSON as a float64.
func metadataInt64(metadata map[string]any, key string) int64 {
	switch v := metadata[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
