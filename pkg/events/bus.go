package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
)

// initialStateJobs is how many recent jobs ride on the initial_state event.
const initialStateJobs = 50

// sendQueueSize bounds each subscriber's outbound queue. A subscriber that
// falls this far behind is dropped rather than stalling producers.
const sendQueueSize = 64

// Conn is the subset of *websocket.Conn the bus needs. Tests substitute
// in-memory fakes.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// subscriber is one connected jobs/events socket with its bounded send queue.
type subscriber struct {
	id     string
	conn   Conn
	sendCh chan []byte
	cancel context.CancelFunc
}

// Bus fans job lifecycle events out to WebSocket subscribers.
type Bus struct {
	jobs         *services.JobService
	writeTimeout time.Duration

	mu   sync.RWMutex
	subs map[string]*subscriber

	// startTimes maps job id → claim time for job_progress.elapsedMs.
	// Monotonic wall-clock deltas; DB timestamps are never subtracted.
	startMu    sync.Mutex
	startTimes map[int64]time.Time
}

// NewBus creates a new event bus.
func NewBus(jobs *services.JobService, writeTimeout time.Duration) *Bus {
	return &Bus{
		jobs:         jobs,
		writeTimeout: writeTimeout,
		subs:         make(map[string]*subscriber),
		startTimes:   make(map[int64]time.Time),
	}
}

// HandleConnection serves one subscriber socket: sends initial_state, then
// relays events until the connection closes. Blocks until then.
func (b *Bus) HandleConnection(parentCtx context.Context, conn Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	sub := &subscriber{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		cancel: cancel,
	}

	go b.writeLoop(ctx, sub)

	// The snapshot is queued before the subscriber joins the fan-out set, so
	// no concurrently published event can precede initial_state.
	if err := b.sendInitialState(ctx, sub); err != nil {
		slog.Warn("Failed to send initial state", "subscriber_id", sub.id, "error", err)
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "initial state unavailable")
		return
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	defer b.remove(sub.id)

	// Inbound frames are not part of the protocol; the read loop only
	// detects disconnect and keeps control frames serviced.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// writeLoop drains the subscriber's send queue onto the socket.
func (b *Bus) writeLoop(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sub.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
			err := sub.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				b.remove(sub.id)
				return
			}
		}
	}
}

// sendInitialState queries recent jobs and queue statistics and queues the
// initial_state frame.
func (b *Bus) sendInitialState(ctx context.Context, sub *subscriber) error {
	jobs, err := b.jobs.ListRecent(ctx, initialStateJobs)
	if err != nil {
		return err
	}
	status, err := b.jobs.QueueStatus(ctx)
	if err != nil {
		return err
	}

	summaries := make([]JobSummary, len(jobs))
	for i := range jobs {
		summaries[i] = SummarizeJob(&jobs[i])
	}

	frame, err := json.Marshal(InitialStatePayload{
		Type:   EventTypeInitialState,
		Jobs:   summaries,
		Status: status,
	})
	if err != nil {
		return err
	}
	b.enqueue(sub, frame)
	return nil
}

// remove drops a subscriber and closes its socket.
func (b *Bus) remove(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
		_ = sub.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// enqueue queues a frame without blocking; overflow drops the subscriber.
func (b *Bus) enqueue(sub *subscriber, frame []byte) {
	select {
	case sub.sendCh <- frame:
	default:
		slog.Warn("Dropping slow event subscriber", "subscriber_id", sub.id)
		go b.remove(sub.id)
	}
}

// broadcast fans one frame out to all subscribers. Never blocks.
func (b *Bus) broadcast(frame []byte) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.enqueue(sub, frame)
	}
}

func (b *Bus) publish(payload any) {
	frame, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal event payload", "error", err)
		return
	}
	b.broadcast(frame)
}

// PublishJobCreated announces a newly enqueued job.
func (b *Bus) PublishJobCreated(job *models.Job) {
	b.publish(JobCreatedPayload{Type: EventTypeJobCreated, Job: SummarizeJob(job)})
}

// PublishJobClaimed announces a claim and records the start time used for
// progress elapsed computation.
func (b *Bus) PublishJobClaimed(job *models.Job) {
	b.startMu.Lock()
	b.startTimes[job.ID] = time.Now()
	b.startMu.Unlock()

	b.publish(JobClaimedPayload{
		Type:      EventTypeJobClaimed,
		JobID:     job.ID,
		JobType:   job.JobType,
		Provider:  job.Provider,
		StartedAt: job.StartedAt,
	})
}

// PublishJobProgress emits one heartbeat's progress.
func (b *Bus) PublishJobProgress(jobID int64, tokenCount int) {
	b.startMu.Lock()
	started, ok := b.startTimes[jobID]
	b.startMu.Unlock()

	var elapsed int64
	if ok {
		elapsed = time.Since(started).Milliseconds()
	}

	b.publish(JobProgressPayload{
		Type:       EventTypeJobProgress,
		JobID:      jobID,
		TokenCount: tokenCount,
		ElapsedMs:  elapsed,
	})
}

// PublishJobCompleted announces a successful terminal transition.
func (b *Bus) PublishJobCompleted(job *models.Job) {
	b.clearStart(job.ID)
	b.publish(JobCompletedPayload{
		Type:             EventTypeJobCompleted,
		JobID:            job.ID,
		ProcessingTimeMs: job.ProcessingTimeMs,
		Confidence:       job.Confidence,
		CompletedAt:      job.CompletedAt,
	})
}

// PublishJobFailed announces a failed terminal transition.
func (b *Bus) PublishJobFailed(job *models.Job) {
	b.clearStart(job.ID)
	msg := ""
	if job.ErrorMessage != nil {
		msg = *job.ErrorMessage
	}
	b.publish(JobFailedPayload{
		Type:         EventTypeJobFailed,
		JobID:        job.ID,
		ErrorMessage: msg,
		FailedAt:     job.CompletedAt,
	})
}

// PublishQueueStatus broadcasts refreshed queue statistics.
func (b *Bus) PublishQueueStatus(status *models.QueueStatus) {
	b.publish(QueueStatusPayload{Type: EventTypeQueueStatus, Status: status})
}

func (b *Bus) clearStart(jobID int64) {
	b.startMu.Lock()
	delete(b.startTimes, jobID)
	b.startMu.Unlock()
}
