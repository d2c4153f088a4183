// Package stream bridges one live audio broadcaster to many read-only
// viewers. The hub relays PCM to the speech backend, persists the audio to a
// WAV sink, accumulates transcript segments into chunks on utterance
// boundaries, schedules analysis jobs, and fans every event out to viewers
// with per-viewer bounded queues. New viewers get a full replay of persisted
// chunks before going live.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
	"github.com/scribehub/scribed/pkg/stt"
)

// viewerQueueSize bounds each viewer's outbound queue; a viewer that falls
// this far behind is dropped rather than delaying the others.
const viewerQueueSize = 256

// Conn is the subset of *websocket.Conn the hub needs. Tests substitute
// in-memory fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// HubConfig parameterizes the hub.
type HubConfig struct {
	MaxViewers          int
	MinWordsForAnalysis int
	UtteranceEndMs      int
	SampleRateHz        int
	StatusDebounce      time.Duration

	// STTModel is requested from the streaming transcription backend.
	STTModel string

	// Provider is the provider tag stamped onto analyze_chunk jobs.
	Provider string

	// UploadsDir receives the per-session WAV sink files.
	UploadsDir string

	WriteTimeout time.Duration
}

// client is one connected socket (broadcaster or viewer) with its bounded
// send queue.
type client struct {
	id     string
	conn   Conn
	sendCh chan []byte
	cancel context.CancelFunc
}

// audioSink is the persistence surface for one session's audio. Tests
// substitute fault-injecting implementations.
type audioSink interface {
	Append(p []byte) error
	Bytes() int64
	DurationSeconds() float64
	Close() error
}

// liveSession is the state of the active broadcast.
type liveSession struct {
	id           string
	submissionID string
	sink         audioSink
	relay        stt.Relay
	acc          accumulator
	nextIndex    int
	sttConnected bool
	finalized    bool

	// sinkErr holds the first audio persistence failure; finalization fails
	// the submission instead of completing it when set. Guarded by Hub.mu.
	sinkErr error

	// sttDone closes when consumeSTT has drained the relay; finalization
	// waits on it before touching the accumulator.
	sttDone chan struct{}

	// ended closes once finalization has run to completion.
	ended chan struct{}
}

// Hub owns the broadcaster slot and the viewer set.
type Hub struct {
	cfg         HubConfig
	submissions *services.SubmissionService
	chunks      *services.ChunkService
	jobs        *services.JobService
	bus         *events.Bus
	dialer      stt.Dialer
	newSink     func(path string, sampleRateHz int) (audioSink, error)

	mu          sync.Mutex
	broadcaster *client
	session     *liveSession
	viewers     map[string]*client

	debounceMu  sync.Mutex
	statusTimer *time.Timer
}

// NewHub creates a hub wired to its collaborators.
func NewHub(cfg HubConfig, submissions *services.SubmissionService, chunks *services.ChunkService, jobs *services.JobService, bus *events.Bus, dialer stt.Dialer) *Hub {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		cfg:         cfg,
		submissions: submissions,
		chunks:      chunks,
		jobs:        jobs,
		bus:         bus,
		dialer:      dialer,
		newSink: func(path string, sampleRateHz int) (audioSink, error) {
			return NewSink(path, sampleRateHz)
		},
		viewers: make(map[string]*client),
	}
}

// HandleBroadcaster serves one broadcaster socket until it stops or
// disconnects. Only loopback peers may broadcast, and only one at a time.
func (h *Hub) HandleBroadcaster(parentCtx context.Context, conn Conn, remoteAddr string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, viewerQueueSize),
		cancel: cancel,
	}
	go h.writeLoop(ctx, c)

	if !isLoopback(remoteAddr) {
		h.sendTo(c, ErrorFrame{Type: FrameError, Message: "broadcasting is restricted to localhost"})
		h.closeClient(c, websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	h.mu.Lock()
	if h.broadcaster != nil {
		h.mu.Unlock()
		h.sendTo(c, ErrorFrame{Type: FrameError, Message: "another broadcaster is already active"})
		h.closeClient(c, websocket.StatusPolicyViolation, "broadcaster slot busy")
		return
	}
	h.broadcaster = c
	h.mu.Unlock()

	h.sendTo(c, AuthSuccessFrame{Type: FrameAuthSuccess})

	session, err := h.startSession(ctx)
	if err != nil {
		slog.Error("Failed to start stream session", "error", err)
		h.sendTo(c, ErrorFrame{Type: FrameError, Message: "failed to start stream session"})
		h.releaseBroadcaster(c)
		h.closeClient(c, websocket.StatusInternalError, "session start failed")
		return
	}

	h.broadcastAll(SessionMarkerFrame{Type: FrameSessionStarted, SessionID: session.id})
	h.broadcastAll(SessionCreatedFrame{
		Type:         FrameSessionCreated,
		SessionID:    session.id,
		SubmissionID: session.submissionID,
	})
	h.scheduleStatusBroadcast()

	defer func() {
		h.finalizeSession(context.Background(), session)
		h.releaseBroadcaster(c)
		h.closeClient(c, websocket.StatusNormalClosure, "")
		h.scheduleStatusBroadcast()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			h.handleAudio(session, data)
		case websocket.MessageText:
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				slog.Warn("Ignoring malformed broadcaster frame", "error", err)
				continue
			}
			if frame.Type == FrameStop {
				return
			}
			// auth frames after auto-auth are accepted and ignored.
		}
	}
}

// HandleViewer serves one viewer socket: status, replay, then live events
// until disconnect.
func (h *Hub) HandleViewer(parentCtx context.Context, conn Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, viewerQueueSize),
		cancel: cancel,
	}
	go h.writeLoop(ctx, c)

	h.mu.Lock()
	if len(h.viewers) >= h.cfg.MaxViewers {
		h.mu.Unlock()
		h.sendTo(c, ErrorFrame{Type: FrameError, Message: "viewer limit reached"})
		h.closeClient(c, websocket.StatusTryAgainLater, "viewer limit reached")
		return
	}
	h.viewers[c.id] = c
	h.mu.Unlock()

	defer func() {
		h.removeViewer(c.id)
		h.scheduleStatusBroadcast()
	}()

	h.sendTo(c, h.statusFrame())

	if err := h.replayTo(ctx, c); err != nil {
		slog.Warn("Viewer replay failed", "viewer_id", c.id, "error", err)
		return
	}

	h.scheduleStatusBroadcast()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// BroadcastChunkAnalyzed fans an analysis result out to every viewer, and to
// the broadcaster when the session is still the live one. The Processor calls
// this after completing an analyze_chunk job.
func (h *Hub) BroadcastChunkAnalyzed(sessionID string, chunkID int64, topics, intents []string, summary, sentiment string) {
	frame := ChunkAnalyzedFrame{
		Type:      FrameChunkAnalyzed,
		SessionID: sessionID,
		ChunkID:   chunkID,
		Topics:    topics,
		Intents:   intents,
		Summary:   summary,
		Sentiment: sentiment,
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.viewers)+1)
	for _, v := range h.viewers {
		targets = append(targets, v)
	}
	if h.broadcaster != nil && h.session != nil && h.session.id == sessionID {
		targets = append(targets, h.broadcaster)
	}
	h.mu.Unlock()

	for _, t := range targets {
		h.sendTo(t, frame)
	}
}

// ViewerCount returns the number of attached viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Shutdown ends any live session and disconnects all sockets. The live
// session is finalized by the broadcaster's own goroutine: cancelling its
// read loop triggers the deferred finalize, so sink and relay writes never
// race their close.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	session := h.session
	broadcaster := h.broadcaster
	viewers := make([]*client, 0, len(h.viewers))
	for _, v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()

	if broadcaster != nil {
		broadcaster.cancel()
	} else if session != nil {
		h.finalizeSession(ctx, session)
	}
	if session != nil {
		select {
		case <-session.ended:
		case <-ctx.Done():
			slog.Warn("Shutdown gave up waiting for stream finalization", "session_id", session.id)
		}
	}
	for _, v := range viewers {
		h.closeClient(v, websocket.StatusGoingAway, "server shutting down")
	}
}

// startSession allocates the submission, session row, WAV sink, and STT
// relay for a freshly authenticated broadcaster.
func (h *Hub) startSession(ctx context.Context) (*liveSession, error) {
	sessionID := uuid.New().String()

	filename := fmt.Sprintf("stream_%s.wav", sessionID)
	sinkPath := filepath.Join(h.cfg.UploadsDir, filename)
	if err := os.MkdirAll(h.cfg.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads dir: %w", err)
	}
	sink, err := h.newSink(sinkPath, h.cfg.SampleRateHz)
	if err != nil {
		return nil, err
	}

	sub, _, err := h.submissions.Create(ctx, services.CreateSubmissionParams{
		Filename:         filename,
		OriginalFilename: filename,
		FilePath:         &sinkPath,
		MimeType:         "audio/wav",
		Status:           models.SubmissionStreaming,
		Metadata:         map[string]any{"source": "live"},
	})
	if err != nil {
		sink.Close()
		os.Remove(sinkPath)
		return nil, err
	}
	submissionID := sub.ID

	if _, err := h.chunks.CreateSession(ctx, sessionID, submissionID, nil); err != nil {
		sink.Close()
		h.discardSession(ctx, submissionID, sinkPath)
		return nil, err
	}

	relay, err := h.dialer.Dial(ctx, stt.DialOptions{
		Model:          h.cfg.STTModel,
		SampleRateHz:   h.cfg.SampleRateHz,
		UtteranceEndMs: h.cfg.UtteranceEndMs,
	})
	if err != nil {
		sink.Close()
		h.discardSession(ctx, submissionID, sinkPath)
		return nil, fmt.Errorf("failed to open transcription stream: %w", err)
	}

	session := &liveSession{
		id:           sessionID,
		submissionID: submissionID,
		sink:         sink,
		relay:        relay,
		sttConnected: true,
		sttDone:      make(chan struct{}),
		ended:        make(chan struct{}),
	}

	h.mu.Lock()
	h.session = session
	h.mu.Unlock()

	go h.consumeSTT(session)

	slog.Info("Stream session started", "session_id", sessionID, "submission_id", submissionID)
	return session, nil
}

// discardSession undoes a partially started session: the submission row with
// its cascaded sessions and jobs, and the sink file.
func (h *Hub) discardSession(ctx context.Context, submissionID, sinkPath string) {
	if _, err := h.submissions.Delete(ctx, submissionID); err != nil {
		slog.Warn("Failed to remove aborted stream submission", "submission_id", submissionID, "error", err)
		os.Remove(sinkPath)
	}
}

// handleAudio appends one PCM frame to the sink and forwards it upstream.
func (h *Hub) handleAudio(session *liveSession, data []byte) {
	if err := session.sink.Append(data); err != nil {
		slog.Error("Failed to persist audio frame", "session_id", session.id, "error", err)
		h.recordSinkFailure(session, err)
	}
	if err := session.relay.Send(data); err != nil {
		slog.Warn("Failed to relay audio frame", "session_id", session.id, "error", err)
		h.mu.Lock()
		session.sttConnected = false
		h.mu.Unlock()
	}
}

// consumeSTT drains the relay's event channel. Single-threaded per session:
// chunk indexes stay dense and ordered.
func (h *Hub) consumeSTT(session *liveSession) {
	defer close(session.sttDone)
	ctx := context.Background()
	for ev := range session.relay.Events() {
		switch ev.Type {
		case stt.EventTranscript:
			if ev.Segment == nil {
				continue
			}
			h.handleSegment(ctx, session, *ev.Segment)
		case stt.EventUtteranceEnd:
			h.collapseChunk(ctx, session, int64(ev.LastWordEnd*1000))
		}
	}

	h.mu.Lock()
	session.sttConnected = false
	h.mu.Unlock()
	h.scheduleStatusBroadcast()
}

// handleSegment fans a live segment out and accumulates finals.
func (h *Hub) handleSegment(ctx context.Context, session *liveSession, seg stt.Segment) {
	h.broadcastAll(TranscriptFrame{
		Type:       FrameTranscript,
		Speaker:    seg.Speaker,
		Text:       seg.Text,
		Confidence: seg.Confidence,
		IsFinal:    seg.IsFinal,
		Timestamp:  int64(seg.Start * 1000),
	})

	if seg.IsFinal && strings.TrimSpace(seg.Text) != "" {
		session.acc.Add(seg)
	}
}

// collapseChunk persists the accumulated utterance as the session's next
// chunk, announces it, and schedules its analysis job.
func (h *Hub) collapseChunk(ctx context.Context, session *liveSession, endMs int64) {
	if session.acc.Empty() {
		return
	}
	utt := session.acc.Collapse(endMs)
	session.acc.Reset()

	chunk, err := h.chunks.CreateChunk(ctx, services.CreateChunkParams{
		SessionID:   session.id,
		ChunkIndex:  session.nextIndex,
		Speaker:     utt.Speaker,
		Transcript:  utt.Transcript,
		Confidence:  utt.Confidence,
		StartTimeMs: utt.StartMs,
		EndTimeMs:   utt.EndMs,
	})
	if err != nil {
		slog.Error("Failed to persist chunk", "session_id", session.id, "index", session.nextIndex, "error", err)
		return
	}
	session.nextIndex++

	willBeAnalyzed := chunk.WordCount >= h.cfg.MinWordsForAnalysis
	h.broadcastAll(ChunkCreatedFrame{
		Type:      FrameChunkCreated,
		SessionID: session.id,
		Chunk: ChunkFrame{
			ID:             chunk.ID,
			Index:          chunk.ChunkIndex,
			Speaker:        chunk.Speaker,
			Transcript:     chunk.Transcript,
			StartTimeMs:    chunk.StartTimeMs,
			EndTimeMs:      chunk.EndTimeMs,
			WillBeAnalyzed: willBeAnalyzed,
		},
	})

	if !willBeAnalyzed {
		return
	}
	job, err := h.jobs.CreateAnalyzeChunk(ctx, chunk.ID, session.id, nil, h.cfg.Provider)
	if err != nil {
		slog.Error("Failed to enqueue analysis job", "chunk_id", chunk.ID, "error", err)
		return
	}
	h.bus.PublishJobCreated(job)
}

// recordSinkFailure remembers the first audio persistence error so
// finalization fails the submission instead of completing it.
func (h *Hub) recordSinkFailure(session *liveSession, err error) {
	h.mu.Lock()
	if session.sinkErr == nil {
		session.sinkErr = err
	}
	h.mu.Unlock()
}

// finalizeSession collapses any trailing utterance, closes the sink and
// relay, and marks the submission and session complete. A submission whose
// audio could not be persisted is marked failed instead. Idempotent.
func (h *Hub) finalizeSession(ctx context.Context, session *liveSession) {
	h.mu.Lock()
	if session.finalized {
		h.mu.Unlock()
		return
	}
	session.finalized = true
	if h.session == session {
		h.session = nil
	}
	h.mu.Unlock()
	defer close(session.ended)

	// Closing the relay ends consumeSTT; wait for it so the accumulator and
	// chunk index are no longer shared, then collapse trailing finals with
	// the last segment's own end as the boundary.
	if err := session.relay.Close(); err != nil {
		slog.Debug("Transcription relay close", "session_id", session.id, "error", err)
	}
	<-session.sttDone
	if !session.acc.Empty() {
		h.collapseChunk(ctx, session, session.acc.LastEndMs())
	}

	audioBytes := session.sink.Bytes()
	duration := session.sink.DurationSeconds()
	if err := session.sink.Close(); err != nil {
		slog.Error("Failed to close audio sink", "session_id", session.id, "error", err)
		h.recordSinkFailure(session, err)
	}

	h.mu.Lock()
	sinkErr := session.sinkErr
	h.mu.Unlock()

	if sinkErr != nil {
		reason := fmt.Sprintf("Audio file could not be persisted: %v", sinkErr)
		if err := h.submissions.FailUnlessTerminal(ctx, session.submissionID, reason); err != nil {
			slog.Error("Failed to fail stream submission", "submission_id", session.submissionID, "error", err)
		}
	} else if err := h.submissions.FinalizeStream(ctx, session.submissionID, wavHeaderSize+audioBytes, duration); err != nil {
		slog.Error("Failed to finalize stream submission", "submission_id", session.submissionID, "error", err)
	}
	if err := h.chunks.EndSession(ctx, session.id, int64(duration*1000)); err != nil {
		slog.Error("Failed to end stream session", "session_id", session.id, "error", err)
	}

	h.broadcastAll(SessionMarkerFrame{Type: FrameSessionEnded, SessionID: session.id})
	h.scheduleStatusBroadcast()
	slog.Info("Stream session ended", "session_id", session.id, "duration_seconds", duration, "chunks", session.nextIndex)
}

// replayTo streams every persisted chunk to a new viewer: all chunk_created
// frames in order, then chunk_analyzed for each completed analysis.
func (h *Hub) replayTo(ctx context.Context, c *client) error {
	rows, err := h.chunks.AllChunksWithAnalysis(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		willBeAnalyzed := row.Chunk.WordCount >= h.cfg.MinWordsForAnalysis
		h.sendTo(c, ChunkCreatedFrame{
			Type:      FrameChunkCreated,
			SessionID: row.Chunk.SessionID,
			Chunk: ChunkFrame{
				ID:             row.Chunk.ID,
				Index:          row.Chunk.ChunkIndex,
				Speaker:        row.Chunk.Speaker,
				Transcript:     row.Chunk.Transcript,
				StartTimeMs:    row.Chunk.StartTimeMs,
				EndTimeMs:      row.Chunk.EndTimeMs,
				WillBeAnalyzed: willBeAnalyzed,
			},
		})
	}

	for _, row := range rows {
		if row.Analysis == nil || row.Analysis.Status != models.JobCompleted || row.Analysis.OutputText == nil {
			continue
		}
		var doc AnalysisDoc
		if err := json.Unmarshal([]byte(*row.Analysis.OutputText), &doc); err != nil {
			slog.Warn("Skipping unparsable analysis output in replay", "job_id", row.Analysis.ID, "error", err)
			continue
		}
		h.sendTo(c, ChunkAnalyzedFrame{
			Type:      FrameChunkAnalyzed,
			SessionID: row.Chunk.SessionID,
			ChunkID:   row.Chunk.ID,
			Topics:    doc.Topics,
			Intents:   doc.Intents,
			Summary:   doc.Summary,
			Sentiment: doc.Sentiment,
		})
	}
	return nil
}

// statusFrame snapshots the hub's live state.
func (h *Hub) statusFrame() StatusFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	isLive := h.broadcaster != nil && h.session != nil && h.session.sttConnected
	return StatusFrame{Type: FrameStatus, IsLive: isLive, ViewerCount: len(h.viewers)}
}

// scheduleStatusBroadcast coalesces status churn behind a trailing timer.
func (h *Hub) scheduleStatusBroadcast() {
	h.debounceMu.Lock()
	defer h.debounceMu.Unlock()
	if h.statusTimer != nil {
		h.statusTimer.Stop()
	}
	h.statusTimer = time.AfterFunc(h.cfg.StatusDebounce, func() {
		h.broadcastAll(h.statusFrame())
	})
}

// broadcastAll fans one frame out to every viewer and the broadcaster.
func (h *Hub) broadcastAll(payload any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.viewers)+1)
	for _, v := range h.viewers {
		targets = append(targets, v)
	}
	if h.broadcaster != nil {
		targets = append(targets, h.broadcaster)
	}
	h.mu.Unlock()

	for _, t := range targets {
		h.sendTo(t, payload)
	}
}

// sendTo queues a frame without blocking. Overflow drops a viewer; the
// broadcaster only loses the frame, never the session.
func (h *Hub) sendTo(c *client, payload any) {
	frame, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal stream frame", "error", err)
		return
	}
	select {
	case c.sendCh <- frame:
	default:
		h.mu.Lock()
		isBroadcaster := h.broadcaster == c
		h.mu.Unlock()
		if isBroadcaster {
			slog.Warn("Dropping frame for slow broadcaster", "client_id", c.id)
			return
		}
		slog.Warn("Dropping slow stream viewer", "client_id", c.id)
		go func() {
			h.removeViewer(c.id)
			h.closeClient(c, websocket.StatusPolicyViolation, "send queue overflow")
		}()
	}
}

// writeLoop drains one client's send queue onto its socket.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.removeViewer(c.id)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) removeViewer(id string) {
	h.mu.Lock()
	delete(h.viewers, id)
	h.mu.Unlock()
}

func (h *Hub) releaseBroadcaster(c *client) {
	h.mu.Lock()
	if h.broadcaster == c {
		h.broadcaster = nil
	}
	h.mu.Unlock()
}

func (h *Hub) closeClient(c *client, code websocket.StatusCode, reason string) {
	// Give queued frames a moment to flush before tearing the socket down.
	deadline := time.Now().Add(200 * time.Millisecond)
	for len(c.sendCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.cancel()
	_ = c.conn.Close(code, reason)
}

// isLoopback reports whether the remote address resolves to a loopback IP.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
