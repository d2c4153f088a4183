package stream

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
	"github.com/scribehub/scribed/pkg/stt"
)

// fakeConn is an in-memory stand-in for a websocket connection. Reads block
// on the inbound channel; writes are recorded.
type fakeConn struct {
	inbound chan fakeMsg

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

type fakeMsg struct {
	typ  websocket.MessageType
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan fakeMsg, 16)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case msg, ok := <-c.inbound:
		if !ok {
			return 0, nil, context.Canceled
		}
		return msg.typ, msg.data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]byte, len(p))
	copy(frame, p)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// typedFrames decodes the recorded frames' type tags in order.
func (c *fakeConn) typedFrames(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(f, &head))
		types = append(types, head.Type)
	}
	return types
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// failingSink simulates a broken audio file on disk.
type failingSink struct {
	appendErr error
	closeErr  error
	bytes     int64
}

func (s *failingSink) Append(p []byte) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.bytes += int64(len(p))
	return nil
}

func (s *failingSink) Bytes() int64             { return s.bytes }
func (s *failingSink) DurationSeconds() float64 { return float64(s.bytes) / 32000 }
func (s *failingSink) Close() error             { return s.closeErr }

// fakeRelay is a scripted transcription backend.
type fakeRelay struct {
	events chan stt.Event

	mu        sync.Mutex
	sent      [][]byte
	closeOnce sync.Once
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{events: make(chan stt.Event, 16)}
}

func (r *fakeRelay) Send(audio []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, audio)
	return nil
}

func (r *fakeRelay) Events() <-chan stt.Event { return r.events }

func (r *fakeRelay) Close() error {
	r.closeOnce.Do(func() { close(r.events) })
	return nil
}

type fakeDialer struct {
	relay *fakeRelay
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, opts stt.DialOptions) (stt.Relay, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.relay, nil
}

type hubEnv struct {
	hub         *Hub
	relay       *fakeRelay
	dialer      *fakeDialer
	uploadsDir  string
	jobs        *services.JobService
	submissions *services.SubmissionService
	chunks      *services.ChunkService
}

func newHubEnv(t *testing.T, maxViewers int) *hubEnv {
	t.Helper()
	client := database.NewTestClient(t)
	jobs := services.NewJobService(client)
	submissions := services.NewSubmissionService(client)
	chunks := services.NewChunkService(client)
	bus := events.NewBus(jobs, time.Second)
	relay := newFakeRelay()
	dialer := &fakeDialer{relay: relay}
	uploadsDir := t.TempDir()

	hub := NewHub(HubConfig{
		MaxViewers:          maxViewers,
		MinWordsForAnalysis: 0,
		UtteranceEndMs:      1500,
		SampleRateHz:        16000,
		StatusDebounce:      5 * time.Millisecond,
		STTModel:            "whisper-test",
		Provider:            "local",
		UploadsDir:          uploadsDir,
	}, submissions, chunks, jobs, bus, dialer)

	return &hubEnv{hub: hub, relay: relay, dialer: dialer, uploadsDir: uploadsDir, jobs: jobs, submissions: submissions, chunks: chunks}
}

func TestBroadcasterRejectedWhenNotLoopback(t *testing.T) {
	env := newHubEnv(t, 50)
	conn := newFakeConn()

	env.hub.HandleBroadcaster(context.Background(), conn, "203.0.113.5:40000")

	types := conn.typedFrames(t)
	require.NotEmpty(t, types)
	assert.Equal(t, FrameError, types[0])
}

func TestBroadcasterSessionLifecycle(t *testing.T) {
	env := newHubEnv(t, 50)
	conn := newFakeConn()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		env.hub.HandleBroadcaster(ctx, conn, "127.0.0.1:40000")
		close(done)
	}()

	// auth_success, session_started, session_created arrive once the session
	// is up.
	require.Eventually(t, func() bool { return conn.frameCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	conn.inbound <- fakeMsg{typ: websocket.MessageBinary, data: make([]byte, 32000)}
	require.Eventually(t, func() bool {
		env.relay.mu.Lock()
		defer env.relay.mu.Unlock()
		return len(env.relay.sent) == 1
	}, 2*time.Second, 10*time.Millisecond, "audio relayed upstream")

	// First utterance: speaker 0, "one two three", boundary at 1.2 s.
	env.relay.events <- stt.Event{Type: stt.EventTranscript, Segment: &stt.Segment{
		Speaker: intp(0), Text: "one two three", Confidence: floatp(0.9), IsFinal: true, Start: 0.1, Duration: 1.0,
	}}
	env.relay.events <- stt.Event{Type: stt.EventUtteranceEnd, LastWordEnd: 1.2}

	// Second utterance: speaker 1, "four five", boundary at 3.4 s.
	env.relay.events <- stt.Event{Type: stt.EventTranscript, Segment: &stt.Segment{
		Speaker: intp(1), Text: "four five", Confidence: floatp(0.8), IsFinal: true, Start: 2.0, Duration: 1.1,
	}}
	env.relay.events <- stt.Event{Type: stt.EventUtteranceEnd, LastWordEnd: 3.4}

	require.Eventually(t, func() bool {
		rows, err := env.chunks.AllChunksWithAnalysis(ctx)
		return err == nil && len(rows) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rows, err := env.chunks.AllChunksWithAnalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rows[0].Chunk.ChunkIndex)
	assert.Equal(t, 3, rows[0].Chunk.WordCount)
	require.NotNil(t, rows[0].Chunk.Speaker)
	assert.Equal(t, 0, *rows[0].Chunk.Speaker)
	assert.EqualValues(t, 1200, rows[0].Chunk.EndTimeMs)
	assert.Equal(t, 1, rows[1].Chunk.ChunkIndex)
	assert.Equal(t, 2, rows[1].Chunk.WordCount)
	assert.EqualValues(t, 3400, rows[1].Chunk.EndTimeMs)

	// Every chunk got an analysis job (analyze-all threshold).
	require.NotNil(t, rows[0].Chunk.AnalysisJobID)
	require.NotNil(t, rows[1].Chunk.AnalysisJobID)

	conn.inbound <- fakeMsg{typ: websocket.MessageText, data: []byte(`{"type":"stop"}`)}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster handler did not return after stop")
	}

	sessions, err := env.chunks.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionEnded, sessions[0].Status)
	assert.Equal(t, 2, sessions[0].ChunkCount)

	sub, err := env.submissions.Get(ctx, sessions[0].SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCompleted, sub.Status)
	require.NotNil(t, sub.DurationSeconds)
	assert.InDelta(t, 1.0, *sub.DurationSeconds, 0.0001, "32000 bytes is one second")
}

func TestSecondBroadcasterRejected(t *testing.T) {
	env := newHubEnv(t, 50)
	first := newFakeConn()
	ctx := context.Background()

	go env.hub.HandleBroadcaster(ctx, first, "127.0.0.1:40000")
	require.Eventually(t, func() bool { return first.frameCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	second := newFakeConn()
	env.hub.HandleBroadcaster(ctx, second, "127.0.0.1:40001")

	types := second.typedFrames(t)
	require.NotEmpty(t, types)
	assert.Equal(t, FrameError, types[0])
}

func TestViewerReplayOrdering(t *testing.T) {
	env := newHubEnv(t, 50)
	ctx := context.Background()

	sub, _, err := env.submissions.Create(ctx, services.CreateSubmissionParams{
		Filename:         "live.wav",
		OriginalFilename: "live.wav",
		MimeType:         "audio/wav",
		Status:           models.SubmissionStreaming,
	})
	require.NoError(t, err)
	_, err = env.chunks.CreateSession(ctx, "sess-1", sub.ID, nil)
	require.NoError(t, err)

	// Three chunks; the first two get completed analysis jobs.
	for i, text := range []string{"alpha beta", "gamma", "delta epsilon zeta"} {
		chunk, err := env.chunks.CreateChunk(ctx, services.CreateChunkParams{
			SessionID:  "sess-1",
			ChunkIndex: i,
			Transcript: text,
			EndTimeMs:  int64((i + 1) * 1000),
		})
		require.NoError(t, err)

		if i < 2 {
			job, err := env.jobs.CreateAnalyzeChunk(ctx, chunk.ID, "sess-1", nil, "local")
			require.NoError(t, err)
			_, err = env.jobs.ClaimNext(ctx)
			require.NoError(t, err)
			output, _ := json.Marshal(AnalysisDoc{
				Topics:    []string{"t"},
				Intents:   []string{"i"},
				Sentiment: "neutral",
				Summary:   "s",
			})
			require.NoError(t, env.jobs.Complete(ctx, job.ID, string(output), "llm-test", 5, nil, nil, nil))
		}
	}

	conn := newFakeConn()
	go env.hub.HandleViewer(ctx, conn)

	// status + 3 chunk_created + 2 chunk_analyzed.
	require.Eventually(t, func() bool { return conn.frameCount() >= 6 }, 2*time.Second, 10*time.Millisecond)

	types := conn.typedFrames(t)[:6]
	assert.Equal(t, []string{
		FrameStatus,
		FrameChunkCreated, FrameChunkCreated, FrameChunkCreated,
		FrameChunkAnalyzed, FrameChunkAnalyzed,
	}, types)
}

func TestViewerCapRejectsOverflow(t *testing.T) {
	env := newHubEnv(t, 1)
	ctx := context.Background()

	first := newFakeConn()
	go env.hub.HandleViewer(ctx, first)
	require.Eventually(t, func() bool { return env.hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := newFakeConn()
	env.hub.HandleViewer(ctx, second)

	types := second.typedFrames(t)
	require.NotEmpty(t, types)
	assert.Equal(t, FrameError, types[0])
	assert.Equal(t, 1, env.hub.ViewerCount(), "existing viewer unaffected")
}

func TestBroadcastChunkAnalyzedReachesViewers(t *testing.T) {
	env := newHubEnv(t, 50)
	ctx := context.Background()

	conn := newFakeConn()
	go env.hub.HandleViewer(ctx, conn)
	require.Eventually(t, func() bool { return env.hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return conn.frameCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	env.hub.BroadcastChunkAnalyzed("sess-1", 7, []string{"topic"}, []string{"intent"}, "sum", "positive")

	// The debounced status frame from the viewer join may land before or
	// after, so assert membership rather than position.
	require.Eventually(t, func() bool {
		for _, typ := range conn.typedFrames(t) {
			if typ == FrameChunkAnalyzed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopCollapsesTrailingUtterance(t *testing.T) {
	env := newHubEnv(t, 50)
	conn := newFakeConn()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		env.hub.HandleBroadcaster(ctx, conn, "127.0.0.1:40000")
		close(done)
	}()
	require.Eventually(t, func() bool { return conn.frameCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	// A trailing final with no utterance boundary, then an immediate stop.
	// Finalization must wait for the relay drain and collapse it exactly
	// once, ending at the segment's own end.
	env.relay.events <- stt.Event{Type: stt.EventTranscript, Segment: &stt.Segment{
		Speaker: intp(0), Text: "last words", Confidence: floatp(0.9), IsFinal: true, Start: 5.0, Duration: 0.8,
	}}
	conn.inbound <- fakeMsg{typ: websocket.MessageText, data: []byte(`{"type":"stop"}`)}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster handler did not return after stop")
	}

	rows, err := env.chunks.AllChunksWithAnalysis(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "last words", rows[0].Chunk.Transcript)
	assert.EqualValues(t, 5800, rows[0].Chunk.EndTimeMs)
}

func TestSinkCloseFailureFailsSubmission(t *testing.T) {
	env := newHubEnv(t, 50)
	env.hub.newSink = func(path string, sampleRateHz int) (audioSink, error) {
		return &failingSink{closeErr: errors.New("disk full")}, nil
	}
	conn := newFakeConn()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		env.hub.HandleBroadcaster(ctx, conn, "127.0.0.1:40000")
		close(done)
	}()
	require.Eventually(t, func() bool { return conn.frameCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	conn.inbound <- fakeMsg{typ: websocket.MessageText, data: []byte(`{"type":"stop"}`)}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster handler did not return after stop")
	}

	// The truncated WAV must not surface as a completed submission.
	sessions, err := env.chunks.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionEnded, sessions[0].Status)

	sub, err := env.submissions.Get(ctx, sessions[0].SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFailed, sub.Status)
	require.NotNil(t, sub.ErrorMessage)
	assert.Contains(t, *sub.ErrorMessage, "disk full")
}

func TestSinkAppendFailureFailsSubmission(t *testing.T) {
	env := newHubEnv(t, 50)
	env.hub.newSink = func(path string, sampleRateHz int) (audioSink, error) {
		return &failingSink{appendErr: errors.New("write error")}, nil
	}
	conn := newFakeConn()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		env.hub.HandleBroadcaster(ctx, conn, "127.0.0.1:40000")
		close(done)
	}()
	require.Eventually(t, func() bool { return conn.frameCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	conn.inbound <- fakeMsg{typ: websocket.MessageBinary, data: make([]byte, 3200)}
	require.Eventually(t, func() bool {
		env.relay.mu.Lock()
		defer env.relay.mu.Unlock()
		return len(env.relay.sent) == 1
	}, 2*time.Second, 10*time.Millisecond, "frame still relayed upstream")

	conn.inbound <- fakeMsg{typ: websocket.MessageText, data: []byte(`{"type":"stop"}`)}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster handler did not return after stop")
	}

	sessions, err := env.chunks.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	sub, err := env.submissions.Get(ctx, sessions[0].SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFailed, sub.Status)
	require.NotNil(t, sub.ErrorMessage)
	assert.Contains(t, *sub.ErrorMessage, "write error")
}

func TestShutdownFinalizesLiveSession(t *testing.T) {
	env := newHubEnv(t, 50)
	conn := newFakeConn()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		env.hub.HandleBroadcaster(ctx, conn, "127.0.0.1:40000")
		close(done)
	}()
	require.Eventually(t, func() bool { return conn.frameCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	env.relay.events <- stt.Event{Type: stt.EventTranscript, Segment: &stt.Segment{
		Speaker: intp(0), Text: "still talking", Confidence: floatp(0.9), IsFinal: true, Start: 1.0, Duration: 0.5,
	}}

	// Shutdown hands finalization to the broadcaster goroutine and waits for
	// it, so the session is fully wound down when it returns.
	env.hub.Shutdown(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster handler did not return after shutdown")
	}

	sessions, err := env.chunks.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionEnded, sessions[0].Status)

	sub, err := env.submissions.Get(ctx, sessions[0].SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCompleted, sub.Status)

	rows, err := env.chunks.AllChunksWithAnalysis(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1, "trailing utterance collapsed during shutdown")
	assert.Equal(t, "still talking", rows[0].Chunk.Transcript)
}

func TestSendOverflowDropsViewerNotBroadcaster(t *testing.T) {
	env := newHubEnv(t, 50)

	// Neither client has a write loop draining its queue, so pushing past the
	// queue capacity forces the overflow path.
	bconn := newFakeConn()
	b := &client{id: "b", conn: bconn, sendCh: make(chan []byte, 1), cancel: func() {}}
	env.hub.mu.Lock()
	env.hub.broadcaster = b
	env.hub.mu.Unlock()

	env.hub.sendTo(b, StatusFrame{Type: FrameStatus})
	env.hub.sendTo(b, StatusFrame{Type: FrameStatus})

	env.hub.mu.Lock()
	stillBroadcaster := env.hub.broadcaster == b
	env.hub.mu.Unlock()
	assert.True(t, stillBroadcaster, "broadcaster keeps its slot on overflow")
	assert.False(t, bconn.isClosed(), "broadcaster socket stays open")

	vconn := newFakeConn()
	v := &client{id: "v", conn: vconn, sendCh: make(chan []byte, 1), cancel: func() {}}
	env.hub.mu.Lock()
	env.hub.viewers[v.id] = v
	env.hub.mu.Unlock()

	env.hub.sendTo(v, StatusFrame{Type: FrameStatus})
	env.hub.sendTo(v, StatusFrame{Type: FrameStatus})

	require.Eventually(t, func() bool {
		return env.hub.ViewerCount() == 0 && vconn.isClosed()
	}, 2*time.Second, 10*time.Millisecond, "slow viewer is dropped")
}

func TestDialFailureLeavesNoResidue(t *testing.T) {
	env := newHubEnv(t, 50)
	env.dialer.err = errors.New("transcription backend down")
	conn := newFakeConn()

	env.hub.HandleBroadcaster(context.Background(), conn, "127.0.0.1:40000")

	types := conn.typedFrames(t)
	assert.Contains(t, types, FrameError)

	// The aborted session leaves neither a submission row nor a sink file.
	result, err := env.submissions.List(context.Background(), services.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)

	entries, err := os.ReadDir(env.uploadsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
