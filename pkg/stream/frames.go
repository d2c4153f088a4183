package stream

// Frame type tags for broadcaster and viewer sockets.
const (
	FrameAuthSuccess    = "auth_success"
	FrameError          = "error"
	FrameStatus         = "status"
	FrameSessionStarted = "session_started"
	FrameSessionEnded   = "session_ended"
	FrameSessionCreated = "session_created"
	FrameTranscript     = "transcript"
	FrameChunkCreated   = "chunk_created"
	FrameChunkAnalyzed  = "chunk_analyzed"

	// FrameStop is the broadcaster's inbound control frame ending the stream.
	FrameStop = "stop"
)

// controlFrame is the decoded form of a broadcaster's inbound JSON frame.
type controlFrame struct {
	Type string `json:"type"`
}

// AuthSuccessFrame confirms broadcaster authentication.
type AuthSuccessFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports a rejection or stream error to a socket.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusFrame reflects the hub's live state.
type StatusFrame struct {
	Type        string `json:"type"`
	IsLive      bool   `json:"isLive"`
	ViewerCount int    `json:"viewerCount"`
}

// SessionMarkerFrame announces session_started / session_ended.
type SessionMarkerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionCreatedFrame links the new session to its submission.
type SessionCreatedFrame struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	SubmissionID string `json:"submissionId"`
}

// TranscriptFrame relays one live STT segment, interim or final.
type TranscriptFrame struct {
	Type       string   `json:"type"`
	Speaker    *int     `json:"speaker,omitempty"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	IsFinal    bool     `json:"isFinal"`
	Timestamp  int64    `json:"timestamp"`
}

// ChunkFrame is the chunk body inside a chunk_created frame.
type ChunkFrame struct {
	ID             int64  `json:"id"`
	Index          int    `json:"index"`
	Speaker        *int   `json:"speaker,omitempty"`
	Transcript     string `json:"transcript"`
	StartTimeMs    int64  `json:"startTimeMs"`
	EndTimeMs      int64  `json:"endTimeMs"`
	WillBeAnalyzed bool   `json:"willBeAnalyzed"`
}

// ChunkCreatedFrame announces a newly persisted chunk.
type ChunkCreatedFrame struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Chunk     ChunkFrame `json:"chunk"`
}

// ChunkAnalyzedFrame carries a chunk's analysis results. The same document
// shape is stored as the analyze_chunk job's output text, so replay can
// rehydrate these frames from completed jobs.
type ChunkAnalyzedFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	ChunkID   int64    `json:"chunkId"`
	Topics    []string `json:"topics"`
	Intents   []string `json:"intents"`
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
}

// AnalysisDoc is the JSON document an analyze_chunk job stores as output.
type AnalysisDoc struct {
	Topics    []string `json:"topics"`
	Intents   []string `json:"intents"`
	Sentiment string   `json:"sentiment"`
	Summary   string   `json:"summary"`
}
