// Package stt streams PCM audio to a live transcription backend over a
// WebSocket and surfaces transcript and utterance-boundary events.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
)

// Event types emitted by the backend.
const (
	EventTranscript   = "transcript"
	EventUtteranceEnd = "utterance_end"
)

// Segment is one transcribed span of speech.
type Segment struct {
	Speaker    *int     `json:"speaker,omitempty"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	IsFinal    bool     `json:"isFinal"`

	// Start and Duration are seconds from the beginning of the stream.
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Event is one message from the transcription backend. Transcript events
// carry a Segment; utterance_end events carry the last word's end offset.
type Event struct {
	Type        string   `json:"type"`
	Segment     *Segment `json:"segment,omitempty"`
	LastWordEnd float64  `json:"lastWordEnd,omitempty"`
}

// Relay is a live transcription connection. Send pushes raw audio frames;
// Events delivers backend events until the connection closes, at which point
// the channel is closed.
type Relay interface {
	Send(audio []byte) error
	Events() <-chan Event
	Close() error
}

// DialOptions parameterize the transcription stream.
type DialOptions struct {
	Model          string
	SampleRateHz   int
	UtteranceEndMs int
}

// Dialer opens transcription relays. The StreamHub depends on this interface
// so tests can substitute a scripted backend.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Relay, error)
}

// WebsocketDialer connects to a speech backend speaking the streaming
// transcription protocol: binary frames carry linear16 PCM upstream, JSON
// text frames carry events downstream.
type WebsocketDialer struct {
	// StreamURL is the ws:// or wss:// endpoint.
	StreamURL string
}

// NewWebsocketDialer creates a dialer for the given stream endpoint.
func NewWebsocketDialer(streamURL string) *WebsocketDialer {
	return &WebsocketDialer{StreamURL: streamURL}
}

// Dial opens the websocket and starts the event reader.
func (d *WebsocketDialer) Dial(ctx context.Context, opts DialOptions) (Relay, error) {
	u, err := url.Parse(d.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}

	q := u.Query()
	q.Set("model", opts.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRateHz))
	q.Set("channels", "1")
	q.Set("diarize", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(opts.UtteranceEndMs))
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to transcription backend: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	r := &relay{
		conn:   conn,
		events: make(chan Event, 32),
	}
	go r.readLoop()
	return r, nil
}

type relay struct {
	conn   *websocket.Conn
	events chan Event
}

func (r *relay) Send(audio []byte) error {
	if err := r.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

func (r *relay) Events() <-chan Event {
	return r.events
}

// Close sends a close frame and tears the connection down. The read loop
// exits on the resulting error and closes the event channel.
func (r *relay) Close() error {
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return r.conn.Close()
}

func (r *relay) readLoop() {
	defer close(r.events)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Transcription stream closed", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("Skipping malformed transcription event", "error", err)
			continue
		}
		r.events <- ev
	}
}
