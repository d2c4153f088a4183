// Package queue runs the inference job queue: a single serial worker that
// claims and dispatches jobs, and a health monitor that recovers jobs whose
// worker stopped making progress.
package queue

import "errors"

// WorkerState is the Processor's lifecycle state.
type WorkerState int32

// Worker states. The loop moves Stopped → Idle ⇄ Busy → Draining → Stopped.
const (
	StateStopped WorkerState = iota
	StateIdle
	StateBusy
	StateDraining
)

// String returns the lowercase state name.
func (s WorkerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// ErrDrainTimeout is returned by Stop when the in-flight job outlives the
// graceful shutdown window.
var ErrDrainTimeout = errors.New("drain timed out waiting for in-flight job")

// ChunkAnalysisBroadcaster receives completed chunk analysis results for
// live fan-out. Implemented by the stream hub; the indirection keeps this
// package free of a dependency on the streaming transport.
type ChunkAnalysisBroadcaster interface {
	BroadcastChunkAnalyzed(sessionID string, chunkID int64, topics, intents []string, summary, sentiment string)
}
