// Package provider abstracts the inference backends: speech-to-text,
// summarization, and chunk analysis. The Processor resolves a provider by
// tag and never sees transport details.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TranscribeResult is the outcome of a transcription call.
type TranscribeResult struct {
	Text             string
	Confidence       *float64
	Model            string
	ProcessingTimeMs int64
	RawResponse      string
}

// SummarizeResult is the outcome of a summarization call.
type SummarizeResult struct {
	Text             string
	Model            string
	TokensUsed       int
	ProcessingTimeMs int64
	RawResponse      string
}

// AnalysisResult is the structured outcome of a chunk analysis call.
type AnalysisResult struct {
	Topics           []string
	Intents          []string
	Sentiment        string
	Summary          string
	Model            string
	ProcessingTimeMs int64
	RawResponse      string
}

// HeartbeatSink receives per-token progress from a streaming call. The
// Processor plugs in a sink that persists heartbeats and feeds the event bus;
// stall detection stays decoupled from the provider implementation.
type HeartbeatSink interface {
	Heartbeat(tokenCount int, partial string)
}

// Provider is an inference backend.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string) (*TranscribeResult, error)
	Summarize(ctx context.Context, text string) (*SummarizeResult, error)
	Analyze(ctx context.Context, text string) (*AnalysisResult, error)
	HealthCheck(ctx context.Context) bool
}

// LocalProvider is a provider backed by locally hosted models. It can verify
// model availability before work starts and stream summaries token by token.
type LocalProvider interface {
	Provider

	// RequiredModel is the model tag that must be loaded for this provider.
	RequiredModel() string

	// IsModelLoaded reports whether the named model is available.
	IsModelLoaded(ctx context.Context, model string) (bool, error)

	// SummarizeStream summarizes with per-token heartbeats pushed to sink.
	SummarizeStream(ctx context.Context, text string, sink HeartbeatSink) (*SummarizeResult, error)
}

// Resolver maps provider tags to instances.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{providers: make(map[string]Provider)}
}

// Register adds a provider under its name, replacing any previous entry.
func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve returns the provider registered under the tag.
func (r *Resolver) Resolve(tag string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[tag]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %q", tag)
	}
	return p, nil
}

// Names returns the registered provider tags, sorted.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
