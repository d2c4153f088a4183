package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/scribehub/scribed/pkg/config"
)

// ErrStreamStalled is returned when a streaming call emits no token for the
// configured stall timeout.
var ErrStreamStalled = errors.New("streaming stalled")

// Local talks to locally hosted inference servers: an Ollama-compatible LLM
// endpoint for summarize/analyze and a Whisper-style HTTP endpoint for file
// transcription.
type Local struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
}

// NewLocal creates the local provider from config.
func NewLocal(cfg config.ProviderConfig) *Local {
	return &Local{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Name implements Provider.
func (l *Local) Name() string { return "local" }

// RequiredModel implements LocalProvider.
func (l *Local) RequiredModel() string { return l.cfg.LLMModel }

// Transcribe posts the audio file to the Whisper-style endpoint and returns
// the transcript.
func (l *Local) Transcribe(ctx context.Context, audioPath string) (*TranscribeResult, error) {
	start := time.Now()

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	if err := mw.WriteField("model", l.cfg.STTModel); err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.cfg.STTBaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcribe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcribe request returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode transcribe response: %w", err)
	}

	return &TranscribeResult{
		Text:             parsed.Text,
		Confidence:       parsed.Confidence,
		Model:            l.cfg.STTModel,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		RawResponse:      string(raw),
	}, nil
}

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateChunk is one NDJSON line of a streaming /api/generate response,
// and the full body of a non-streaming one.
type generateChunk struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

// Summarize runs a non-streaming summarization call.
func (l *Local) Summarize(ctx context.Context, text string) (*SummarizeResult, error) {
	start := time.Now()

	raw, chunk, err := l.generate(ctx, summarizePrompt(text))
	if err != nil {
		return nil, err
	}

	return &SummarizeResult{
		Text:             strings.TrimSpace(chunk.Response),
		Model:            l.cfg.LLMModel,
		TokensUsed:       chunk.EvalCount,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		RawResponse:      raw,
	}, nil
}

// SummarizeStream runs a streaming summarization call, pushing one heartbeat
// per token to sink. A stream that emits no token for the configured stall
// timeout aborts with ErrStreamStalled.
func (l *Local) SummarizeStream(ctx context.Context, text string, sink HeartbeatSink) (*SummarizeResult, error) {
	start := time.Now()

	body, err := json.Marshal(generateRequest{
		Model:  l.cfg.LLMModel,
		Prompt: summarizePrompt(text),
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		l.cfg.LLMBaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// The stream has no overall deadline; the stall watchdog bounds the wait
	// for response headers and every inter-token gap instead. Armed before Do
	// so a backend that never answers cannot pin the worker.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(l.cfg.StreamStallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		if stalled.Load() {
			return nil, fmt.Errorf("%w after %d tokens", ErrStreamStalled, 0)
		}
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()
	watchdog.Reset(l.cfg.StreamStallTimeout)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("generate request returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var sb strings.Builder
	tokens := 0
	evalCount := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}

		if chunk.Response != "" {
			sb.WriteString(chunk.Response)
			tokens++
			watchdog.Reset(l.cfg.StreamStallTimeout)
			if sink != nil {
				sink.Heartbeat(tokens, sb.String())
			}
		}
		if chunk.Done {
			evalCount = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if stalled.Load() {
			return nil, fmt.Errorf("%w after %d tokens", ErrStreamStalled, tokens)
		}
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	if evalCount == 0 {
		evalCount = tokens
	}

	return &SummarizeResult{
		Text:             strings.TrimSpace(sb.String()),
		Model:            l.cfg.LLMModel,
		TokensUsed:       evalCount,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Analyze asks the LLM for structured chunk analysis and parses the JSON
// answer.
func (l *Local) Analyze(ctx context.Context, text string) (*AnalysisResult, error) {
	start := time.Now()

	raw, chunk, err := l.generate(ctx, analyzePrompt(text))
	if err != nil {
		return nil, err
	}

	parsed := parseAnalysis(chunk.Response)
	parsed.Model = l.cfg.LLMModel
	parsed.ProcessingTimeMs = time.Since(start).Milliseconds()
	parsed.RawResponse = raw
	return parsed, nil
}

// generate runs a non-streaming /api/generate call.
func (l *Local) generate(ctx context.Context, prompt string) (string, *generateChunk, error) {
	body, err := json.Marshal(generateRequest{
		Model:  l.cfg.LLMModel,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.cfg.LLMBaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("generate request returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var chunk generateChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return "", nil, fmt.Errorf("failed to decode generate response: %w", err)
	}
	return string(raw), &chunk, nil
}

// IsModelLoaded checks the Ollama tags endpoint for the model.
func (l *Local) IsModelLoaded(ctx context.Context, model string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.LLMBaseURL+"/api/tags", nil)
	if err != nil {
		return false, fmt.Errorf("failed to build tags request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("tags request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("tags request returned %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("failed to decode tags response: %w", err)
	}

	for _, m := range parsed.Models {
		if m.Name == model || strings.SplitN(m.Name, ":", 2)[0] == model {
			return true, nil
		}
	}
	return false, nil
}

// HealthCheck reports whether the LLM endpoint answers.
func (l *Local) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.LLMBaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func summarizePrompt(text string) string {
	return "Summarize the following transcript concisely. Respond with the summary only.\n\n" + text
}

func analyzePrompt(text string) string {
	return `Analyze the following utterance. Respond with a single JSON object:
{"topics": ["..."], "intents": ["..."], "sentiment": "positive|neutral|negative", "summary": "..."}

Utterance:
` + text
}

// parseAnalysis decodes the model's JSON answer, tolerating code fences and
// leading prose. Unparseable answers degrade to a summary-only result.
func parseAnalysis(answer string) *AnalysisResult {
	cleaned := strings.TrimSpace(answer)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if start := strings.IndexByte(cleaned, '{'); start >= 0 {
		if end := strings.LastIndexByte(cleaned, '}'); end > start {
			cleaned = cleaned[start : end+1]
		}
	}

	var parsed struct {
		Topics    []string `json:"topics"`
		Intents   []string `json:"intents"`
		Sentiment string   `json:"sentiment"`
		Summary   string   `json:"summary"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return &AnalysisResult{Summary: strings.TrimSpace(answer)}
	}

	return &AnalysisResult{
		Topics:    parsed.Topics,
		Intents:   parsed.Intents,
		Sentiment: parsed.Sentiment,
		Summary:   parsed.Summary,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
