// Package config defines runtime configuration for all components.
// Values come from environment variables with built-in defaults; main loads
// a .env file first so local development needs no exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// QueueConfig controls the Processor and the HealthMonitor.
type QueueConfig struct {
	// PollInterval is how often the Processor checks for pending jobs.
	PollInterval time.Duration

	// StuckCheckInterval is the HealthMonitor cadence.
	StuckCheckInterval time.Duration

	// DefaultJobTimeout is applied to jobs without an explicit timeout.
	// A processing job whose heartbeat (or start, if it never beat) is older
	// than this is considered stuck.
	DefaultJobTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for the in-flight job
	// to finish during shutdown.
	GracefulShutdownTimeout time.Duration
}

// StreamConfig controls the StreamHub.
type StreamConfig struct {
	// MaxViewers caps concurrent read-only viewer sockets.
	MaxViewers int

	// MinWordsForAnalysis is the word-count threshold below which a chunk is
	// persisted but not scheduled for analysis. 0 analyzes every chunk.
	MinWordsForAnalysis int

	// UtteranceEndMs is the STT silence threshold for utterance boundaries.
	UtteranceEndMs int

	// SampleRateHz is the PCM capture rate relayed to the STT backend.
	SampleRateHz int

	// StatusDebounce coalesces rapid viewer connect/disconnect status churn.
	StatusDebounce time.Duration
}

// ProviderConfig holds endpoints and model names for the local providers.
type ProviderConfig struct {
	// LLMBaseURL is the Ollama-compatible endpoint for summarize/analyze.
	LLMBaseURL string

	// LLMModel is the model tag requested for summarize/analyze calls.
	LLMModel string

	// STTBaseURL is the Whisper-style HTTP endpoint for file transcription.
	STTBaseURL string

	// STTStreamURL is the websocket endpoint for live transcription.
	STTStreamURL string

	// STTModel is the transcription model tag.
	STTModel string

	// RequestTimeout bounds a single provider call (transcribe, summarize).
	RequestTimeout time.Duration

	// StreamStallTimeout aborts a streaming call that emits no token for
	// this long.
	StreamStallTimeout time.Duration
}

// Config is the root configuration assembled at startup.
type Config struct {
	HTTPPort     string
	UploadsDir   string
	DatabasePath string

	// MaxUploadBytes is the per-request upload ceiling.
	MaxUploadBytes int64

	Queue    QueueConfig
	Stream   StreamConfig
	Provider ProviderConfig
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		HTTPPort:       "8080",
		UploadsDir:     "./data/uploads",
		DatabasePath:   "./data/scribed.db",
		MaxUploadBytes: 100 << 20,
		Queue: QueueConfig{
			PollInterval:            2 * time.Second,
			StuckCheckInterval:      30 * time.Second,
			DefaultJobTimeout:       300 * time.Second,
			GracefulShutdownTimeout: 5 * time.Minute,
		},
		Stream: StreamConfig{
			MaxViewers:          50,
			MinWordsForAnalysis: 0,
			UtteranceEndMs:      1500,
			SampleRateHz:        16000,
			StatusDebounce:      100 * time.Millisecond,
		},
		Provider: ProviderConfig{
			LLMBaseURL:         "http://localhost:11434",
			LLMModel:           "llama3.1:8b",
			STTBaseURL:         "http://localhost:9000",
			STTStreamURL:       "ws://localhost:9000/v1/stream",
			STTModel:           "whisper-large-v3",
			RequestTimeout:     5 * time.Minute,
			StreamStallTimeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration from environment variables on top of the
// defaults.
func Load() (*Config, error) {
	cfg := Default()

	cfg.HTTPPort = getEnvOrDefault("SCRIBED_HTTP_PORT", cfg.HTTPPort)
	cfg.UploadsDir = getEnvOrDefault("SCRIBED_UPLOADS_DIR", cfg.UploadsDir)
	cfg.DatabasePath = getEnvOrDefault("SCRIBED_DB_PATH", cfg.DatabasePath)

	var err error
	if cfg.MaxUploadBytes, err = envInt64("SCRIBED_MAX_FILE_SIZE_BYTES", cfg.MaxUploadBytes); err != nil {
		return nil, err
	}

	if cfg.Queue.PollInterval, err = envMillis("SCRIBED_POLL_INTERVAL_MS", cfg.Queue.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Queue.StuckCheckInterval, err = envMillis("SCRIBED_STUCK_CHECK_INTERVAL_MS", cfg.Queue.StuckCheckInterval); err != nil {
		return nil, err
	}
	if cfg.Queue.DefaultJobTimeout, err = envSeconds("SCRIBED_DEFAULT_JOB_TIMEOUT_SECONDS", cfg.Queue.DefaultJobTimeout); err != nil {
		return nil, err
	}

	if cfg.Stream.MaxViewers, err = envInt("SCRIBED_MAX_VIEWERS", cfg.Stream.MaxViewers); err != nil {
		return nil, err
	}
	if cfg.Stream.MinWordsForAnalysis, err = envInt("SCRIBED_MIN_WORDS_FOR_ANALYSIS", cfg.Stream.MinWordsForAnalysis); err != nil {
		return nil, err
	}
	if cfg.Stream.UtteranceEndMs, err = envInt("SCRIBED_UTTERANCE_END_MS", cfg.Stream.UtteranceEndMs); err != nil {
		return nil, err
	}
	if cfg.Stream.SampleRateHz, err = envInt("SCRIBED_SAMPLE_RATE_HZ", cfg.Stream.SampleRateHz); err != nil {
		return nil, err
	}

	cfg.Provider.LLMBaseURL = getEnvOrDefault("SCRIBED_LLM_BASE_URL", cfg.Provider.LLMBaseURL)
	cfg.Provider.LLMModel = getEnvOrDefault("SCRIBED_LLM_MODEL", cfg.Provider.LLMModel)
	cfg.Provider.STTBaseURL = getEnvOrDefault("SCRIBED_STT_BASE_URL", cfg.Provider.STTBaseURL)
	cfg.Provider.STTStreamURL = getEnvOrDefault("SCRIBED_STT_STREAM_URL", cfg.Provider.STTStreamURL)
	cfg.Provider.STTModel = getEnvOrDefault("SCRIBED_STT_MODEL", cfg.Provider.STTModel)

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	n, err := envInt64(key, defaultVal.Milliseconds())
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(key string, defaultVal time.Duration) (time.Duration, error) {
	n, err := envInt64(key, int64(defaultVal.Seconds()))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
