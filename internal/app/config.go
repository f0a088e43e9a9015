package app

import (
	"time"

	"github.com/harvestly/ingest-backend/internal/platform/envutil"
	"github.com/harvestly/ingest-backend/internal/platform/faults"
)

// Config is everything the composition root reads from the environment.
// Component-level settings (gate thresholds, chunk sizes) have their own
// defaults; only operationally tuned knobs surface here.
type Config struct {
	OCREngine string // "documentai" | "vision"

	MetricsAddr  string
	ScheduleFile string

	FetchMaxBytes int64
	OCRChunkBytes int
	OCRWorkers    int

	MaxRetryCeiling   int
	HeartbeatInterval time.Duration

	PollInterval time.Duration
	RetryDelay   time.Duration
	StaleAfter   time.Duration
	Concurrency  int

	OCRCallTimeout  time.Duration
	NLPCallTimeout  time.Duration
	BreakerWindow   time.Duration
	BreakerReset    time.Duration
	BreakerMinCalls int
}

func LoadConfig() Config {
	return Config{
		OCREngine: envutil.Str("OCR_ENGINE", "documentai"),

		MetricsAddr:  envutil.Str("METRICS_ADDR", ":9090"),
		ScheduleFile: envutil.Str("SCHEDULE_FILE", ""),

		FetchMaxBytes: int64(envutil.Int("FETCH_MAX_BYTES", 64<<20)),
		OCRChunkBytes: envutil.Int("OCR_CHUNK_BYTES", 1<<20),
		OCRWorkers:    envutil.Int("OCR_WORKERS", 4),

		MaxRetryCeiling:   envutil.Int("JOB_MAX_RETRY_CEILING", 10),
		HeartbeatInterval: envutil.Duration("JOB_HEARTBEAT_INTERVAL", 15*time.Second),

		PollInterval: envutil.Duration("WORKER_POLL_INTERVAL", 1*time.Second),
		RetryDelay:   envutil.Duration("WORKER_RETRY_DELAY", 30*time.Second),
		StaleAfter:   envutil.Duration("WORKER_STALE_AFTER", 2*time.Minute),
		Concurrency:  envutil.Int("WORKER_CONCURRENCY", 2),

		OCRCallTimeout:  envutil.Duration("OCR_CALL_TIMEOUT", 30*time.Second),
		NLPCallTimeout:  envutil.Duration("NLP_CALL_TIMEOUT", 30*time.Second),
		BreakerWindow:   envutil.Duration("BREAKER_WINDOW", 30*time.Second),
		BreakerReset:    envutil.Duration("BREAKER_RESET", 30*time.Second),
		BreakerMinCalls: envutil.Int("BREAKER_MIN_CALLS", 5),
	}
}

func (c Config) Validate() error {
	switch c.OCREngine {
	case "documentai", "vision":
	default:
		return faults.Validationf("OCR_ENGINE must be documentai or vision, got %q", c.OCREngine)
	}
	if c.FetchMaxBytes <= 0 {
		return faults.Validationf("FETCH_MAX_BYTES must be positive")
	}
	if c.OCRWorkers <= 0 || c.OCRWorkers > 64 {
		return faults.Validationf("OCR_WORKERS must be in [1,64]")
	}
	if c.MaxRetryCeiling < 0 || c.MaxRetryCeiling > 10 {
		return faults.Validationf("JOB_MAX_RETRY_CEILING must be in [0,10]")
	}
	if c.Concurrency <= 0 {
		return faults.Validationf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}
