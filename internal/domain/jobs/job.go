package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/harvestly/ingest-backend/internal/platform/faults"
)

// JobMetrics is mutated only by the active execution; observers get copies.
type JobMetrics struct {
	RequestCount   int64   `json:"request_count"`
	BytesProcessed int64   `json:"bytes_processed"`
	ItemsProcessed int64   `json:"items_processed"`
	ErrorCount     int64   `json:"error_count"`
	AvgResponseMS  float64 `json:"avg_response_ms"`
	SuccessRate    float64 `json:"success_rate"`
	BandwidthBytes int64   `json:"bandwidth_bytes"`
	RetryRate      float64 `json:"retry_rate"`
}

type ExecutionDetails struct {
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
	Attempts       int        `json:"attempts"`
	LastCheckpoint string     `json:"last_checkpoint,omitempty"`
	Progress       int        `json:"progress"`
	Metrics        JobMetrics `json:"metrics"`
	Error          string     `json:"error,omitempty"`
}

// ClampProgress keeps progress in [0,100] and never lets it move backwards
// within an execution.
func ClampProgress(current, next int) int {
	if next < current {
		next = current
	}
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	return next
}

type SourceConfig struct {
	Type   string `json:"type" yaml:"type"` // "upload" | "scrape"
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
}

type OCROptions struct {
	ChunkSize int           `json:"chunk_size" yaml:"chunk_size"`
	Workers   int           `json:"workers" yaml:"workers"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

type ProcessingOptions struct {
	// MaxRetries is the total attempt budget: a job configured with 3
	// runs at most 3 times before settling in failed.
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay" yaml:"retry_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MinConfidence     float64       `json:"min_confidence" yaml:"min_confidence"`
	OCR               OCROptions    `json:"ocr" yaml:"ocr"`
}

// JobConfig is immutable once the job is created.
type JobConfig struct {
	Source     SourceConfig      `json:"source" yaml:"source"`
	Schedule   string            `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Processing ProcessingOptions `json:"processing" yaml:"processing"`
}

// Validate runs at construction time; config never gets re-checked at
// point of use.
func (c JobConfig) Validate() error {
	switch c.Source.Type {
	case "upload":
		if c.Source.Bucket == "" || c.Source.Key == "" {
			return faults.Validationf("upload source requires bucket and key")
		}
	case "scrape":
		if c.Source.URL == "" {
			return faults.Validationf("scrape source requires url")
		}
	default:
		return faults.Validationf("unknown source type %q", c.Source.Type)
	}
	if c.Processing.MaxRetries < 0 || c.Processing.MaxRetries > 10 {
		return faults.Validationf("max_retries must be in [0,10], got %d", c.Processing.MaxRetries)
	}
	if c.Processing.BackoffMultiplier != 0 && c.Processing.BackoffMultiplier < 1 {
		return faults.Validationf("backoff_multiplier must be >= 1")
	}
	if c.Processing.MinConfidence < 0 || c.Processing.MinConfidence > 1 {
		return faults.Validationf("min_confidence must be in [0,1]")
	}
	if c.Processing.OCR.Workers < 0 {
		return faults.Validationf("ocr workers must be >= 0")
	}
	return nil
}

type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status      Status         `gorm:"column:status;not null;index" json:"status"`
	RetryCount  int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Version     int64          `gorm:"column:version;not null;default:1" json:"version"`
	Config      datatypes.JSON `gorm:"column:config;type:jsonb" json:"config"`
	Details     datatypes.JSON `gorm:"column:details;type:jsonb" json:"details"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// NewJob builds a pending job from a validated config. Jobs created through
// the scheduler start out scheduled instead.
func NewJob(jobType string, cfg JobConfig, scheduled bool) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, faults.Internal(err)
	}
	status := StatusPending
	if scheduled {
		status = StatusScheduled
	}
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		JobType:   jobType,
		Status:    status,
		Version:   1,
		Config:    datatypes.JSON(raw),
		Details:   datatypes.JSON([]byte("{}")),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (j *Job) DecodeConfig() (JobConfig, error) {
	var cfg JobConfig
	if len(j.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return cfg, faults.Internal(err)
	}
	return cfg, nil
}

func (j *Job) DecodeDetails() (ExecutionDetails, error) {
	var d ExecutionDetails
	if len(j.Details) == 0 || string(j.Details) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(j.Details, &d); err != nil {
		return d, faults.Internal(err)
	}
	return d, nil
}

func EncodeDetails(d ExecutionDetails) datatypes.JSON {
	raw, _ := json.Marshal(d)
	return datatypes.JSON(raw)
}
