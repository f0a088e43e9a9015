package observability

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Metrics is process-wide and survives individual job runs; per-run
// counters live with the pipeline and are merged into job details.
type Metrics struct {
	jobsTotal      *CounterVec
	jobDuration    *HistogramVec
	jobRetries     *CounterVec
	jobConflicts   *Counter
	activeJobs     *Gauge
	queueDepth     *GaugeVec
	stageTotal     *CounterVec
	stageDuration  *HistogramVec
	docBytes       *Counter
	ocrChunks      *CounterVec
	ocrConfidence  *HistogramVec
	breakerState   *GaugeVec
	breakerTrips   *CounterVec
	validationFail *CounterVec
	pgStats        *GaugeVec
	redisUp        *Gauge
	redisPing      *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			jobsTotal: NewCounterVec("ing_jobs_total", "Jobs by job_type/terminal status.", []string{"job_type", "status"}),
			jobDuration: NewHistogramVec(
				"ing_job_duration_seconds",
				"Job wall time in seconds by job_type/status.",
				[]string{"job_type", "status"},
				[]float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			),
			jobRetries:   NewCounterVec("ing_job_retries_total", "Retry attempts by job_type.", []string{"job_type"}),
			jobConflicts: NewCounter("ing_job_version_conflicts_total", "Optimistic-concurrency write conflicts."),
			activeJobs:   NewGauge("ing_active_jobs", "Jobs currently executing in this process."),
			queueDepth:   NewGaugeVec("ing_job_queue_depth", "Jobs per status.", []string{"status"}),
			stageTotal:   NewCounterVec("ing_pipeline_stage_total", "Pipeline stage count by stage/status.", []string{"stage", "status"}),
			stageDuration: NewHistogramVec(
				"ing_pipeline_stage_duration_seconds",
				"Pipeline stage duration in seconds by stage/status.",
				[]string{"stage", "status"},
				[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			),
			docBytes:  NewCounter("ing_document_bytes_total", "Bytes of document content pulled through extraction."),
			ocrChunks: NewCounterVec("ing_ocr_chunks_total", "OCR chunks by engine/status.", []string{"engine", "status"}),
			ocrConfidence: NewHistogramVec(
				"ing_ocr_confidence",
				"Mean OCR confidence per document by engine.",
				[]string{"engine"},
				[]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
			),
			breakerState:   NewGaugeVec("ing_breaker_state", "Circuit state per breaker (0=closed,1=half-open,2=open).", []string{"name"}),
			breakerTrips:   NewCounterVec("ing_breaker_transitions_total", "Breaker transitions by name/to-state.", []string{"name", "to"}),
			validationFail: NewCounterVec("ing_validation_failures_total", "Validation rejections by checkpoint/field.", []string{"checkpoint", "field"}),
			pgStats:        NewGaugeVec("ing_pg_pool", "Postgres pool stats.", []string{"stat"}),
			redisUp:        NewGauge("ing_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing:      NewGauge("ing_redis_ping_seconds", "Redis ping latency in seconds."),
		}
	})
	if log != nil && instance != nil {
		log.Info("metrics enabled")
	}
	return instance
}

func (m *Metrics) ObserveJob(jobType string, status types.Status, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.Inc(jobType, string(status))
	m.jobDuration.Observe(dur.Seconds(), jobType, string(status))
}

func (m *Metrics) IncJobRetry(jobType string) {
	if m == nil {
		return
	}
	m.jobRetries.Inc(jobType)
}

func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.jobConflicts.Inc()
}

func (m *Metrics) ActiveJobsInc() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *Metrics) ActiveJobsDec() {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageTotal.Inc(stage, status)
	m.stageDuration.Observe(dur.Seconds(), stage, status)
}

func (m *Metrics) AddDocumentBytes(n int64) {
	if m == nil {
		return
	}
	m.docBytes.Add(float64(n))
}

func (m *Metrics) ObserveOCR(engine string, chunksOK, chunksFailed int, confidence float64) {
	if m == nil {
		return
	}
	m.ocrChunks.Add(float64(chunksOK), engine, "ok")
	if chunksFailed > 0 {
		m.ocrChunks.Add(float64(chunksFailed), engine, "failed")
	}
	m.ocrConfidence.Observe(confidence, engine)
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state, name)
}

func (m *Metrics) IncBreakerTransition(name, to string) {
	if m == nil {
		return
	}
	m.breakerTrips.Inc(name, to)
}

func (m *Metrics) IncValidationFailure(checkpoint, field string) {
	if m == nil {
		return
	}
	m.validationFail.Inc(checkpoint, field)
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.jobsTotal, m.jobDuration, m.jobRetries, m.jobConflicts,
		m.activeJobs, m.queueDepth,
		m.stageTotal, m.stageDuration,
		m.docBytes, m.ocrChunks, m.ocrConfidence,
		m.breakerState, m.breakerTrips, m.validationFail,
		m.pgStats, m.redisUp, m.redisPing,
	}
	for _, mw := range writers {
		if err := mw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []types.Status{
		types.StatusPending, types.StatusScheduled, types.StatusRunning,
		types.StatusRetrying, types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, string(s))
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&types.Job{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), status)
				}
			}
		}
	}()
}
