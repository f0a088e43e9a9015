package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Event is what goes over the wire for job lifecycle changes.
type Event struct {
	JobID     uuid.UUID    `json:"job_id"`
	JobType   string       `json:"job_type"`
	Kind      string       `json:"kind"` // "progress" | "completed" | "failed" | "cancelled"
	Status    types.Status `json:"status"`
	Progress  float64      `json:"progress,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notifier fans job events out to interested consumers. Publishing is
// fire-and-forget: a down bus never fails a job.
type Notifier interface {
	JobProgress(ctx context.Context, job *types.Job, progress float64)
	JobCompleted(ctx context.Context, job *types.Job)
	JobFailed(ctx context.Context, job *types.Job, jobErr error)
	JobCancelled(ctx context.Context, job *types.Job)
	StartForwarder(ctx context.Context, onEvent func(Event)) error
	Close() error
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisNotifier(log *logger.Logger) (Notifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_JOB_CHANNEL"))
	if ch == "" {
		ch = "job-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifier{
		log:     log.With("service", "JobNotifier"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (n *redisNotifier) publish(ctx context.Context, ev Event) {
	if n == nil || n.rdb == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("job event marshal failed", "job_id", ev.JobID, "error", err)
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("job event publish failed", "job_id", ev.JobID, "kind", ev.Kind, "error", err)
	}
}

func (n *redisNotifier) JobProgress(ctx context.Context, job *types.Job, progress float64) {
	n.publish(ctx, Event{
		JobID:    job.ID,
		JobType:  job.JobType,
		Kind:     "progress",
		Status:   job.Status,
		Progress: progress,
	})
}

func (n *redisNotifier) JobCompleted(ctx context.Context, job *types.Job) {
	n.publish(ctx, Event{
		JobID:    job.ID,
		JobType:  job.JobType,
		Kind:     "completed",
		Status:   types.StatusCompleted,
		Progress: 100,
	})
}

func (n *redisNotifier) JobFailed(ctx context.Context, job *types.Job, jobErr error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	n.publish(ctx, Event{
		JobID:   job.ID,
		JobType: job.JobType,
		Kind:    "failed",
		Status:  types.StatusFailed,
		Error:   msg,
	})
}

func (n *redisNotifier) JobCancelled(ctx context.Context, job *types.Job) {
	n.publish(ctx, Event{
		JobID:   job.ID,
		JobType: job.JobType,
		Kind:    "cancelled",
		Status:  types.StatusCancelled,
	})
}

func (n *redisNotifier) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	if n == nil || n.rdb == nil {
		return fmt.Errorf("notifier not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					n.log.Warn("bad job event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (n *redisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}

// Nop is used where eventing is disabled, mostly in tests.
type Nop struct{}

func (Nop) JobProgress(context.Context, *types.Job, float64)  {}
func (Nop) JobCompleted(context.Context, *types.Job)          {}
func (Nop) JobFailed(context.Context, *types.Job, error)      {}
func (Nop) JobCancelled(context.Context, *types.Job)          {}
func (Nop) StartForwarder(context.Context, func(Event)) error { return nil }
func (Nop) Close() error                                      { return nil }
