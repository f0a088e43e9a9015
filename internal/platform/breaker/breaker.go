package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/harvestly/ingest-backend/internal/platform/faults"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// StateChange is delivered to observers on every breaker transition.
type StateChange struct {
	Name string
	From State
	To   State
}

type Observer func(StateChange)

type Config struct {
	Name string
	// CallTimeout bounds every wrapped call; zero means no per-call deadline.
	CallTimeout time.Duration
	// Window is the rolling interval over which the error rate is evaluated.
	Window time.Duration
	// ResetTimeout is how long the breaker stays open before a trial call.
	ResetTimeout time.Duration
	// ErrorThreshold is the failure ratio (0-1] that trips the breaker.
	ErrorThreshold float64
	// MinRequests is the minimum sample size before tripping.
	MinRequests uint32
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		c.ErrorThreshold = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 4
	}
	return c
}

// Breaker wraps external calls with gobreaker plus an absolute call timeout.
// When open, calls fail fast with a circuit-open fault the caller must treat
// as retryable.
type Breaker struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
	log         *logger.Logger

	mu        sync.RWMutex
	observers []Observer
}

func New(cfg Config, log *logger.Logger) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:        cfg.Name,
		callTimeout: cfg.CallTimeout,
	}
	if log != nil {
		b.log = log.With("component", "Breaker", "breaker", cfg.Name)
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // exactly one trial call in half-open
		Interval:    cfg.Window,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.ErrorThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.notify(StateChange{Name: name, From: mapState(from), To: mapState(to)})
		},
	})
	return b
}

// OnStateChange registers an observer invoked synchronously on transitions.
// Handlers must be fast; they run on the caller's goroutine.
func (b *Breaker) OnStateChange(h Observer) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, h)
	b.mu.Unlock()
}

func (b *Breaker) notify(ev StateChange) {
	if b.log != nil {
		b.log.Info("breaker state change", "from", string(ev.From), "to", string(ev.To))
	}
	b.mu.RLock()
	obs := make([]Observer, len(b.observers))
	copy(obs, b.observers)
	b.mu.RUnlock()
	for _, h := range obs {
		h(ev)
	}
}

func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Execute runs op through the breaker. The caller receives either op's
// result/error, a timeout fault, or a circuit-open fault when rejected.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	out, err := b.cb.Execute(func() (any, error) {
		callCtx := ctx
		if b.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
			defer cancel()
		}
		res, opErr := op(callCtx)
		if opErr != nil && errors.Is(opErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, faults.Timeout(opErr)
		}
		return res, opErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, faults.CircuitOpen(b.name)
		}
		return nil, err
	}
	return out, nil
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
