package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harvestly/ingest-backend/internal/observability"
	"github.com/harvestly/ingest-backend/internal/platform/breaker"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

func TestObserveBreakerFeedsMetrics(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "true")
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	m := observability.Init(log)
	if m == nil {
		t.Fatal("metrics should be enabled")
	}

	brk := breaker.New(breaker.Config{Name: "ocr", MinRequests: 1, ErrorThreshold: 0.5}, log)
	observeBreaker(m, brk)

	_, execErr := brk.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("engine down")
	})
	if execErr == nil {
		t.Fatal("expected the wrapped error")
	}
	if brk.State() != breaker.StateOpen {
		t.Fatalf("state = %s, want open", brk.State())
	}

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `ing_breaker_state{name="ocr"} 2`) {
		t.Fatalf("missing open-state gauge in exposition:\n%s", out)
	}
	if !strings.Contains(out, `ing_breaker_transitions_total{name="ocr",to="open"} 1`) {
		t.Fatalf("missing transition counter in exposition:\n%s", out)
	}
}

func TestBreakerStateValueEncoding(t *testing.T) {
	cases := map[breaker.State]float64{
		breaker.StateClosed:   0,
		breaker.StateHalfOpen: 1,
		breaker.StateOpen:     2,
	}
	for state, want := range cases {
		if got := breakerStateValue(state); got != want {
			t.Fatalf("breakerStateValue(%s) = %v, want %v", state, got, want)
		}
	}
}
