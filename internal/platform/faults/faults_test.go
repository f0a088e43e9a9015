package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatching(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{Validationf("bad field %q", "mime"), ErrValidation},
		{NotFoundf("job %s", "x"), ErrNotFound},
		{Authentication("no token"), ErrAuthentication},
		{Authorization("forbidden"), ErrAuthorization},
		{Network(errors.New("conn refused")), ErrNetwork},
		{Timeout(context.DeadlineExceeded), ErrTimeout},
		{CircuitOpen("ocr"), ErrCircuitOpen},
		{InvalidTransition("completed", "running"), ErrInvalidTransition},
		{VersionConflict("job-1", 3), ErrVersionConflict},
		{AlreadyRunning("job-1"), ErrAlreadyRunning},
	}
	for _, c := range cases {
		if !errors.Is(c.err, c.sentinel) {
			t.Fatalf("expected %v to match %v", c.err, c.sentinel)
		}
	}
	if errors.Is(Validationf("x"), ErrNotFound) {
		t.Fatalf("validation fault must not match ErrNotFound")
	}
}

func TestSentinelMatchingThroughWrapping(t *testing.T) {
	err := fmt.Errorf("stage ocr: %w", Network(errors.New("reset")))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("wrapped network fault should match ErrNetwork")
	}
	if !Retryable(err) {
		t.Fatalf("wrapped network fault should be retryable")
	}
}

func TestRetryableClassification(t *testing.T) {
	retryable := []error{
		Network(errors.New("reset")),
		Timeout(nil),
		CircuitOpen("nlp"),
		context.DeadlineExceeded,
	}
	for _, err := range retryable {
		if !Retryable(err) {
			t.Fatalf("expected retryable: %v", err)
		}
	}
	fatal := []error{
		Validationf("bad"),
		Authentication("nope"),
		Authorization("nope"),
		InvalidTransition("a", "b"),
		VersionConflict("id", 1),
		NotFoundf("gone"),
		errors.New("plain"),
		nil,
	}
	for _, err := range fatal {
		if Retryable(err) {
			t.Fatalf("expected non-retryable: %v", err)
		}
	}
}

func TestExternalizeStripsInternalDetail(t *testing.T) {
	inner := errors.New("dial tcp 10.0.0.3:5432: connect: refused")
	ext := Externalize(Network(inner))
	if ext.Code != CodeNetwork {
		t.Fatalf("code: want=%s got=%s", CodeNetwork, ext.Code)
	}
	if ext.Message != "network error" {
		t.Fatalf("message should not leak internals, got %q", ext.Message)
	}

	ext = Externalize(errors.New("panic: nil deref at manager.go:42"))
	if ext.Code != CodeInternal || ext.Message != "internal error" {
		t.Fatalf("unknown errors must externalize as internal, got %+v", ext)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(VersionConflict("j", 2)); got != CodeVersionConflict {
		t.Fatalf("CodeOf: want=%s got=%s", CodeVersionConflict, got)
	}
	if got := CodeOf(context.DeadlineExceeded); got != CodeTimeout {
		t.Fatalf("CodeOf deadline: want=%s got=%s", CodeTimeout, got)
	}
	if got := CodeOf(errors.New("x")); got != CodeInternal {
		t.Fatalf("CodeOf plain: want=%s got=%s", CodeInternal, got)
	}
}
