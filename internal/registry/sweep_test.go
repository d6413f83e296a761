package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentline/internal/domain"
	"agentline/internal/ledger"
	"agentline/internal/registry"
)

// captureSink records mirrored events in memory.
type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *captureSink) Append(ctx context.Context, evtType, actor string, payload domain.EventPayload) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := domain.Event{
		Seq:     int64(len(s.events) + 1),
		Type:    evtType,
		Actor:   actor,
		Payload: payload,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *captureSink) typed(evtType string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Event
	for _, ev := range s.events {
		if ev.Type == evtType {
			res = append(res, ev)
		}
	}
	return res
}

func TestSweepMarksTimeouts(t *testing.T) {
	sink := &captureSink{}
	r := registry.New(sink)
	r.Now = func() time.Time { return frozen }
	ctx := context.Background()

	task := register(t, r, registry.RegisterOptions{TimeoutMs: 2000, MaxRetries: 0})
	r.Now = func() time.Time { return frozen.Add(-5 * time.Second) }
	if _, err := r.MarkRunning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	r.Now = func() time.Time { return frozen }

	res, err := r.Sweep(ctx, registry.SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.TimedOut) != 1 || res.TimedOut[0].Status != domain.TaskTimeout {
		t.Fatalf("expected one timed-out task, got %+v", res.TimedOut)
	}
	got, err := r.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskTimeout || got.Error == "" {
		t.Fatalf("timed-out task should carry a reason, got %+v", got)
	}
	if failed := sink.typed(ledger.TaskFailed); len(failed) < 1 {
		t.Fatalf("timeout should be mirrored as a failure event")
	}
}

func TestSweepReportsStuckOncePerHeartbeat(t *testing.T) {
	sink := &captureSink{}
	r := registry.New(sink)
	r.Now = func() time.Time { return frozen }
	ctx := context.Background()

	task := register(t, r, registry.RegisterOptions{TimeoutMs: 300000})
	r.Now = func() time.Time { return frozen.Add(-40 * time.Second) }
	if _, err := r.MarkRunning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	r.Now = func() time.Time { return frozen }

	opts := registry.SweepOptions{StuckThreshold: 30 * time.Second}
	for i := 0; i < 3; i++ {
		if _, err := r.Sweep(ctx, opts); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if yields := sink.typed(ledger.TaskYielded); len(yields) != 1 {
		t.Fatalf("repeated sweeps of the same stall should yield once, got %d", len(yields))
	}

	// a heartbeat then another stall is a new report
	if _, err := r.Heartbeat(task.ID); err != nil {
		t.Fatal(err)
	}
	r.Now = func() time.Time { return frozen.Add(40 * time.Second) }
	if _, err := r.Sweep(ctx, opts); err != nil {
		t.Fatal(err)
	}
	if yields := sink.typed(ledger.TaskYielded); len(yields) != 2 {
		t.Fatalf("new stall after heartbeat should be reported again, got %d", len(yields))
	}
}

func TestSweepAutoRetriesAndExhausts(t *testing.T) {
	sink := &captureSink{}
	r := registry.New(sink)
	r.Now = func() time.Time { return frozen }
	ctx := context.Background()

	task := register(t, r, registry.RegisterOptions{TimeoutMs: 2000, MaxRetries: 1})
	fail := func() {
		t.Helper()
		if _, err := r.MarkRunning(ctx, task.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Fail(ctx, task.ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	fail()
	res, err := r.Sweep(ctx, registry.SweepOptions{AutoRetry: true})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Requeued) != 1 || res.Requeued[0].RetryCount != 1 {
		t.Fatalf("expected one requeue consuming a retry, got %+v", res.Requeued)
	}

	fail()
	res, err = r.Sweep(ctx, registry.SweepOptions{AutoRetry: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Requeued) != 0 {
		t.Fatalf("exhausted task must not requeue: %+v", res.Requeued)
	}
	if len(res.Exhausted) != 1 {
		t.Fatalf("expected exhaustion report, got %+v", res.Exhausted)
	}

	// exhaustion is recorded once
	res, err = r.Sweep(ctx, registry.SweepOptions{AutoRetry: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Exhausted) != 0 {
		t.Fatalf("exhaustion should not repeat, got %+v", res.Exhausted)
	}
}

func TestSweepWithoutAutoRetryLeavesTasks(t *testing.T) {
	r := registry.New(nil)
	r.Now = func() time.Time { return frozen }
	ctx := context.Background()

	task := register(t, r, registry.RegisterOptions{MaxRetries: 2})
	if _, err := r.MarkRunning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Fail(ctx, task.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	res, err := r.Sweep(ctx, registry.SweepOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Requeued) != 0 {
		t.Fatalf("sweep without auto-retry must not requeue: %+v", res.Requeued)
	}
	got, _ := r.Get(task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("task should stay failed, got %s", got.Status)
	}
}
