package registry

import (
	"context"
	"fmt"
	"time"

	"agentline/internal/domain"
	"agentline/internal/ledger"
)

// SweepOptions tune one liveness evaluation pass.
type SweepOptions struct {
	StuckThreshold time.Duration
	// AutoRetry requeues failed/timed-out tasks that still have budget.
	AutoRetry bool
}

// SweepResult reports what a pass found and did.
type SweepResult struct {
	TimedOut  []domain.Task `json:"timed_out,omitempty"`
	Stuck     []domain.Task `json:"stuck,omitempty"`
	Requeued  []domain.Task `json:"requeued,omitempty"`
	Exhausted []domain.Task `json:"exhausted,omitempty"`
}

// Sweep is the polling-free periodic evaluation of the timeout/stuck
// predicates. Timed-out tasks transition to timeout status; stuck tasks
// are surfaced as pending checkpoints but keep running (the work may
// still finish); retriable tasks are requeued when AutoRetry is set;
// exhausted tasks are recorded in the ledger exactly once.
func (r *Registry) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	var res SweepResult

	for _, t := range r.TimedOut() {
		reason := fmt.Sprintf("timed out after %dms", t.TimeoutMs)
		marked, err := r.markTimeout(t.ID, reason)
		if err != nil {
			continue // completed or failed between snapshot and mark
		}
		res.TimedOut = append(res.TimedOut, marked)
		if err := r.mirror(ctx, ledger.TaskFailed, marked, domain.EventPayload{Error: reason}); err != nil {
			return res, err
		}
	}

	if opts.StuckThreshold > 0 {
		for _, t := range r.Stuck(opts.StuckThreshold) {
			res.Stuck = append(res.Stuck, t)
			if !r.shouldReportStuck(t) {
				continue
			}
			summary := fmt.Sprintf("no heartbeat for over %s", opts.StuckThreshold)
			if err := r.mirror(ctx, ledger.TaskYielded, t, domain.EventPayload{Summary: summary}); err != nil {
				return res, err
			}
		}
	}

	for _, t := range r.Retriable() {
		if !opts.AutoRetry {
			continue
		}
		requeued, err := r.Retry(ctx, t.ID)
		if err != nil {
			return res, err
		}
		res.Requeued = append(res.Requeued, requeued)
	}

	for _, t := range r.exhausted() {
		if !r.shouldReportExhausted(t) {
			continue
		}
		res.Exhausted = append(res.Exhausted, t)
		reason := fmt.Sprintf("retries exhausted (%d/%d): %s", t.RetryCount, t.MaxRetries, t.Error)
		if err := r.mirror(ctx, ledger.TaskFailed, t, domain.EventPayload{Error: reason}); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (r *Registry) markTimeout(id, reason string) (domain.Task, error) {
	return r.transition(id, domain.TaskRunning, func(t *domain.Task, nowStr string) {
		t.Status = domain.TaskTimeout
		t.Error = reason
	})
}

func (r *Registry) exhausted() []domain.Task {
	return r.filter(func(t *domain.Task) bool {
		return (t.Status == domain.TaskFailed || t.Status == domain.TaskTimeout) && t.RetryCount >= t.MaxRetries
	})
}

// shouldReportStuck dedupes stuck reports: one per heartbeat value, so a
// task that resumes and stalls again is reported again.
func (r *Registry) shouldReportStuck(t domain.Task) bool {
	if t.LastHeartbeat == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stuckReported == nil {
		r.stuckReported = map[string]string{}
	}
	if r.stuckReported[t.ID] == *t.LastHeartbeat {
		return false
	}
	r.stuckReported[t.ID] = *t.LastHeartbeat
	return true
}

func (r *Registry) shouldReportExhausted(t domain.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exhaustedReported == nil {
		r.exhaustedReported = map[string]bool{}
	}
	if r.exhaustedReported[t.ID] {
		return false
	}
	r.exhaustedReported[t.ID] = true
	return true
}
