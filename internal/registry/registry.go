package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/ledger"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidSpec       = errors.New("invalid task spec")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrRetriesExhausted  = errors.New("retries exhausted")
)

// EventSink receives mirrored lifecycle events. *ledger.Ledger satisfies
// it; a nil sink disables mirroring (used by isolated tests).
type EventSink interface {
	Append(ctx context.Context, evtType, actor string, payload domain.EventPayload) (domain.Event, error)
}

// Registry is the authoritative, process-local record of every spawned
// task's lifecycle. It performs no I/O and no process management; the
// spawning collaborator drives MarkRunning/Heartbeat/Complete/Fail.
type Registry struct {
	Now  func() time.Time
	Sink EventSink

	mu    sync.Mutex
	tasks map[string]*domain.Task
	order []string

	// sweep bookkeeping, guarded by mu
	stuckReported     map[string]string
	exhaustedReported map[string]bool
}

func New(sink EventSink) *Registry {
	return &Registry{
		Now:   time.Now,
		Sink:  sink,
		tasks: map[string]*domain.Task{},
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RegisterOptions are parameters for registering a task.
type RegisterOptions struct {
	Agent      string
	Prompt     string
	TimeoutMs  int64
	MaxRetries int
	SessionID  string
}

// Register creates a pending task with a fresh id.
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) (domain.Task, error) {
	if opts.Agent == "" {
		return domain.Task{}, fmt.Errorf("%w: agent is required", ErrInvalidSpec)
	}
	if opts.TimeoutMs <= 0 {
		return domain.Task{}, fmt.Errorf("%w: timeout_ms must be positive, got %d", ErrInvalidSpec, opts.TimeoutMs)
	}
	if opts.MaxRetries < 0 {
		return domain.Task{}, fmt.Errorf("%w: max_retries must be non-negative, got %d", ErrInvalidSpec, opts.MaxRetries)
	}
	now := r.now().UTC().Format(time.RFC3339)
	t := &domain.Task{
		ID:         uuid.New().String(),
		SessionID:  opts.SessionID,
		Agent:      opts.Agent,
		Prompt:     opts.Prompt,
		Status:     domain.TaskPending,
		TimeoutMs:  opts.TimeoutMs,
		MaxRetries: opts.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	snapshot := *t
	r.mu.Unlock()

	if err := r.mirror(ctx, ledger.TaskCreated, snapshot, domain.EventPayload{}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return *t, nil
}

// List returns copies of all tasks in registration order.
func (r *Registry) List() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, *r.tasks[id])
	}
	return res
}

// MarkRunning moves a pending task to running and stamps startedAt and
// lastHeartbeat.
func (r *Registry) MarkRunning(ctx context.Context, id string) (domain.Task, error) {
	snapshot, err := r.transition(id, domain.TaskPending, func(t *domain.Task, nowStr string) {
		t.Status = domain.TaskRunning
		t.StartedAt = &nowStr
		hb := nowStr
		t.LastHeartbeat = &hb
	})
	if err != nil {
		return snapshot, err
	}
	if err := r.mirror(ctx, ledger.TaskStarted, snapshot, domain.EventPayload{}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Heartbeat refreshes the liveness signal of a running task.
func (r *Registry) Heartbeat(id string) (domain.Task, error) {
	return r.transition(id, domain.TaskRunning, func(t *domain.Task, nowStr string) {
		hb := nowStr
		t.LastHeartbeat = &hb
	})
}

// Complete moves a running task to completed with its result payload.
func (r *Registry) Complete(ctx context.Context, id, result string) (domain.Task, error) {
	snapshot, err := r.transition(id, domain.TaskRunning, func(t *domain.Task, nowStr string) {
		t.Status = domain.TaskCompleted
		t.Result = result
	})
	if err != nil {
		return snapshot, err
	}
	if err := r.mirror(ctx, ledger.TaskCompleted, snapshot, domain.EventPayload{Result: result}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Fail moves a running task to failed with its error payload.
func (r *Registry) Fail(ctx context.Context, id, taskErr string) (domain.Task, error) {
	snapshot, err := r.transition(id, domain.TaskRunning, func(t *domain.Task, nowStr string) {
		t.Status = domain.TaskFailed
		t.Error = taskErr
	})
	if err != nil {
		return snapshot, err
	}
	if err := r.mirror(ctx, ledger.TaskFailed, snapshot, domain.EventPayload{Error: taskErr}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

func (r *Registry) transition(id string, want domain.TaskStatus, apply func(t *domain.Task, nowStr string)) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	if t.Status != want {
		return *t, fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidTransition, id, t.Status, want)
	}
	nowStr := r.now().UTC().Format(time.RFC3339)
	apply(t, nowStr)
	t.UpdatedAt = nowStr
	return *t, nil
}

// TimedOut returns running tasks whose total elapsed time exceeds their
// budget, regardless of heartbeats.
func (r *Registry) TimedOut() []domain.Task {
	now := r.now()
	return r.filter(func(t *domain.Task) bool {
		if t.Status != domain.TaskRunning || t.StartedAt == nil {
			return false
		}
		started, err := time.Parse(time.RFC3339, *t.StartedAt)
		if err != nil {
			return false
		}
		return now.Sub(started) > time.Duration(t.TimeoutMs)*time.Millisecond
	})
}

// Stuck returns running tasks with no heartbeat for longer than the
// threshold. A task can be stuck while still inside its timeout budget.
func (r *Registry) Stuck(threshold time.Duration) []domain.Task {
	now := r.now()
	return r.filter(func(t *domain.Task) bool {
		if t.Status != domain.TaskRunning || t.LastHeartbeat == nil {
			return false
		}
		hb, err := time.Parse(time.RFC3339, *t.LastHeartbeat)
		if err != nil {
			return false
		}
		return now.Sub(hb) > threshold
	})
}

// Retriable returns failed or timed-out tasks with retry budget left.
func (r *Registry) Retriable() []domain.Task {
	return r.filter(func(t *domain.Task) bool {
		return (t.Status == domain.TaskFailed || t.Status == domain.TaskTimeout) && t.RetryCount < t.MaxRetries
	})
}

func (r *Registry) filter(keep func(t *domain.Task) bool) []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []domain.Task
	for _, id := range r.order {
		if t := r.tasks[id]; keep(t) {
			res = append(res, *t)
		}
	}
	return res
}

// Retry requeues a failed or timed-out task, consuming one retry.
func (r *Registry) Retry(ctx context.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return domain.Task{}, ErrNotFound
	}
	if t.Status != domain.TaskFailed && t.Status != domain.TaskTimeout {
		r.mu.Unlock()
		return *t, fmt.Errorf("%w: task %s is %s, retry requires failed or timeout", ErrInvalidTransition, id, t.Status)
	}
	if t.RetryCount >= t.MaxRetries {
		r.mu.Unlock()
		return *t, fmt.Errorf("%w: task %s used %d of %d retries", ErrRetriesExhausted, id, t.RetryCount, t.MaxRetries)
	}
	t.RetryCount++
	t.Status = domain.TaskPending
	t.StartedAt = nil
	t.LastHeartbeat = nil
	t.Error = ""
	t.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	delete(r.stuckReported, id)
	delete(r.exhaustedReported, id)
	snapshot := *t
	r.mu.Unlock()

	summary := fmt.Sprintf("retry %d/%d", snapshot.RetryCount, snapshot.MaxRetries)
	if err := r.mirror(ctx, ledger.TaskCreated, snapshot, domain.EventPayload{Summary: summary}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// mirror records a lifecycle transition in the ledger. Disabled when no
// sink is configured; the in-memory state change always stands.
func (r *Registry) mirror(ctx context.Context, evtType string, t domain.Task, extra domain.EventPayload) error {
	if r.Sink == nil {
		return nil
	}
	extra.TaskID = t.ID
	extra.TaskTitle = firstLine(t.Prompt)
	extra.Agent = t.Agent
	_, err := r.Sink.Append(ctx, evtType, t.Agent, extra)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", evtType, err)
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
		if i >= 80 {
			return s[:i]
		}
	}
	return s
}

// CountByStatus summarizes the registry for status output.
func (r *Registry) CountByStatus() map[domain.TaskStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[domain.TaskStatus]int{}
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// sessionTasks is a helper for ordered per-session listings.
func (r *Registry) SessionTasks(sessionID string) []domain.Task {
	tasks := r.filter(func(t *domain.Task) bool { return t.SessionID == sessionID })
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt < tasks[j].CreatedAt })
	return tasks
}
