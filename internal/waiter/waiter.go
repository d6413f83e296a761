package waiter

import (
	"context"
	"errors"
	"time"

	"agentline/internal/domain"
	"agentline/internal/ledger"
)

// ErrWaitTimeout is returned when the timer wins the race. It cancels
// only this caller's observation, never the underlying work; the
// registry's own timeout/stuck detection stays authoritative.
var ErrWaitTimeout = errors.New("wait timed out")

// Filter selects the event a caller is waiting for.
type Filter struct {
	// TaskID, when set, restricts matches to events for that task.
	TaskID string
	// Agent, when set, restricts matches to events from that agent.
	Agent string
	// Types is the terminal set to wait for; empty means task
	// completed or failed.
	Types []string
}

func (f Filter) matches(ev domain.Event) bool {
	types := f.Types
	if len(types) == 0 {
		types = []string{ledger.TaskCompleted, ledger.TaskFailed}
	}
	found := false
	for _, t := range types {
		if ev.Type == t {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if f.TaskID != "" && ev.Payload.TaskID != f.TaskID {
		return false
	}
	if f.Agent != "" && ev.Payload.Agent != f.Agent {
		return false
	}
	return true
}

// Waiter blocks callers until a matching event lands in the ledger.
type Waiter struct {
	Ledger *ledger.Ledger
}

func New(l *ledger.Ledger) *Waiter {
	return &Waiter{Ledger: l}
}

// WaitFor resolves exactly once: with the first matching event, with
// ErrWaitTimeout when the timer fires first, or with ctx.Err on
// cancellation. The catch-up read over recorded history runs before the
// subscription opens, so an event that already happened is found
// immediately and the missed-signal race cannot occur. The subscription
// is always released on return.
func (w *Waiter) WaitFor(ctx context.Context, filter Filter, timeout time.Duration) (domain.Event, error) {
	// catch-up: terminal condition may predate this call
	history, err := w.Ledger.EventHistory(ctx, 0)
	if err != nil {
		return domain.Event{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if filter.matches(history[i]) {
			return history[i], nil
		}
	}

	sub := w.Ledger.Subscribe()
	defer w.Ledger.Unsubscribe(sub)

	// the event may have landed between the read and the subscribe
	history, err = w.Ledger.EventHistory(ctx, 0)
	if err != nil {
		return domain.Event{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if filter.matches(history[i]) {
			return history[i], nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return domain.Event{}, errors.New("subscription closed")
			}
			if filter.matches(ev) {
				return ev, nil
			}
		case <-timer.C:
			return domain.Event{}, ErrWaitTimeout
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		}
	}
}
