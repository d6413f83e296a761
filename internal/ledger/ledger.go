package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentline/internal/domain"
)

// ErrLedgerUnavailable is returned when the store stays locked past the
// configured retry budget.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

const (
	defaultLockRetries = 5
	defaultLockBackoff = 50 * time.Millisecond
)

// Ledger is the durable, append-only event log plus its in-memory
// materialized projections. All writes serialize through an internal
// mutex; readers see a consistent, possibly slightly stale view.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time

	// LockRetries and LockBackoff bound the retry loop around a busy
	// store before escalating to ErrLedgerUnavailable.
	LockRetries int
	LockBackoff time.Duration

	writeMu sync.Mutex

	viewMu sync.RWMutex
	views  views

	subMu   sync.Mutex
	subs    map[int]*Subscription
	nextSub int
}

// New returns a Ledger over an opened, migrated database. Call
// Initialize before appending.
func New(db *sql.DB) *Ledger {
	return &Ledger{
		DB:          db,
		Now:         time.Now,
		LockRetries: defaultLockRetries,
		LockBackoff: defaultLockBackoff,
		views:       newViews(),
		subs:        map[int]*Subscription{},
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Initialize replays the persisted log in order and rebuilds every
// projection from scratch. Recovery is a pure function of the log:
// replaying the same prefix twice yields identical projections.
func (l *Ledger) Initialize(ctx context.Context) error {
	events, err := l.readEvents(ctx, 0)
	if err != nil {
		return fmt.Errorf("replay events: %w", err)
	}
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	l.views = newViews()
	for _, ev := range events {
		l.views.apply(ev)
	}
	return nil
}

// Append assigns the next sequence id and timestamp, persists the event,
// updates projections incrementally, and notifies subscribers in append
// order. The write path is single-writer: concurrent appends serialize.
func (l *Ledger) Append(ctx context.Context, evtType, actor string, payload domain.EventPayload) (domain.Event, error) {
	if err := ValidateEventType(evtType); err != nil {
		return domain.Event{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	ev := domain.Event{
		TS:      l.now().UTC().Format(time.RFC3339),
		Type:    evtType,
		Actor:   actor,
		Payload: payload,
	}
	err = l.withLockRetry(ctx, func() error {
		res, execErr := l.DB.ExecContext(ctx,
			`INSERT INTO events(ts,type,actor,payload_json) VALUES (?,?,?,?)`,
			ev.TS, ev.Type, ev.Actor, string(data))
		if execErr != nil {
			return execErr
		}
		ev.Seq, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return domain.Event{}, err
	}

	l.viewMu.Lock()
	l.views.apply(ev)
	l.viewMu.Unlock()

	l.publish(ev)
	return ev, nil
}

// Mutate runs fn inside a transaction under the ledger's writer lock.
// Components that keep derived records in the same store (the dialogue
// table) use this so every write honors the single-writer discipline.
func (l *Ledger) Mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.withLockRetry(ctx, func() error {
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// withLockRetry retries fn with bounded backoff while the store reports
// lock contention, then escalates.
func (l *Ledger) withLockRetry(ctx context.Context, fn func() error) error {
	retries := l.LockRetries
	if retries <= 0 {
		retries = defaultLockRetries
	}
	backoff := l.LockBackoff
	if backoff <= 0 {
		backoff = defaultLockBackoff
	}
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = fn()
		if err == nil || !isLocked(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// EventHistory returns events in append order. limit <= 0 returns the
// full log; otherwise the most recent limit events, still ordered oldest
// first.
func (l *Ledger) EventHistory(ctx context.Context, limit int) ([]domain.Event, error) {
	return l.readEvents(ctx, limit)
}

func (l *Ledger) readEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT seq,ts,type,actor,payload_json FROM events ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query = `SELECT seq,ts,type,actor,payload_json FROM (
			SELECT seq,ts,type,actor,payload_json FROM events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.Actor, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", ev.Seq, err)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ActiveEpic returns the current epic projection, nil when none is open.
func (l *Ledger) ActiveEpic() *domain.Epic {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.views.epicCopy()
}

// ActiveIntents returns currently open task intents in open order.
func (l *Ledger) ActiveIntents() []domain.Intent {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.views.intentList()
}

// PendingCheckpoints returns approval gates awaiting a human decision.
func (l *Ledger) PendingCheckpoints() []domain.Checkpoint {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.views.checkpointList()
}

// Governance returns standing directives and assumptions in added order.
func (l *Ledger) Governance() []domain.Governance {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return append([]domain.Governance(nil), l.views.governance...)
}

// Learnings returns extracted learnings in added order.
func (l *Ledger) Learnings() []domain.Learning {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return append([]domain.Learning(nil), l.views.learnings...)
}

// Handoffs returns handoff notes in added order.
func (l *Ledger) Handoffs() []domain.Handoff {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return append([]domain.Handoff(nil), l.views.handoffs...)
}
