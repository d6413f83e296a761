package ledger_test

import (
	"context"
	"database/sql"
	"reflect"
	"testing"
	"time"

	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/ledger"
	"agentline/internal/migrate"
)

type testEnv struct {
	Ledger *ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(conn)
	led.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := led.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return testEnv{Ledger: led, Ctx: ctx}
}

func TestAppendAssignsMonotoneSeq(t *testing.T) {
	env := newTestEnv(t)
	var last int64
	for i := 0; i < 5; i++ {
		ev, err := env.Ledger.Append(env.Ctx, ledger.LearningExtracted, "tester", domain.EventPayload{Summary: "lesson"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Seq <= last {
			t.Fatalf("seq must grow: got %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
	events, err := env.Ledger.EventHistory(env.Ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestAppendRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Append(env.Ctx, "task.exploded", "tester", domain.EventPayload{}); err == nil {
		t.Fatalf("expected unknown type rejection")
	}
	events, err := env.Ledger.EventHistory(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected append must not persist, got %d events", len(events))
	}
}

func TestEventHistoryLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		if _, err := env.Ledger.Append(env.Ctx, ledger.HandoffCreated, "tester", domain.EventPayload{Summary: "note"}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := env.Ledger.EventHistory(env.Ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq >= events[1].Seq {
		t.Fatalf("limited history must stay oldest first")
	}
	if events[1].Seq != 5 {
		t.Fatalf("limit should keep the most recent events, got seq %d", events[1].Seq)
	}
}

func TestEpicProjection(t *testing.T) {
	env := newTestEnv(t)
	mustAppend(t, env, ledger.EpicCreated, domain.EventPayload{EpicID: "e1", EpicTitle: "Ship it"})

	epic := env.Ledger.ActiveEpic()
	if epic == nil || epic.ID != "e1" || epic.Status != "created" {
		t.Fatalf("unexpected epic: %+v", epic)
	}

	mustAppend(t, env, ledger.EpicStarted, domain.EventPayload{EpicID: "e1"})
	if epic := env.Ledger.ActiveEpic(); epic.Status != "started" {
		t.Fatalf("expected started epic, got %+v", epic)
	}

	mustAppend(t, env, ledger.EpicCompleted, domain.EventPayload{EpicID: "e1"})
	if epic := env.Ledger.ActiveEpic(); epic != nil {
		t.Fatalf("completed epic should clear the projection, got %+v", epic)
	}
}

func TestIntentAndCheckpointProjection(t *testing.T) {
	env := newTestEnv(t)
	mustAppend(t, env, ledger.TaskCreated, domain.EventPayload{TaskID: "t1", TaskTitle: "build", Agent: "worker"})
	mustAppend(t, env, ledger.TaskStarted, domain.EventPayload{TaskID: "t1"})

	intents := env.Ledger.ActiveIntents()
	if len(intents) != 1 || intents[0].Status != "started" {
		t.Fatalf("unexpected intents: %+v", intents)
	}

	// a yield parks the task at a checkpoint
	mustAppend(t, env, ledger.TaskYielded, domain.EventPayload{TaskID: "t1", Summary: "needs approval"})
	checks := env.Ledger.PendingCheckpoints()
	if len(checks) != 1 || checks[0].Summary != "needs approval" {
		t.Fatalf("unexpected checkpoints: %+v", checks)
	}

	// restart resolves the gate
	mustAppend(t, env, ledger.TaskStarted, domain.EventPayload{TaskID: "t1"})
	if checks := env.Ledger.PendingCheckpoints(); len(checks) != 0 {
		t.Fatalf("restart should clear the checkpoint, got %+v", checks)
	}

	// completion closes the intent
	mustAppend(t, env, ledger.TaskCompleted, domain.EventPayload{TaskID: "t1", Result: "ok"})
	if intents := env.Ledger.ActiveIntents(); len(intents) != 0 {
		t.Fatalf("completion should close the intent, got %+v", intents)
	}
}

func TestGovernanceAndLearningProjection(t *testing.T) {
	env := newTestEnv(t)
	mustAppend(t, env, ledger.GovernanceDirectiveAdded, domain.EventPayload{Summary: "always run the linter"})
	mustAppend(t, env, ledger.GovernanceAssumptionAdded, domain.EventPayload{Summary: "staging mirrors prod"})
	mustAppend(t, env, ledger.LearningExtracted, domain.EventPayload{Summary: "cache invalidation is hard"})
	mustAppend(t, env, ledger.HandoffCreated, domain.EventPayload{Summary: "resume with the migration"})

	gov := env.Ledger.Governance()
	if len(gov) != 2 || gov[0].Kind != "directive" || gov[1].Kind != "assumption" {
		t.Fatalf("unexpected governance: %+v", gov)
	}
	if got := env.Ledger.Learnings(); len(got) != 1 || got[0].Text != "cache invalidation is hard" {
		t.Fatalf("unexpected learnings: %+v", got)
	}
	if got := env.Ledger.Handoffs(); len(got) != 1 {
		t.Fatalf("unexpected handoffs: %+v", got)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	mustAppend(t, env, ledger.EpicCreated, domain.EventPayload{EpicID: "e1", EpicTitle: "Ship it"})
	mustAppend(t, env, ledger.TaskCreated, domain.EventPayload{TaskID: "t1", TaskTitle: "build"})
	mustAppend(t, env, ledger.TaskStarted, domain.EventPayload{TaskID: "t1"})
	mustAppend(t, env, ledger.TaskYielded, domain.EventPayload{TaskID: "t1", Summary: "gate"})
	mustAppend(t, env, ledger.GovernanceDirectiveAdded, domain.EventPayload{Summary: "rule"})

	first := snapshotViews(env.Ledger)
	for i := 0; i < 3; i++ {
		if err := env.Ledger.Initialize(env.Ctx); err != nil {
			t.Fatalf("re-initialize %d: %v", i, err)
		}
		if got := snapshotViews(env.Ledger); !reflect.DeepEqual(first, got) {
			t.Fatalf("replay %d diverged:\nfirst: %+v\ngot:   %+v", i, first, got)
		}
	}
}

func TestSubscriptionReceivesAppends(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Ledger.Subscribe()
	defer env.Ledger.Unsubscribe(sub)

	mustAppend(t, env, ledger.LearningExtracted, domain.EventPayload{Summary: "one"})
	mustAppend(t, env, ledger.LearningExtracted, domain.EventPayload{Summary: "two"})

	for _, want := range []string{"one", "two"} {
		select {
		case ev := <-sub.C:
			if ev.Payload.Summary != want {
				t.Fatalf("want %q, got %q", want, ev.Payload.Summary)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Ledger.Subscribe()
	env.Ledger.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	// double unsubscribe is a no-op
	env.Ledger.Unsubscribe(sub)
}

func TestMutateSharesWriterLock(t *testing.T) {
	env := newTestEnv(t)
	err := env.Ledger.Mutate(env.Ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO dialogues(id,agent,command,session_id,turn,status,direction_json,pending_questions_json,last_poll_message,created_at,updated_at)
			VALUES ('d1','a','plan','s1',1,'needs_input','{}','[]','','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`)
		return err
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	var count int
	if err := env.Ledger.DB.QueryRow(`SELECT count(*) FROM dialogues`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dialogue row, got %d", count)
	}
}

type viewSnapshot struct {
	Epic        *domain.Epic
	Intents     []domain.Intent
	Checkpoints []domain.Checkpoint
	Governance  []domain.Governance
	Learnings   []domain.Learning
	Handoffs    []domain.Handoff
}

func snapshotViews(l *ledger.Ledger) viewSnapshot {
	return viewSnapshot{
		Epic:        l.ActiveEpic(),
		Intents:     l.ActiveIntents(),
		Checkpoints: l.PendingCheckpoints(),
		Governance:  l.Governance(),
		Learnings:   l.Learnings(),
		Handoffs:    l.Handoffs(),
	}
}

func mustAppend(t *testing.T, env testEnv, evtType string, payload domain.EventPayload) domain.Event {
	t.Helper()
	ev, err := env.Ledger.Append(env.Ctx, evtType, "tester", payload)
	if err != nil {
		t.Fatalf("append %s: %v", evtType, err)
	}
	return ev
}
