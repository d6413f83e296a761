package dialogue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/ledger"
)

var (
	ErrNotFound          = errors.New("dialogue not found")
	ErrInvalidTransition = errors.New("invalid dialogue transition")
)

// Manager persists multi-turn clarification exchanges in the ledger's
// store. Writes go through the ledger's single-writer lock; reads see
// the latest committed row.
type Manager struct {
	Ledger *ledger.Ledger
	Now    func() time.Time
}

func New(l *ledger.Ledger) *Manager {
	return &Manager{Ledger: l, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Set opens a dialogue for (agent, command, rootSessionID), replacing
// any previous one under the same key. The session id must be the root
// session so replies stay routable across transient child sessions.
func (m *Manager) Set(ctx context.Context, agent, command, rootSessionID string, pendingQuestions []string) (domain.Dialogue, error) {
	if agent == "" || command == "" || rootSessionID == "" {
		return domain.Dialogue{}, fmt.Errorf("agent, command and session id are required")
	}
	now := m.now().UTC().Format(time.RFC3339)
	d := domain.Dialogue{
		ID:               uuid.New().String(),
		Agent:            agent,
		Command:          command,
		SessionID:        rootSessionID,
		Turn:             1,
		Status:           domain.DialogueNeedsInput,
		PendingQuestions: pendingQuestions,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := m.Ledger.Mutate(ctx, func(tx *sql.Tx) error {
		return upsert(ctx, tx, d)
	})
	if err != nil {
		return domain.Dialogue{}, err
	}
	return d, nil
}

// UpdateOptions carry one turn's worth of changes. Direction entries
// are appended by set union, never replaced.
type UpdateOptions struct {
	Status           *domain.DialogueStatus
	AdvanceTurn      bool
	Goals            []string
	Constraints      []string
	Preferences      []string
	Decisions        []string
	PendingQuestions []string
	LastPollMessage  *string
}

// Update merges changes into the open dialogue. Accumulated direction
// only grows: the stored set is unioned with the incoming entries.
// Approved is terminal: reaching it removes the dialogue from the
// store, and the returned value is the final state.
func (m *Manager) Update(ctx context.Context, agent, command, rootSessionID string, opts UpdateOptions) (domain.Dialogue, error) {
	var out domain.Dialogue
	err := m.Ledger.Mutate(ctx, func(tx *sql.Tx) error {
		d, err := getTx(ctx, tx, agent, command, rootSessionID)
		if err != nil {
			return err
		}
		if opts.Status != nil {
			if err := ensureTransition(d.Status, *opts.Status); err != nil {
				return err
			}
			d.Status = *opts.Status
		}
		if opts.AdvanceTurn {
			d.Turn++
		}
		d.Direction.Goals = union(d.Direction.Goals, opts.Goals)
		d.Direction.Constraints = union(d.Direction.Constraints, opts.Constraints)
		d.Direction.Preferences = union(d.Direction.Preferences, opts.Preferences)
		d.Direction.Decisions = union(d.Direction.Decisions, opts.Decisions)
		if opts.PendingQuestions != nil {
			d.PendingQuestions = opts.PendingQuestions
		}
		if opts.LastPollMessage != nil {
			d.LastPollMessage = *opts.LastPollMessage
		}
		d.UpdatedAt = m.now().UTC().Format(time.RFC3339)
		out = d
		if d.Status == domain.DialogueApproved {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM dialogues WHERE agent=? AND command=? AND session_id=?`,
				agent, command, rootSessionID)
			return err
		}
		return upsert(ctx, tx, d)
	})
	if err != nil {
		return domain.Dialogue{}, err
	}
	return out, nil
}

// Clear removes the dialogue after approval or explicit cancellation.
func (m *Manager) Clear(ctx context.Context, agent, command, rootSessionID string) error {
	return m.Ledger.Mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM dialogues WHERE agent=? AND command=? AND session_id=?`,
			agent, command, rootSessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Get looks up the open dialogue by its routing key.
func (m *Manager) Get(ctx context.Context, agent, command, rootSessionID string) (domain.Dialogue, error) {
	return scanDialogue(m.Ledger.DB.QueryRowContext(ctx,
		`SELECT id,agent,command,session_id,turn,status,direction_json,pending_questions_json,last_poll_message,created_at,updated_at
		 FROM dialogues WHERE agent=? AND command=? AND session_id=?`,
		agent, command, rootSessionID))
}

// Active returns the most recently updated open dialogue, if any, for
// the snapshot document.
func (m *Manager) Active(ctx context.Context) (*domain.Dialogue, error) {
	d, err := scanDialogue(m.Ledger.DB.QueryRowContext(ctx,
		`SELECT id,agent,command,session_id,turn,status,direction_json,pending_questions_json,last_poll_message,created_at,updated_at
		 FROM dialogues ORDER BY updated_at DESC LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// dialogue status transitions:
//
//	needs_input -> needs_input | needs_approval | needs_verification
//	needs_approval -> approved | needs_input
//	needs_verification -> approved | needs_input
func ensureTransition(from, to domain.DialogueStatus) error {
	switch from {
	case domain.DialogueNeedsInput:
		if to == domain.DialogueNeedsInput || to == domain.DialogueNeedsApproval || to == domain.DialogueNeedsVerification {
			return nil
		}
	case domain.DialogueNeedsApproval, domain.DialogueNeedsVerification:
		if to == domain.DialogueApproved || to == domain.DialogueNeedsInput {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func union(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range incoming {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		existing = append(existing, s)
		seen[s] = true
	}
	return existing
}

func upsert(ctx context.Context, tx *sql.Tx, d domain.Dialogue) error {
	direction, err := json.Marshal(d.Direction)
	if err != nil {
		return fmt.Errorf("marshal direction: %w", err)
	}
	questions, err := json.Marshal(d.PendingQuestions)
	if err != nil {
		return fmt.Errorf("marshal pending questions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dialogues(id,agent,command,session_id,turn,status,direction_json,pending_questions_json,last_poll_message,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(agent,command,session_id) DO UPDATE SET
			id=excluded.id,
			created_at=excluded.created_at,
			turn=excluded.turn,
			status=excluded.status,
			direction_json=excluded.direction_json,
			pending_questions_json=excluded.pending_questions_json,
			last_poll_message=excluded.last_poll_message,
			updated_at=excluded.updated_at`,
		d.ID, d.Agent, d.Command, d.SessionID, d.Turn, string(d.Status),
		string(direction), string(questions), d.LastPollMessage, d.CreatedAt, d.UpdatedAt)
	return err
}

func getTx(ctx context.Context, tx *sql.Tx, agent, command, sessionID string) (domain.Dialogue, error) {
	return scanDialogue(tx.QueryRowContext(ctx,
		`SELECT id,agent,command,session_id,turn,status,direction_json,pending_questions_json,last_poll_message,created_at,updated_at
		 FROM dialogues WHERE agent=? AND command=? AND session_id=?`,
		agent, command, sessionID))
}

func scanDialogue(row *sql.Row) (domain.Dialogue, error) {
	var d domain.Dialogue
	var status, direction, questions string
	err := row.Scan(&d.ID, &d.Agent, &d.Command, &d.SessionID, &d.Turn, &status,
		&direction, &questions, &d.LastPollMessage, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.DialogueStatus(status)
	if err := json.Unmarshal([]byte(direction), &d.Direction); err != nil {
		return d, fmt.Errorf("dialogue %s direction: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(questions), &d.PendingQuestions); err != nil {
		return d, fmt.Errorf("dialogue %s questions: %w", d.ID, err)
	}
	return d, nil
}
