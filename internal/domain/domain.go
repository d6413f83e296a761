package domain

// TaskStatus is the lifecycle state of a tracked agent task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status permits no further transition
// other than an explicit retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// Task is one tracked unit of delegated agent work. It is owned by the
// registry that created it; callers receive copies.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Agent         string     `json:"agent"`
	Prompt        string     `json:"prompt,omitempty"`
	Status        TaskStatus `json:"status" enum:"pending,running,completed,failed,timeout"`
	StartedAt     *string    `json:"started_at,omitempty" format:"date-time"`
	LastHeartbeat *string    `json:"last_heartbeat,omitempty" format:"date-time"`
	TimeoutMs     int64      `json:"timeout_ms"`
	MaxRetries    int        `json:"max_retries"`
	RetryCount    int        `json:"retry_count"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

// Event is an immutable fact in the ledger. Seq is assigned on append and
// is the only ordering consumers may rely on.
type Event struct {
	Seq     int64        `json:"seq"`
	TS      string       `json:"ts" format:"date-time"`
	Type    string       `json:"type"`
	Actor   string       `json:"actor"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the optional typed fields of the taxonomy. Absent
// fields are omitted from the serialized form, never null-padded.
type EventPayload struct {
	EpicID    string `json:"epic_id,omitempty"`
	EpicTitle string `json:"epic_title,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Result    string `json:"result,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Epic is one bounded unit of user-requested work; at most one is active.
type Epic struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    string     `json:"status" enum:"created,started,completed,failed"`
	Tasks     []PlanTask `json:"tasks,omitempty"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

// PlanTask is a planned decomposition step inside an epic. DependsOn must
// stay acyclic and concurrently scheduled tasks must not overlap in
// AffectedFiles (see plan package).
type PlanTask struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Outcome       string   `json:"outcome,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AffectedFiles []string `json:"affected_files,omitempty"`
}

// DialogueStatus is the state of an open clarification exchange.
type DialogueStatus string

const (
	DialogueNeedsInput        DialogueStatus = "needs_input"
	DialogueNeedsApproval     DialogueStatus = "needs_approval"
	DialogueNeedsVerification DialogueStatus = "needs_verification"
	DialogueApproved          DialogueStatus = "approved"
)

// Direction is the accumulated guidance of a dialogue. Categories only
// grow across turns; entries are never removed or rewritten.
type Direction struct {
	Goals       []string `json:"goals,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
}

// Dialogue is the persisted state of a multi-turn clarification exchange.
// SessionID is always the root session, never a transient child.
type Dialogue struct {
	ID               string         `json:"id"`
	Agent            string         `json:"agent"`
	Command          string         `json:"command"`
	SessionID        string         `json:"session_id"`
	Turn             int            `json:"turn"`
	Status           DialogueStatus `json:"status" enum:"needs_input,needs_approval,needs_verification,approved"`
	Direction        Direction      `json:"direction"`
	PendingQuestions []string       `json:"pending_questions,omitempty"`
	LastPollMessage  string         `json:"last_poll_message,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// Checkpoint is a pending human-approval gate derived from the event log.
type Checkpoint struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Summary string `json:"summary,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

// Intent is a currently open task intent derived from the event log.
type Intent struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Status   string `json:"status" enum:"created,started"`
	EpicID   string `json:"epic_id,omitempty"`
	OpenedTS string `json:"opened_ts" format:"date-time"`
}

// Handoff is a note left for the next session.
type Handoff struct {
	Summary string `json:"summary"`
	Actor   string `json:"actor,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

// Governance entries are standing directives and assumptions.
type Governance struct {
	Kind  string `json:"kind" enum:"directive,assumption"`
	Text  string `json:"text"`
	Actor string `json:"actor,omitempty"`
	TS    string `json:"ts" format:"date-time"`
}

// Learning is an extracted lesson persisted for future sessions.
type Learning struct {
	Text  string `json:"text"`
	Actor string `json:"actor,omitempty"`
	TS    string `json:"ts" format:"date-time"`
}
