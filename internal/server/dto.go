package server

import (
	"agentline/internal/domain"
)

// Request payloads

type RegisterTaskRequest struct {
	Agent      string `json:"agent"`
	Prompt     string `json:"prompt,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	TimeoutMs  *int64 `json:"timeout_ms,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

type CompleteTaskRequest struct {
	Result string `json:"result,omitempty"`
}

type FailTaskRequest struct {
	Error string `json:"error"`
}

type AppendEventRequest struct {
	Type    string              `json:"type"`
	Payload domain.EventPayload `json:"payload"`
}

type WaitRequest struct {
	TaskID    string   `json:"task_id,omitempty"`
	Agent     string   `json:"agent,omitempty"`
	Types     []string `json:"types,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

type SetDialogueRequest struct {
	Agent            string   `json:"agent"`
	Command          string   `json:"command"`
	SessionID        string   `json:"session_id"`
	PendingQuestions []string `json:"pending_questions,omitempty"`
}

type UpdateDialogueRequest struct {
	Agent            string   `json:"agent"`
	Command          string   `json:"command"`
	SessionID        string   `json:"session_id"`
	Status           *string  `json:"status,omitempty" enum:"needs_input,needs_approval,needs_verification,approved"`
	AdvanceTurn      bool     `json:"advance_turn,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Constraints      []string `json:"constraints,omitempty"`
	Preferences      []string `json:"preferences,omitempty"`
	Decisions        []string `json:"decisions,omitempty"`
	PendingQuestions []string `json:"pending_questions,omitempty"`
	LastPollMessage  *string  `json:"last_poll_message,omitempty"`
}

type ContinueDialogueRequest struct {
	Agent     string `json:"agent"`
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// Response payloads

type StatusResponse struct {
	ActiveEpic         *domain.Epic              `json:"active_epic,omitempty"`
	TaskCounts         map[domain.TaskStatus]int `json:"task_counts"`
	ActiveIntents      []domain.Intent           `json:"active_intents,omitempty"`
	PendingCheckpoints []domain.Checkpoint       `json:"pending_checkpoints,omitempty"`
	ActiveDialogue     *domain.Dialogue          `json:"active_dialogue,omitempty"`
}

type WaitResponse struct {
	TimedOut bool          `json:"timed_out"`
	Event    *domain.Event `json:"event,omitempty"`
}

type SnapshotResponse struct {
	Markdown string `json:"markdown"`
}
