package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agentline/internal/domain"
	"agentline/internal/parse"
)

// Continuation is the outcome of routing a reply. When Fresh is true no
// open dialogue matched the key and the reply should be handled as a
// new top-level request; that is a normal path, not an error.
type Continuation struct {
	Fresh    bool            `json:"fresh"`
	Dialogue domain.Dialogue `json:"dialogue,omitempty"`
	Prompt   string          `json:"prompt"`
	Parsed   parse.Reply     `json:"parsed,omitempty"`
	Strategy parse.Strategy  `json:"strategy,omitempty"`
}

// Continue routes a reply to the open dialogue for
// (agent, command, rootSessionID) and merges it into the accumulated
// direction. The continuation prompt embeds the command, the full
// accumulated direction, the raw reply, and the previously pending
// questions.
func (m *Manager) Continue(ctx context.Context, agent, command, rootSessionID, reply string) (Continuation, error) {
	d, err := m.Get(ctx, agent, command, rootSessionID)
	if errors.Is(err, ErrNotFound) {
		return Continuation{Fresh: true, Prompt: reply}, nil
	}
	if err != nil {
		return Continuation{}, err
	}

	parsed, strategy := parse.ParseReply(reply)
	pendingBefore := d.PendingQuestions

	opts := UpdateOptions{
		AdvanceTurn:     true,
		Goals:           parsed.Goals,
		Constraints:     parsed.Constraints,
		Preferences:     parsed.Preferences,
		Decisions:       parsed.Decisions,
		LastPollMessage: &reply,
	}
	if next := nextStatus(d.Status, parsed); next != nil {
		opts.Status = next
	}
	if len(parsed.Questions) > 0 {
		opts.PendingQuestions = parsed.Questions
	} else if parsed.Structured() {
		opts.PendingQuestions = []string{}
	}

	d, err = m.Update(ctx, agent, command, rootSessionID, opts)
	if err != nil {
		return Continuation{}, err
	}

	return Continuation{
		Dialogue: d,
		Prompt:   buildPrompt(d, reply, pendingBefore),
		Parsed:   parsed,
		Strategy: strategy,
	}, nil
}

// nextStatus derives the transition a reply implies. An explicit
// approved flag resolves an approval or verification gate; structured
// answers with no remaining questions escalate to approval; anything
// else keeps asking.
func nextStatus(current domain.DialogueStatus, parsed parse.Reply) *domain.DialogueStatus {
	switch current {
	case domain.DialogueNeedsApproval, domain.DialogueNeedsVerification:
		if parsed.Approved == nil {
			return nil
		}
		if *parsed.Approved {
			return statusPtr(domain.DialogueApproved)
		}
		return statusPtr(domain.DialogueNeedsInput)
	case domain.DialogueNeedsInput:
		if parsed.Structured() && len(parsed.Questions) == 0 {
			return statusPtr(domain.DialogueNeedsApproval)
		}
		return nil
	}
	return nil
}

func statusPtr(s domain.DialogueStatus) *domain.DialogueStatus { return &s }

func buildPrompt(d domain.Dialogue, reply string, pendingQuestions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continuing %s (turn %d, status %s).\n\n", d.Command, d.Turn, d.Status)

	b.WriteString("Accumulated direction:\n")
	writeCategory(&b, "Goals", d.Direction.Goals)
	writeCategory(&b, "Constraints", d.Direction.Constraints)
	writeCategory(&b, "Preferences", d.Direction.Preferences)
	writeCategory(&b, "Decisions", d.Direction.Decisions)

	if len(pendingQuestions) > 0 {
		b.WriteString("\nPreviously pending questions:\n")
		for _, q := range pendingQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	b.WriteString("\nUser reply:\n")
	b.WriteString(reply)
	b.WriteString("\n")
	return b.String()
}

func writeCategory(b *strings.Builder, name string, entries []string) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", name)
	for _, e := range entries {
		fmt.Fprintf(b, "- %s\n", e)
	}
}
