package ledger

import (
	"fmt"
	"strings"

	"agentline/internal/domain"
)

// Snapshot is the human/agent-readable view derived from the event log
// plus the current dialogue record. It is what other components read
// between turns; it never feeds back into the log.
type Snapshot struct {
	ActiveEpic         *domain.Epic        `json:"active_epic,omitempty"`
	ActiveIntents      []domain.Intent     `json:"active_intents,omitempty"`
	PendingCheckpoints []domain.Checkpoint `json:"pending_checkpoints,omitempty"`
	Governance         []domain.Governance `json:"governance,omitempty"`
	Learnings          []domain.Learning   `json:"learnings,omitempty"`
	Handoffs           []domain.Handoff    `json:"handoffs,omitempty"`
	ActiveDialogue     *domain.Dialogue    `json:"active_dialogue,omitempty"`
}

// Snapshot assembles the derived document from current projections.
// The dialogue record is supplied by the caller since it lives in its
// own table, not the event log.
func (l *Ledger) Snapshot(dialogue *domain.Dialogue) Snapshot {
	return Snapshot{
		ActiveEpic:         l.ActiveEpic(),
		ActiveIntents:      l.ActiveIntents(),
		PendingCheckpoints: l.PendingCheckpoints(),
		Governance:         l.Governance(),
		Learnings:          l.Learnings(),
		Handoffs:           l.Handoffs(),
		ActiveDialogue:     dialogue,
	}
}

// Render produces the markdown document read by agents between turns.
func (s Snapshot) Render() string {
	var b strings.Builder
	b.WriteString("# Ledger\n\n")

	b.WriteString("## Active Epic\n\n")
	if s.ActiveEpic == nil {
		b.WriteString("None.\n\n")
	} else {
		fmt.Fprintf(&b, "- **%s** (%s) — %s\n\n", s.ActiveEpic.Title, s.ActiveEpic.ID, s.ActiveEpic.Status)
	}

	b.WriteString("## Open Tasks\n\n")
	if len(s.ActiveIntents) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for _, in := range s.ActiveIntents {
			fmt.Fprintf(&b, "- [%s] %s (%s, agent %s)\n", in.Status, in.Title, in.TaskID, in.Agent)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Pending Checkpoints\n\n")
	if len(s.PendingCheckpoints) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for _, cp := range s.PendingCheckpoints {
			fmt.Fprintf(&b, "- %s (%s): %s\n", cp.Title, cp.TaskID, cp.Summary)
		}
		b.WriteString("\n")
	}

	if len(s.Governance) > 0 {
		b.WriteString("## Governance\n\n")
		for _, g := range s.Governance {
			fmt.Fprintf(&b, "- (%s) %s\n", g.Kind, g.Text)
		}
		b.WriteString("\n")
	}

	if len(s.Learnings) > 0 {
		b.WriteString("## Learnings\n\n")
		for _, le := range s.Learnings {
			fmt.Fprintf(&b, "- %s\n", le.Text)
		}
		b.WriteString("\n")
	}

	if s.ActiveDialogue != nil {
		d := s.ActiveDialogue
		b.WriteString("## Active Dialogue\n\n")
		fmt.Fprintf(&b, "- %s/%s turn %d — %s\n", d.Agent, d.Command, d.Turn, d.Status)
		for _, q := range d.PendingQuestions {
			fmt.Fprintf(&b, "  - Q: %s\n", q)
		}
		b.WriteString("\n")
	}

	if len(s.Handoffs) > 0 {
		b.WriteString("## Handoff Notes\n\n")
		for _, h := range s.Handoffs {
			fmt.Fprintf(&b, "- %s\n", h.Summary)
		}
		b.WriteString("\n")
	}

	return b.String()
}
