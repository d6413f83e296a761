package ledger

import (
	"sort"

	"agentline/internal/domain"
)

// views holds the materialized projections. apply must stay a pure
// function of the event sequence: no clocks, no randomness.
type views struct {
	epic        *domain.Epic
	intents     map[string]domain.Intent
	intentSeq   map[string]int64
	checkpoints map[string]domain.Checkpoint
	checkSeq    map[string]int64
	governance  []domain.Governance
	learnings   []domain.Learning
	handoffs    []domain.Handoff
}

func newViews() views {
	return views{
		intents:     map[string]domain.Intent{},
		intentSeq:   map[string]int64{},
		checkpoints: map[string]domain.Checkpoint{},
		checkSeq:    map[string]int64{},
	}
}

func (v *views) apply(ev domain.Event) {
	p := ev.Payload
	switch ev.Type {
	case EpicCreated:
		v.epic = &domain.Epic{
			ID:        p.EpicID,
			Title:     p.EpicTitle,
			Status:    "created",
			CreatedAt: ev.TS,
		}
	case EpicStarted:
		if v.epic != nil && v.epic.ID == p.EpicID {
			v.epic.Status = "started"
		}
	case EpicCompleted, EpicFailed:
		if v.epic != nil && v.epic.ID == p.EpicID {
			v.epic = nil
		}
	case TaskCreated:
		v.intents[p.TaskID] = domain.Intent{
			TaskID:   p.TaskID,
			Title:    p.TaskTitle,
			Agent:    p.Agent,
			Status:   "created",
			EpicID:   p.EpicID,
			OpenedTS: ev.TS,
		}
		v.intentSeq[p.TaskID] = ev.Seq
	case TaskStarted:
		if in, ok := v.intents[p.TaskID]; ok {
			in.Status = "started"
			v.intents[p.TaskID] = in
		}
		// a restart resolves any pending gate for the task
		delete(v.checkpoints, p.TaskID)
		delete(v.checkSeq, p.TaskID)
	case TaskCompleted, TaskFailed:
		delete(v.intents, p.TaskID)
		delete(v.intentSeq, p.TaskID)
		delete(v.checkpoints, p.TaskID)
		delete(v.checkSeq, p.TaskID)
	case TaskYielded:
		v.checkpoints[p.TaskID] = domain.Checkpoint{
			TaskID:  p.TaskID,
			Title:   p.TaskTitle,
			Agent:   p.Agent,
			Summary: p.Summary,
			TS:      ev.TS,
		}
		v.checkSeq[p.TaskID] = ev.Seq
	case HandoffCreated:
		v.handoffs = append(v.handoffs, domain.Handoff{
			Summary: p.Summary,
			Actor:   ev.Actor,
			TS:      ev.TS,
		})
	case GovernanceDirectiveAdded:
		v.governance = append(v.governance, domain.Governance{
			Kind:  "directive",
			Text:  p.Summary,
			Actor: ev.Actor,
			TS:    ev.TS,
		})
	case GovernanceAssumptionAdded:
		v.governance = append(v.governance, domain.Governance{
			Kind:  "assumption",
			Text:  p.Summary,
			Actor: ev.Actor,
			TS:    ev.TS,
		})
	case LearningExtracted:
		v.learnings = append(v.learnings, domain.Learning{
			Text:  p.Summary,
			Actor: ev.Actor,
			TS:    ev.TS,
		})
	}
}

func (v *views) epicCopy() *domain.Epic {
	if v.epic == nil {
		return nil
	}
	e := *v.epic
	return &e
}

func (v *views) intentList() []domain.Intent {
	ids := make([]string, 0, len(v.intents))
	for id := range v.intents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return v.intentSeq[ids[i]] < v.intentSeq[ids[j]] })
	res := make([]domain.Intent, 0, len(ids))
	for _, id := range ids {
		res = append(res, v.intents[id])
	}
	return res
}

func (v *views) checkpointList() []domain.Checkpoint {
	ids := make([]string, 0, len(v.checkpoints))
	for id := range v.checkpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return v.checkSeq[ids[i]] < v.checkSeq[ids[j]] })
	res := make([]domain.Checkpoint, 0, len(ids))
	for _, id := range ids {
		res = append(res, v.checkpoints[id])
	}
	return res
}
