package ledger

import "fmt"

// Closed event taxonomy. Append rejects anything outside this set so the
// log stays replayable by every consumer.
const (
	EpicCreated   = "epic.created"
	EpicStarted   = "epic.started"
	EpicCompleted = "epic.completed"
	EpicFailed    = "epic.failed"

	TaskCreated   = "task.created"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskYielded   = "task.yielded"

	HandoffCreated = "handoff.created"

	GovernanceDirectiveAdded  = "governance.directive.added"
	GovernanceAssumptionAdded = "governance.assumption.added"

	LearningExtracted = "learning.extracted"
)

var knownEventTypes = map[string]struct{}{
	EpicCreated:               {},
	EpicStarted:               {},
	EpicCompleted:             {},
	EpicFailed:                {},
	TaskCreated:               {},
	TaskStarted:               {},
	TaskCompleted:             {},
	TaskFailed:                {},
	TaskYielded:               {},
	HandoffCreated:            {},
	GovernanceDirectiveAdded:  {},
	GovernanceAssumptionAdded: {},
	LearningExtracted:         {},
}

// ValidateEventType rejects types outside the closed taxonomy.
func ValidateEventType(evtType string) error {
	if _, ok := knownEventTypes[evtType]; !ok {
		return fmt.Errorf("unknown event type %q", evtType)
	}
	return nil
}
