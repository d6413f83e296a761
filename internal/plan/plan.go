// Package plan validates epic decompositions before tasks are
// scheduled: the dependency graph must be acyclic and concurrently
// scheduled tasks must not touch the same files without an explicit
// ordering dependency.
package plan

import (
	"sort"

	"agentline/internal/domain"
)

// HasCircularDependencies reports whether the declared dependency graph
// contains any cycle, including self-dependencies. Diamond shapes are
// fine. Dependencies on unknown task ids are ignored.
func HasCircularDependencies(tasks []domain.PlanTask) bool {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}

	for _, t := range tasks {
		if visit(t.ID) {
			return true
		}
	}
	return false
}

// Collision is one overlapping-file conflict between two tasks.
type Collision struct {
	TaskA string   `json:"task_a"`
	TaskB string   `json:"task_b"`
	Files []string `json:"files"`
}

// CollisionReport lists every pairwise affected-file overlap in a set
// of tasks considered for concurrent scheduling.
type CollisionReport struct {
	HasCollision bool        `json:"has_collision"`
	Collisions   []Collision `json:"collisions,omitempty"`
}

// DetectFileCollisions finds tasks whose affected-file sets overlap.
// Such pairs must not run concurrently without an added dependency.
func DetectFileCollisions(tasks []domain.PlanTask) CollisionReport {
	var report CollisionReport
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			shared := intersect(tasks[i].AffectedFiles, tasks[j].AffectedFiles)
			if len(shared) == 0 {
				continue
			}
			report.HasCollision = true
			report.Collisions = append(report.Collisions, Collision{
				TaskA: tasks[i].ID,
				TaskB: tasks[j].ID,
				Files: shared,
			})
		}
	}
	return report
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var shared []string
	seen := map[string]bool{}
	for _, f := range b {
		if set[f] && !seen[f] {
			shared = append(shared, f)
			seen[f] = true
		}
	}
	sort.Strings(shared)
	return shared
}
