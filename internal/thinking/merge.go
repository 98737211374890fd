package thinking

import "github.com/ashureev/chat2graph-gateway/internal/domain"

// Merge reconciles the displayed steps with a freshly transformed list.
//
// Known keys are updated in place. Goal and expert change only when the new
// value is non-empty. Status only moves forward and a terminal status is kept.
// A payload is taken once the step is FINISHED and an existing one is never
// cleared. New keys are appended in the order received. Keys missing from next
// are kept unchanged, so the result is always a superset of prev. Neither
// input is modified.
func Merge(prev, next []domain.ThinkingStep) []domain.ThinkingStep {
	merged := make([]domain.ThinkingStep, len(prev), len(prev)+len(next))
	copy(merged, prev)

	index := make(map[string]int, len(merged)+len(next))
	for i, step := range merged {
		index[step.JobID] = i
	}

	for _, step := range next {
		i, ok := index[step.JobID]
		if !ok {
			index[step.JobID] = len(merged)
			merged = append(merged, step)
			continue
		}
		cur := &merged[i]
		if step.Goal != "" {
			cur.Goal = step.Goal
		}
		if advances(cur.Status, step.Status) {
			cur.Status = step.Status
		}
		if step.AssignedExpert != "" {
			cur.AssignedExpert = step.AssignedExpert
		}
		if step.Payload != "" && cur.Finished() {
			cur.Payload = step.Payload
		}
	}
	return merged
}

// advances reports whether a step in status from may move to status to.
func advances(from, to domain.JobStatus) bool {
	if to == "" || from.IsTerminal() {
		return false
	}
	return stage(to) >= stage(from)
}

func stage(s domain.JobStatus) int {
	switch {
	case s.IsTerminal():
		return 2
	case s == domain.JobRunning:
		return 1
	default:
		return 0
	}
}
