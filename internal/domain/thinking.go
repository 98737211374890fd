package domain

// ThinkingStep is one sub-task performed by an expert agent while answering.
// Steps are keyed by JobID and are only ever updated in place.
type ThinkingStep struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	Goal           string    `json:"goal"`
	Payload        string    `json:"payload"`
	AssignedExpert string    `json:"assigned_expert_name,omitempty"`
}

// Finished reports whether the step reached FINISHED.
func (t ThinkingStep) Finished() bool {
	return t.Status == JobFinished
}
