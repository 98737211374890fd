package thinking

import "github.com/ashureev/chat2graph-gateway/internal/domain"

const (
	progressPlanned  = 20
	progressAnalysis = 60
	progressDone     = 100
)

// Progress estimates completion in percent: planning counts for 20, finished
// steps share the next 60, and a FINISHED job is 100.
func Progress(status domain.JobStatus, steps []domain.ThinkingStep) int {
	if status == domain.JobFinished {
		return progressDone
	}
	if len(steps) == 0 {
		return progressPlanned
	}
	finished := 0
	for _, s := range steps {
		if s.Finished() {
			finished++
		}
	}
	return progressPlanned + progressAnalysis*finished/len(steps)
}
