package upstream

import (
	"context"
	"net/http"
)

// GetJobResult fetches the current status and partial answer of a job.
// Concurrent calls for the same job id share one request.
func (c *Client) GetJobResult(ctx context.Context, jobID string) (*JobResult, error) {
	if jobID == "" {
		return nil, &Error{Op: "get job result", Message: "job id is required"}
	}

	ch := c.jobs.DoChan(jobID, func() (any, error) {
		// Detached so one caller cancelling does not fail the others; the
		// http.Client timeout still bounds the request.
		fetchCtx := context.WithoutCancel(ctx)
		var result JobResult
		if err := c.doJSON(fetchCtx, "get job result", http.MethodGet, c.endpoint("jobs", jobID, "message"), nil, &result); err != nil {
			return nil, err
		}
		return &result, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Shared results must not be mutated by callers.
		return res.Val.(*JobResult), nil
	}
}
