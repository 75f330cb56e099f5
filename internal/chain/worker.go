package chain

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker builds a Temporal worker serving the report task queue.
func NewWorker(c client.Client, taskQueue string, a *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ReportWorkflow)
	w.RegisterActivity(a)
	return w
}

// WorkflowID derives the deterministic workflow id for a report. Reusing
// the report id makes workflow starts idempotent: a duplicate submission
// attaches to the running workflow instead of spawning a second run.
func WorkflowID(reportID string) string {
	return "report-" + reportID
}
