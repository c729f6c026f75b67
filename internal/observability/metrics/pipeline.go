package metrics

import (
	"time"

	"MarketResearch/internal/job"
	"MarketResearch/internal/research"
)

// Pipeline records report pipeline progress. It satisfies research.Observer.
type Pipeline struct{}

// TaskFinished counts one task execution and its duration.
func (Pipeline) TaskFinished(taskID string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	defaultRegistry.inc(taskRuns, makeLabels("task", taskID, "result", result))
	defaultRegistry.observe(taskDuration, makeLabels("task", taskID), elapsed.Seconds())
}

// RunFinished counts one pipeline run by outcome.
func (Pipeline) RunFinished(outcome string, elapsed time.Duration) {
	defaultRegistry.inc(pipelineRuns, makeLabels("outcome", outcome))
	if outcome != research.OutcomeRejected {
		defaultRegistry.observe(pipelineDuration, makeLabels("outcome", outcome), elapsed.Seconds())
	}
}

// Jobs records terminal job statuses. It satisfies job.Recorder.
type Jobs struct{}

// JobFinished counts a job reaching a terminal status.
func (Jobs) JobFinished(status job.Status, elapsed time.Duration) {
	defaultRegistry.inc(jobsFinished, makeLabels("status", string(status)))
	defaultRegistry.observe(jobDuration, makeLabels("status", string(status)), elapsed.Seconds())
}

var (
	_ research.Observer = Pipeline{}
	_ job.Recorder      = Jobs{}
)
