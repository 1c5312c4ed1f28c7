package types

import "time"

// AttemptOutcome classifies how one execution attempt ended
type AttemptOutcome string

const (
	OutcomeSuccess    AttemptOutcome = "success"
	OutcomeFailure    AttemptOutcome = "failure"
	OutcomeTimeout    AttemptOutcome = "timeout"
	OutcomeTerminated AttemptOutcome = "terminated"
)

// AttemptRecord describes one prior execution attempt of a task
type AttemptRecord struct {
	WorkerID  string         `yaml:"worker_id" json:"worker_id"`
	StartedAt time.Time      `yaml:"started_at" json:"started_at"`
	EndedAt   time.Time      `yaml:"ended_at" json:"ended_at"`
	Outcome   AttemptOutcome `yaml:"outcome" json:"outcome"`
	LastStep  string         `yaml:"last_step,omitempty" json:"last_step,omitempty"`
}

// ErrorRecord is one timestamped error observed during task execution
type ErrorRecord struct {
	Time      time.Time `yaml:"time" json:"time"`
	WorkerID  string    `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`
	Message   string    `yaml:"message" json:"message"`
	Recovered bool      `yaml:"recovered" json:"recovered"`
}

// TaskContext is the accumulated state a task carries across attempts and
// workers. History fields are append-only; only the current section
// (pending steps, environment snapshot) is rewritten between attempts.
type TaskContext struct {
	WorkerID       string                 `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`
	CompletedSteps []string               `yaml:"completed_steps,omitempty" json:"completed_steps,omitempty"`
	PendingSteps   []string               `yaml:"pending_steps,omitempty" json:"pending_steps,omitempty"`
	PartialResults map[string]interface{} `yaml:"partial_results,omitempty" json:"partial_results,omitempty"`
	Checkpoints    map[string]interface{} `yaml:"checkpoints,omitempty" json:"checkpoints,omitempty"`

	// Worker environment snapshot captured on reassignment
	WorkDir       string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	OpenResources []string          `yaml:"open_resources,omitempty" json:"open_resources,omitempty"`

	Errors           []ErrorRecord   `yaml:"errors,omitempty" json:"errors,omitempty"`
	PreviousAttempts []AttemptRecord `yaml:"previous_attempts,omitempty" json:"previous_attempts,omitempty"`
}

// LastCompletedStep returns the most recent completed step name, if any
func (c *TaskContext) LastCompletedStep() string {
	if len(c.CompletedSteps) == 0 {
		return ""
	}
	return c.CompletedSteps[len(c.CompletedSteps)-1]
}

// MarkStepDone moves a step from pending to completed. Steps the worker
// reports that were never announced as pending are still recorded.
func (c *TaskContext) MarkStepDone(step string) {
	for i, p := range c.PendingSteps {
		if p == step {
			c.PendingSteps = append(c.PendingSteps[:i], c.PendingSteps[i+1:]...)
			break
		}
	}
	c.CompletedSteps = append(c.CompletedSteps, step)
}

// RecordError appends a timestamped error to the context trail
func (c *TaskContext) RecordError(workerID, message string, recovered bool) {
	c.Errors = append(c.Errors, ErrorRecord{
		Time:      time.Now(),
		WorkerID:  workerID,
		Message:   message,
		Recovered: recovered,
	})
}
