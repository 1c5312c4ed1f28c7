package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kelden/warden/pkg/types"
)

// NewTask builds a queued task from a submitted spec, filling unset
// fields from the configured defaults. Declared steps become the
// context's pending step plan.
func NewTask(spec types.TaskSpec, defaults types.TaskDefaultsConfig) (*types.Task, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}

	createdAt := time.Now()

	task := &types.Task{
		ID:          generateID(spec, createdAt),
		Type:        spec.Type,
		Payload:     spec.Payload,
		Priority:    spec.Priority,
		State:       types.StateQueued,
		MaxAttempts: spec.MaxAttempts,
		TimeoutSecs: spec.TimeoutSecs,
		CreatedAt:   createdAt,
	}

	if task.MaxAttempts <= 0 {
		task.MaxAttempts = defaults.MaxAttempts
	}
	if task.TimeoutSecs <= 0 {
		task.TimeoutSecs = defaults.DefaultTimeoutSecs
	}

	if len(spec.Steps) > 0 {
		task.Context.PendingSteps = append([]string(nil), spec.Steps...)
	}

	return task, nil
}

// TransitionTo moves a task to a new state, enforcing the transition map
func TransitionTo(task *types.Task, newState types.TaskState) error {
	if !task.State.CanTransitionTo(newState) {
		return fmt.Errorf("invalid transition from %s to %s", task.State, newState)
	}
	task.State = newState
	return nil
}

// generateID creates a hash-based task ID (e.g. tk-a1b2c3d4)
func generateID(spec types.TaskSpec, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(spec.Type))
	if payload, err := json.Marshal(spec.Payload); err == nil {
		h.Write(payload)
	}
	h.Write([]byte(createdAt.Format(time.RFC3339Nano)))
	return "tk-" + hex.EncodeToString(h.Sum(nil))[:8]
}

// Summary returns a brief one-line description of the task
func Summary(task *types.Task) string {
	return fmt.Sprintf("[%s] %s (%s) attempts %d/%d priority %d",
		task.ID, task.Type, task.State, task.Attempts, task.MaxAttempts, task.Priority)
}
