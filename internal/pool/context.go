package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/pkg/types"
)

// captureContextLocked snapshots everything the next attempt (or a
// human reading the escalation) needs: the worker's last environment
// report, the error that ended this attempt, and an attempt record.
// Capture runs before any retry decision so the trail is complete even
// for tasks that never run again.
func (p *Pool) captureContextLocked(t *types.Task, w *Worker, outcome types.AttemptOutcome, errMsg string) {
	c := &t.Context

	if w.workDir != "" {
		c.WorkDir = w.workDir
	}
	if len(w.env) > 0 {
		c.Env = make(map[string]string, len(w.env))
		for k, v := range w.env {
			c.Env[k] = v
		}
	}
	if len(w.openResources) > 0 {
		c.OpenResources = append([]string(nil), w.openResources...)
	}

	if errMsg != "" {
		recovered := outcome != types.OutcomeSuccess && t.Attempts < t.MaxAttempts
		c.RecordError(w.id, errMsg, recovered)
	}

	c.PreviousAttempts = append(c.PreviousAttempts, types.AttemptRecord{
		WorkerID:  w.id,
		StartedAt: t.StartedAt,
		EndedAt:   time.Now(),
		Outcome:   outcome,
		LastStep:  c.LastCompletedStep(),
	})

	p.persistContext(t)
}

// persistContext writes the task's context to its workspace directory
// so reassignments and escalations leave an inspectable artifact.
func (p *Pool) persistContext(t *types.Task) {
	if p.workspacesDir == "" {
		return
	}
	dir := filepath.Join(p.workspacesDir, t.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		p.log.LogError(err, fmt.Sprintf("creating workspace for %s", t.ID))
		return
	}
	data, err := yaml.Marshal(t.Context)
	if err != nil {
		p.log.LogError(err, fmt.Sprintf("marshaling context for %s", t.ID))
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "context.yaml"), data, 0644); err != nil {
		p.log.LogError(err, fmt.Sprintf("writing context for %s", t.ID))
	}
}

// taskMessage builds the dispatch frame. Retries carry the captured
// context so the new worker replays the prior environment and resumes
// from the first pending step instead of starting over.
func (p *Pool) taskMessage(t *types.Task) proc.Message {
	msg := proc.Message{
		Type:         proc.MsgTask,
		TaskID:       t.ID,
		Name:         t.Type,
		Attempt:      t.Attempts,
		Data:         t.Payload,
		PendingSteps: append([]string(nil), t.Context.PendingSteps...),
	}
	if t.Attempts > 1 {
		msg.WorkDir = t.Context.WorkDir
		msg.Env = t.Context.Env
		msg.OpenResources = append([]string(nil), t.Context.OpenResources...)
		msg.CompletedSteps = append([]string(nil), t.Context.CompletedSteps...)
	}
	return msg
}
