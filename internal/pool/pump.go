package pool

import (
	"time"

	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/internal/task"
	"github.com/kelden/warden/pkg/types"
)

// faultThreshold is how many consecutive protocol faults (malformed
// output or timeouts) a worker may accumulate before repair starts.
const faultThreshold = 3

// runPump consumes one process's message stream until EOF. The gen
// argument pins the pump to the process it was started for; after an
// in-place restart the old pump drains harmlessly because its gen no
// longer matches the worker's.
func (p *Pool) runPump(w *Worker, h proc.Handle, gen int) {
	defer p.wg.Done()
	for msg := range h.Messages() {
		p.handleMessage(w, gen, msg)
	}
	p.handleExit(w, gen)
}

func (p *Pool) handleMessage(w *Worker, gen int, msg proc.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.gen != gen {
		return
	}
	w.lastResponse = time.Now()
	w.pulse()

	switch msg.Type {
	case proc.MsgReady:
		w.log.Debug("Ready")

	case proc.MsgEnv:
		w.workDir = msg.WorkDir
		w.env = msg.Env
		w.openResources = msg.OpenResources

	case proc.MsgPong:
		// lastResponse refresh above is the whole point

	case proc.MsgProgress:
		t := w.current
		if t == nil || t.ID != msg.TaskID {
			return
		}
		if t.State == types.StateAssigned {
			task.TransitionTo(t, types.StateRunning)
		}
		if msg.Step != "" {
			t.Context.MarkStepDone(msg.Step)
			w.log.Debug("Task %s step done: %s", t.ID, msg.Step)
		}
		mergeResults(t, msg.Data)

	case proc.MsgCheckpoint:
		t := w.current
		if t == nil || t.ID != msg.TaskID || msg.Name == "" {
			return
		}
		if t.Context.Checkpoints == nil {
			t.Context.Checkpoints = make(map[string]interface{})
		}
		t.Context.Checkpoints[msg.Name] = msg.Data

	case proc.MsgResult:
		p.handleResultLocked(w, msg)

	case proc.MsgLog:
		p.forwardLog(w, msg)

	case proc.MsgMalformed:
		w.log.Warn("Malformed output: %.120s", msg.Text)
		p.recordFaultLocked(w, "malformed output")
	}
}

// handleExit runs when a process's output stream closes. During
// shutdown or an in-place restart that is expected; anything else is an
// unannounced death and the worker is replaced immediately, no ladder.
func (p *Pool) handleExit(w *Worker, gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.gen != gen || p.shuttingDown || w.state == types.WorkerDead {
		return
	}
	p.markDeadLocked(w, "process exited unexpectedly")
}

// recordFaultLocked charges one protocol fault against a worker and
// starts repair once the consecutive threshold is reached.
func (p *Pool) recordFaultLocked(w *Worker, reason string) {
	w.lifetimeErrors++
	w.consecutiveFailures++
	if w.consecutiveFailures >= faultThreshold && w.state == types.WorkerHealthy {
		p.startRepairLocked(w, reason)
	}
}

func (p *Pool) forwardLog(w *Worker, msg proc.Message) {
	switch msg.Level {
	case "debug":
		w.log.Debug("%s", msg.Text)
	case "warn":
		w.log.Warn("%s", msg.Text)
	case "error":
		w.log.Error("%s", msg.Text)
	default:
		w.log.Info("%s", msg.Text)
	}
}

func mergeResults(t *types.Task, data map[string]interface{}) {
	if len(data) == 0 {
		return
	}
	if t.Context.PartialResults == nil {
		t.Context.PartialResults = make(map[string]interface{})
	}
	for k, v := range data {
		t.Context.PartialResults[k] = v
	}
}
