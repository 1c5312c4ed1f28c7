package pool

import (
	"fmt"
	"time"

	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/internal/task"
	"github.com/kelden/warden/pkg/types"
)

// dispatchLoop wakes on queue activity, worker availability and a
// fallback tick, and binds queued tasks to idle workers.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	interval := p.cfg.Pool.DispatchInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-p.queue.NotEmpty():
		case <-p.idle:
		case <-ticker.C:
		}
		p.dispatchOnce()
	}
}

// signalIdle wakes the dispatch loop after a worker may have freed up
func (p *Pool) signalIdle() {
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

// dispatchOnce pairs queued tasks with idle workers until one side runs
// out. Binding happens under the pool lock; the write to the process
// happens outside it so a slow pipe never stalls scheduling.
func (p *Pool) dispatchOnce() {
	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return
		}

		var w *Worker
		for _, cand := range p.workers {
			if cand.idle() {
				w = cand
				break
			}
		}
		if w == nil {
			p.mu.Unlock()
			return
		}

		t := p.queue.Dequeue()
		if t == nil {
			p.mu.Unlock()
			return
		}

		msg := p.bindLocked(w, t)
		h := w.handle
		taskID, workerID := t.ID, w.id
		attempt, maxAttempts := t.Attempts, t.MaxAttempts
		p.mu.Unlock()

		if err := h.Send(msg); err != nil {
			p.dispatchLog.LogError(err, fmt.Sprintf("delivering task %s to %s", taskID, workerID))
			p.mu.Lock()
			if w.current == t {
				p.markDeadLocked(w, "failed to deliver task")
			}
			p.mu.Unlock()
			continue
		}
		// Best-effort request for a fresh environment report so context
		// capture has something current if this attempt is interrupted.
		h.Send(proc.Message{Type: proc.MsgState})

		p.dispatchLog.Info("Dispatched %s to %s (attempt %d/%d)", taskID, workerID, attempt, maxAttempts)
	}
}

// bindLocked assigns a task to a worker: attempt charged, deadline
// armed, started event emitted. Returns the wire message to deliver.
func (p *Pool) bindLocked(w *Worker, t *types.Task) proc.Message {
	t.Attempts++
	task.TransitionTo(t, types.StateAssigned)
	t.StartedAt = time.Now()
	t.WorkerID = w.id
	t.Context.WorkerID = w.id
	t.LastError = ""
	w.current = t
	p.active[t.ID] = t

	gen := w.gen
	w.timer = time.AfterFunc(t.Timeout(), func() { p.handleTimeout(w, t, gen) })

	p.emit(types.EventTaskStarted, map[string]interface{}{
		"task_id":   t.ID,
		"worker_id": w.id,
		"attempt":   t.Attempts,
	})
	return p.taskMessage(t)
}

// unbindLocked releases a worker's current task and disarms its deadline
func (p *Pool) unbindLocked(w *Worker) {
	t := w.current
	if t == nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.current = nil
	delete(p.active, t.ID)
}

// handleResultLocked settles the bound task when its worker reports a
// result. Results for anything but the bound task are dropped: they
// belong to an attempt that was already timed out or reassigned.
func (p *Pool) handleResultLocked(w *Worker, msg proc.Message) {
	t := w.current
	if t == nil || t.ID != msg.TaskID {
		w.log.Debug("Dropping late result for task %s", msg.TaskID)
		return
	}

	mergeResults(t, msg.Data)

	if !msg.OK {
		errMsg := msg.Error
		if errMsg == "" {
			errMsg = "task failed"
		}
		p.failAttemptLocked(w, t, errMsg, types.OutcomeFailure)
		return
	}

	p.unbindLocked(w)
	task.TransitionTo(t, types.StateCompleted)
	t.CompletedAt = time.Now()
	w.recordExecution(t, true, "")
	w.tasksCompleted++
	w.consecutiveFailures = 0
	p.completedTotal++
	p.captureContextLocked(t, w, types.OutcomeSuccess, "")

	p.emit(types.EventTaskCompleted, map[string]interface{}{
		"task_id":     t.ID,
		"worker_id":   w.id,
		"attempt":     t.Attempts,
		"duration_ms": t.CompletedAt.Sub(t.StartedAt).Milliseconds(),
	})
	w.log.Success("Task %s completed", t.ID)
	p.recordTask(t)
	p.signalIdle()
}

// failAttemptLocked charges a failed attempt: context is captured
// before the retry decision so the error trail is complete either way.
// Retries go to the queue tail; only interruptions jump the line.
func (p *Pool) failAttemptLocked(w *Worker, t *types.Task, errMsg string, outcome types.AttemptOutcome) {
	p.unbindLocked(w)

	t.LastError = errMsg
	task.TransitionTo(t, types.StateFailed)
	w.recordExecution(t, false, errMsg)
	w.tasksFailed++
	p.failedTotal++
	p.captureContextLocked(t, w, outcome, errMsg)

	p.emit(types.EventTaskFailed, map[string]interface{}{
		"task_id":   t.ID,
		"worker_id": w.id,
		"attempt":   t.Attempts,
		"error":     errMsg,
		"outcome":   string(outcome),
	})
	w.log.Warn("Task %s failed (attempt %d/%d): %s", t.ID, t.Attempts, t.MaxAttempts, errMsg)

	if t.Attempts < t.MaxAttempts {
		task.TransitionTo(t, types.StateQueued)
		p.queue.Requeue(t)
		p.emit(types.EventTaskQueued, map[string]interface{}{
			"task_id":  t.ID,
			"type":     t.Type,
			"priority": t.Priority,
			"attempt":  t.Attempts,
		})
	} else {
		p.escalateLocked(t)
	}
	p.signalIdle()
}

// handleTimeout fires from the per-task deadline timer. The attempt is
// charged and the worker flagged as suspect, but not killed: the
// liveness sweep and fault threshold decide whether repair is needed.
func (p *Pool) handleTimeout(w *Worker, t *types.Task, gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown || w.gen != gen || w.current != t {
		return
	}
	w.log.Warn("Task %s exceeded its %s timeout", t.ID, t.Timeout())
	p.failAttemptLocked(w, t, fmt.Sprintf("timed out after %s", t.Timeout()), types.OutcomeTimeout)
	p.recordFaultLocked(w, "task timeout")
}
