package pool

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/pkg/types"
)

// Repair ladder levels, attempted in strictly increasing order within
// one incident. A failed level is never retried; success at any level
// returns the worker to healthy, and level 5 is terminal.
const (
	levelNudge     = 1
	levelResync    = 2
	levelInterrupt = 3
	levelRestart   = 4
	levelKill      = 5
)

// startRepairLocked moves a healthy worker into the repair ladder and
// hands the incident to its own goroutine.
func (p *Pool) startRepairLocked(w *Worker, reason string) {
	if w.state != types.WorkerHealthy || p.shuttingDown {
		return
	}
	w.state = types.WorkerRepairing
	w.repairAttempts = 0
	w.incidents++
	w.log.Warn("Entering repair: %s", reason)

	p.wg.Add(1)
	go p.runRepair(w, reason)
}

// runRepair walks the ladder for one incident. Each level runs outside
// the pool lock, bounded by the repair step timeout; the decision point
// before each level re-validates, since shutdown or an unexpected exit
// can end the incident early.
func (p *Pool) runRepair(w *Worker, reason string) {
	defer p.wg.Done()

	maxAttempts := p.cfg.Health.MaxRepairAttempts
	stepTimeout := p.cfg.Health.RepairStepTimeout()

	for level := levelNudge; level <= levelRestart; level++ {
		p.mu.Lock()
		if p.shuttingDown || w.state != types.WorkerRepairing {
			p.mu.Unlock()
			return
		}
		if w.repairAttempts >= maxAttempts {
			p.mu.Unlock()
			break // fail fast, straight to kill
		}
		w.repairAttempts++
		p.repairsByLevel[level-1]++
		h := w.handle
		p.emit(types.EventWorkerRepairing, map[string]interface{}{
			"worker_id": w.id,
			"level":     level,
			"attempt":   w.repairAttempts,
			"reason":    reason,
		})
		p.mu.Unlock()

		p.repairLog.Info("Worker %s repair level %d (%s)", w.id, level, reason)

		var ok bool
		switch level {
		case levelNudge:
			ok = p.nudge(w, h, stepTimeout)
		case levelResync:
			ok = p.resync(w, h, stepTimeout)
		case levelInterrupt:
			ok = p.interrupt(w, h, stepTimeout)
		case levelRestart:
			ok = p.restart(w, stepTimeout)
		}

		if ok {
			p.mu.Lock()
			if w.state == types.WorkerRepairing {
				w.state = types.WorkerHealthy
				w.consecutiveFailures = 0
				w.lastResponse = time.Now()
				w.log.Success("Repaired at level %d", level)
			}
			p.mu.Unlock()
			p.signalIdle()
			return
		}
	}

	// Level 5: kill. Terminal for this worker instance; the controller
	// replaces it.
	p.mu.Lock()
	if p.shuttingDown || w.state != types.WorkerRepairing {
		p.mu.Unlock()
		return
	}
	p.repairsByLevel[levelKill-1]++
	p.emit(types.EventWorkerRepairing, map[string]interface{}{
		"worker_id": w.id,
		"level":     levelKill,
		"reason":    reason,
	})
	h := w.handle
	p.markDeadLocked(w, "repair ladder exhausted")
	p.mu.Unlock()

	h.Terminate()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
	}
}

// nudge sends an innocuous input and waits briefly for any response
func (p *Pool) nudge(w *Worker, h proc.Handle, timeout time.Duration) bool {
	w.drainPulse()
	if err := h.Send(proc.Message{Type: proc.MsgNudge}); err != nil {
		return false
	}
	return p.awaitResponse(w, h, timeout)
}

// resync replays the worker's last known environment (and the bound
// task's completed steps) back to it, then probes.
func (p *Pool) resync(w *Worker, h proc.Handle, timeout time.Duration) bool {
	p.mu.Lock()
	msg := proc.Message{
		Type:          proc.MsgResync,
		WorkDir:       w.workDir,
		Env:           w.env,
		OpenResources: w.openResources,
	}
	if w.current != nil {
		msg.TaskID = w.current.ID
		msg.CompletedSteps = append([]string(nil), w.current.Context.CompletedSteps...)
	}
	p.mu.Unlock()

	w.drainPulse()
	if err := h.Send(msg); err != nil {
		return false
	}
	return p.probe(w, h, timeout)
}

// interrupt signals the process, pauses, then retries a gentle nudge
func (p *Pool) interrupt(w *Worker, h proc.Handle, timeout time.Duration) bool {
	if err := h.Signal(proc.Interrupt); err != nil {
		return false
	}
	time.Sleep(500 * time.Millisecond)
	return p.nudge(w, h, timeout)
}

// restart terminates and relaunches the underlying process while
// preserving the worker's identity. Any bound task cannot survive the
// process boundary, so it is captured and reassigned first.
func (p *Pool) restart(w *Worker, timeout time.Duration) bool {
	p.mu.Lock()
	if p.shuttingDown || w.state != types.WorkerRepairing {
		p.mu.Unlock()
		return false
	}
	p.interruptCurrentLocked(w, "worker restarted during repair")
	w.gen++
	old := w.handle
	p.mu.Unlock()

	old.Terminate()
	select {
	case <-old.Done():
	case <-time.After(2 * time.Second):
	}

	handle, err := p.launcher()
	if err != nil {
		p.repairLog.LogError(err, fmt.Sprintf("relaunching %s", w.id))
		return false
	}

	p.mu.Lock()
	if p.shuttingDown || w.state != types.WorkerRepairing {
		p.mu.Unlock()
		handle.Terminate()
		return false
	}
	w.handle = handle
	w.pid = handle.PID()
	p.wg.Add(1)
	go p.runPump(w, handle, w.gen)
	p.mu.Unlock()

	w.log.Info("Restarted in place (pid %d)", w.pid)
	return p.probe(w, handle, timeout)
}

// probe sends a ping and waits for any sign of life
func (p *Pool) probe(w *Worker, h proc.Handle, timeout time.Duration) bool {
	w.drainPulse()
	if err := h.Send(proc.Message{Type: proc.MsgPing, PingID: uuid.NewString()}); err != nil {
		return false
	}
	return p.awaitResponse(w, h, timeout)
}

// awaitResponse blocks until the worker produces any message, the
// process exits, the pool shuts down, or the step timeout passes. Any
// inbound traffic counts as life; the protocol does not require the
// reply to match the probe.
func (p *Pool) awaitResponse(w *Worker, h proc.Handle, timeout time.Duration) bool {
	select {
	case <-w.resp:
		return true
	case <-h.Done():
		return false
	case <-p.done:
		return false
	case <-time.After(timeout):
		return false
	}
}
