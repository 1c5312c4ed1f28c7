// Package pool supervises a fixed-size set of long-running worker
// processes and drives the task queue against them. It is the single
// scheduling authority: every queue mutation and worker state
// transition serializes through the pool mutex, so a task is bound to
// at most one worker at any instant and a worker runs at most one task.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kelden/warden/internal/audit"
	"github.com/kelden/warden/internal/logger"
	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/internal/storage"
	"github.com/kelden/warden/internal/task"
	"github.com/kelden/warden/pkg/types"
)

// ErrShuttingDown is returned by Submit once shutdown has begun
var ErrShuttingDown = errors.New("pool is shutting down")

// Pool owns the worker set and the task queue and exposes the public
// surface: Submit, Metrics, Workers, Subscribe, Shutdown.
type Pool struct {
	cfg      *types.Config
	launcher proc.Launcher
	queue    *task.Queue
	store    storage.Store // optional
	auditLog *audit.Log    // optional

	logDir        string
	workspacesDir string

	log         *logger.Logger
	dispatchLog *logger.Logger
	monitorLog  *logger.Logger
	repairLog   *logger.Logger

	mu           sync.Mutex
	workers      []*Worker
	active       map[string]*types.Task // bound tasks by id
	nextNum      int                    // worker id counter
	spawning     int                    // replacements not yet registered
	shuttingDown bool
	startedAt    time.Time

	// cumulative counters
	workersCreated int
	deadTotal      int
	replacements   int
	completedTotal int
	failedTotal    int
	escalatedTotal int
	repairsByLevel [5]int

	idle chan struct{} // pulsed when a worker may have become dispatchable
	done chan struct{} // closed at shutdown, stops the loops

	scheduler gocron.Scheduler

	wg   sync.WaitGroup // dispatch loop, pumps, repairs, spawners
	ioWG sync.WaitGroup // history store writes in flight

	// event emitter
	emu            sync.Mutex
	equeue         []types.Event
	enotify        chan struct{}
	estop          chan struct{}
	estopOnce      sync.Once
	emitterStopped chan struct{}
	subMu          sync.Mutex
	subs           []func(types.Event)

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a pool from configuration. The store and audit log may be
// nil when history or auditing is disabled; logDir and workspacesDir
// may be empty to skip file output (tests do both).
func New(cfg *types.Config, launcher proc.Launcher, store storage.Store, auditLog *audit.Log, logDir, workspacesDir string) *Pool {
	return &Pool{
		cfg:            cfg,
		launcher:       launcher,
		queue:          task.NewQueue(cfg.Pool.QueueCapacity),
		store:          store,
		auditLog:       auditLog,
		logDir:         logDir,
		workspacesDir:  workspacesDir,
		log:            logger.New("Pool", logDir),
		dispatchLog:    logger.New("Dispatch", logDir),
		monitorLog:     logger.New("Monitor", logDir),
		repairLog:      logger.New("Repair", logDir),
		active:         make(map[string]*types.Task),
		nextNum:        1,
		idle:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		enotify:        make(chan struct{}, 1),
		estop:          make(chan struct{}),
		emitterStopped: make(chan struct{}),
	}
}

// Subscribe registers a callback invoked for every pool event. All
// callbacks run on the emitter goroutine, in emission order.
func (p *Pool) Subscribe(fn func(types.Event)) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subs = append(p.subs, fn)
}

// Start launches the configured number of workers, the periodic monitor
// jobs and the dispatch loop.
func (p *Pool) Start() error {
	p.startedAt = time.Now()
	go p.emitLoop()

	capacity := p.cfg.Pool.Capacity
	if capacity < 1 {
		capacity = 1
	}

	p.log.Info("Starting %d workers", capacity)
	for i := 0; i < capacity; i++ {
		handle, err := p.launcher()
		if err != nil {
			p.teardownStartup()
			return fmt.Errorf("failed to start worker %d: %w", i+1, err)
		}
		p.mu.Lock()
		w := p.addWorkerLocked(handle)
		p.emit(types.EventWorkerCreated, map[string]interface{}{
			"worker_id": w.id,
			"pid":       w.pid,
		})
		p.mu.Unlock()
	}

	if err := p.startMonitor(); err != nil {
		p.teardownStartup()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	p.wg.Add(1)
	go p.dispatchLoop()

	p.log.Success("Pool ready with %d workers", capacity)
	return nil
}

// teardownStartup kills anything launched before Start failed
func (p *Pool) teardownStartup() {
	p.mu.Lock()
	p.shuttingDown = true
	handles := make([]proc.Handle, 0, len(p.workers))
	for _, w := range p.workers {
		handles = append(handles, w.handle)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Terminate()
	}
	p.stopEmitter()
}

// stopEmitter ends the emitter goroutine exactly once, whether startup
// failed or shutdown finished.
func (p *Pool) stopEmitter() {
	p.estopOnce.Do(func() { close(p.estop) })
}

// Submit validates and enqueues a task described by spec, returning its
// generated id without waiting for execution.
func (p *Pool) Submit(spec types.TaskSpec) (string, error) {
	t, err := task.NewTask(spec, p.cfg.Tasks)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return "", ErrShuttingDown
	}
	if err := p.queue.Enqueue(t); err != nil {
		p.mu.Unlock()
		return "", err
	}
	p.emit(types.EventTaskQueued, map[string]interface{}{
		"task_id":  t.ID,
		"type":     t.Type,
		"priority": t.Priority,
		"attempt":  t.Attempts,
	})
	p.mu.Unlock()

	p.log.Info("Queued %s", task.Summary(t))
	return t.ID, nil
}

// Metrics returns a read-only snapshot of pool health
func (p *Pool) Metrics() types.PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := types.PoolMetrics{
		Capacity:          p.cfg.Pool.Capacity,
		QueueDepth:        p.queue.Len(),
		QueueCapacity:     p.queue.Cap(),
		InterruptedQueued: p.queue.FrontLen(),
		ActiveTasks:       len(p.active),
		TasksCompleted:    p.completedTotal,
		TasksFailed:       p.failedTotal,
		TasksEscalated:    p.escalatedTotal,
		DeadWorkers:       p.deadTotal,
		Replacements:      p.replacements,
		RepairsByLevel:    p.repairsByLevel,
		UptimeSecs:        int64(time.Since(p.startedAt).Seconds()),
		ShuttingDown:      p.shuttingDown,
	}
	for _, w := range p.workers {
		m.LiveWorkers++
		switch w.state {
		case types.WorkerHealthy:
			m.HealthyWorkers++
		case types.WorkerRepairing:
			m.RepairingWorkers++
		}
	}
	if p.workersCreated > 0 {
		total := 0
		for _, n := range p.repairsByLevel {
			total += n
		}
		m.MeanRepairs = float64(total) / float64(p.workersCreated)
	}
	return m
}

// Workers returns a snapshot of every live worker
func (p *Pool) Workers() []*types.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]*types.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, w.snapshot())
	}
	return infos
}

// addWorkerLocked registers a freshly launched process as a pool slot
// and starts its message pump.
func (p *Pool) addWorkerLocked(handle proc.Handle) *Worker {
	w := newWorker(p.nextNum, handle, p.logDir)
	p.nextNum++
	p.workersCreated++
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go p.runPump(w, handle, w.gen)
	w.log.Info("Started (pid %d)", w.pid)
	return w
}

func (p *Pool) removeWorkerLocked(w *Worker) {
	for i, other := range p.workers {
		if other == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

// ensureCapacity launches replacements until live workers plus in-flight
// spawns reach the configured pool size. Called on worker death and by
// the liveness sweep, so a failed launch is retried on the next sweep
// without ever double-replacing one death.
func (p *Pool) ensureCapacity() {
	p.mu.Lock()
	need := 0
	if !p.shuttingDown {
		live := 0
		for _, w := range p.workers {
			if w.state != types.WorkerDead {
				live++
			}
		}
		need = p.cfg.Pool.Capacity - live - p.spawning
	}
	if need > 0 {
		p.spawning += need
		p.wg.Add(need)
	}
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		go p.spawnReplacement()
	}
}

func (p *Pool) spawnReplacement() {
	defer p.wg.Done()

	handle, err := p.launcher()

	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.mu.Unlock()
		p.log.LogError(err, "launching replacement worker")
		return
	}
	if p.shuttingDown {
		p.mu.Unlock()
		handle.Terminate()
		return
	}
	w := p.addWorkerLocked(handle)
	p.replacements++
	p.emit(types.EventWorkerReplaced, map[string]interface{}{
		"worker_id": w.id,
		"pid":       w.pid,
	})
	p.mu.Unlock()

	p.log.Success("Replacement worker %s online", w.id)
	p.signalIdle()
}

// markDeadLocked finalizes a worker: its held task is captured and
// reassigned (or escalated when out of attempts), the slot is removed,
// and exactly one replacement is scheduled.
func (p *Pool) markDeadLocked(w *Worker, reason string) {
	if w.state == types.WorkerDead {
		return
	}
	w.state = types.WorkerDead
	p.deadTotal++

	p.interruptCurrentLocked(w, reason)

	p.emit(types.EventWorkerDead, map[string]interface{}{
		"worker_id": w.id,
		"reason":    reason,
		"incidents": w.incidents,
	})
	w.log.Error("Dead: %s", reason)

	p.upsertWorker(w.snapshot())
	p.removeWorkerLocked(w)

	if !p.shuttingDown {
		go p.ensureCapacity()
	}
}

// interruptCurrentLocked captures the context of the task a dying or
// restarting worker holds and pushes it to the front of the queue so
// interrupted work is not starved behind new submissions.
func (p *Pool) interruptCurrentLocked(w *Worker, reason string) {
	t := w.current
	if t == nil {
		return
	}
	p.unbindLocked(w)

	t.LastError = reason
	task.TransitionTo(t, types.StateTerminated)
	w.recordExecution(t, false, reason)
	w.tasksFailed++
	p.captureContextLocked(t, w, types.OutcomeTerminated, reason)

	if t.Attempts < t.MaxAttempts {
		task.TransitionTo(t, types.StateQueued)
		p.queue.EnqueueFront(t)
		p.emit(types.EventTaskReassigned, map[string]interface{}{
			"task_id":   t.ID,
			"worker_id": w.id,
			"attempt":   t.Attempts,
			"reason":    reason,
		})
		p.log.Warn("Task %s interrupted on %s, reassigned to front of queue", t.ID, w.id)
	} else {
		p.escalateLocked(t)
	}
}

// Shutdown stops intake, waits up to drainTimeout for in-flight tasks,
// force-terminates every worker and flushes the audit log. Idempotent:
// later calls return the first result.
func (p *Pool) Shutdown(drainTimeout time.Duration) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown(drainTimeout)
	})
	return p.shutdownErr
}

func (p *Pool) shutdown(drainTimeout time.Duration) error {
	p.log.Info("Shutting down (drain %s)", drainTimeout)

	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	var firstErr error
	if p.scheduler != nil {
		if err := p.scheduler.Shutdown(); err != nil {
			firstErr = fmt.Errorf("stopping monitor: %w", err)
		}
	}
	close(p.done)

	// Bounded drain for in-flight work.
	deadline := time.Now().Add(drainTimeout)
	for drainTimeout > 0 {
		p.mu.Lock()
		inflight := len(p.active)
		p.mu.Unlock()
		if inflight == 0 {
			break
		}
		if time.Now().After(deadline) {
			p.log.Warn("Drain timeout with %d tasks still in flight", inflight)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Force-terminate everything still running. In-flight tasks get a
	// terminated outcome in their context, never silently dropped.
	p.mu.Lock()
	handles := make([]proc.Handle, 0, len(p.workers))
	terminal := make([]*types.Task, 0)
	infos := make([]*types.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		if t := w.current; t != nil {
			p.unbindLocked(w)
			t.LastError = "terminated at shutdown"
			task.TransitionTo(t, types.StateTerminated)
			w.recordExecution(t, false, t.LastError)
			p.captureContextLocked(t, w, types.OutcomeTerminated, t.LastError)
			terminal = append(terminal, t)
		}
		handles = append(handles, w.handle)
		infos = append(infos, w.snapshot())
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Terminate()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			p.log.Warn("A worker process did not exit in time")
		}
	}

	// Wait for pumps, dispatch, repairs and spawners to settle, then
	// persist the final state.
	p.wg.Wait()
	for _, t := range terminal {
		p.recordTask(t)
	}
	for _, info := range infos {
		p.upsertWorker(info)
	}
	p.ioWG.Wait()

	p.stopEmitter()
	<-p.emitterStopped

	if p.auditLog != nil {
		if err := p.auditLog.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing audit log: %w", err)
		}
	}

	p.log.Success("Shutdown complete")
	return firstErr
}

// recordTask persists a terminal task row without holding the pool lock
func (p *Pool) recordTask(t *types.Task) {
	if p.store == nil {
		return
	}
	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		if err := p.store.RecordTask(context.Background(), t); err != nil {
			p.log.LogError(err, fmt.Sprintf("recording task %s", t.ID))
		}
	}()
}

func (p *Pool) recordEscalation(esc *types.Escalation) {
	if p.store == nil {
		return
	}
	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		if err := p.store.RecordEscalation(context.Background(), esc); err != nil {
			p.log.LogError(err, fmt.Sprintf("recording escalation for task %s", esc.Task.ID))
		}
	}()
}

func (p *Pool) upsertWorker(info *types.WorkerInfo) {
	if p.store == nil {
		return
	}
	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		if err := p.store.UpsertWorker(context.Background(), info); err != nil {
			p.log.LogError(err, fmt.Sprintf("recording worker %s", info.ID))
		}
	}()
}
