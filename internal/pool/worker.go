package pool

import (
	"fmt"
	"time"

	"github.com/kelden/warden/internal/logger"
	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/pkg/types"
)

// Worker is one supervised slot in the pool: a live process handle plus
// the health and assignment state the controller tracks for it. Every
// field is guarded by the pool mutex; only the process itself runs free.
type Worker struct {
	id        string
	handle    proc.Handle
	pid       int
	createdAt time.Time
	state     types.WorkerState

	// gen increments on every in-place restart so message pumps of
	// superseded processes can be told apart from the live one.
	gen int

	lastResponse        time.Time
	consecutiveFailures int
	lifetimeErrors      int
	repairAttempts      int // current incident
	incidents           int

	current *types.Task
	timer   *time.Timer // per-task deadline, armed at bind

	history        []types.ExecutionRecord
	tasksCompleted int
	tasksFailed    int

	// Last environment report from the process. Context capture falls
	// back to this when the process can no longer be asked.
	workDir       string
	env           map[string]string
	openResources []string

	// resp is pulsed on every inbound message so repair probes can wait
	// for signs of life without polling.
	resp chan struct{}

	log *logger.Logger
}

func newWorker(num int, handle proc.Handle, logDir string) *Worker {
	now := time.Now()
	return &Worker{
		id:           fmt.Sprintf("w%d", num),
		handle:       handle,
		pid:          handle.PID(),
		createdAt:    now,
		state:        types.WorkerHealthy,
		lastResponse: now,
		resp:         make(chan struct{}, 1),
		log:          logger.New(fmt.Sprintf("Worker-%d", num), logDir),
	}
}

// pulse signals a waiting repair probe without blocking
func (w *Worker) pulse() {
	select {
	case w.resp <- struct{}{}:
	default:
	}
}

// drainPulse clears a stale pulse so a probe only sees fresh traffic
func (w *Worker) drainPulse() {
	select {
	case <-w.resp:
	default:
	}
}

// recordExecution appends one entry to the worker's task history
func (w *Worker) recordExecution(t *types.Task, success bool, errMsg string) {
	w.history = append(w.history, types.ExecutionRecord{
		TaskID:    t.ID,
		StartedAt: t.StartedAt,
		EndedAt:   time.Now(),
		Success:   success,
		Error:     errMsg,
	})
}

// snapshot returns a point-in-time copy safe to use outside the pool lock
func (w *Worker) snapshot() *types.WorkerInfo {
	info := &types.WorkerInfo{
		ID:                  w.id,
		PID:                 w.pid,
		State:               w.state,
		LastResponse:        w.lastResponse,
		CreatedAt:           w.createdAt,
		ConsecutiveFailures: w.consecutiveFailures,
		LifetimeErrors:      w.lifetimeErrors,
		RepairAttempts:      w.repairAttempts,
		Incidents:           w.incidents,
		TasksCompleted:      w.tasksCompleted,
		TasksFailed:         w.tasksFailed,
	}
	if w.current != nil {
		info.TaskID = w.current.ID
	}
	return info
}

// idle reports whether the worker can accept a task
func (w *Worker) idle() bool {
	return w.state == types.WorkerHealthy && w.current == nil
}
