package types

import "time"

// WorkerState represents the repair state machine position of a worker
type WorkerState string

const (
	WorkerHealthy   WorkerState = "healthy"   // Responsive, eligible for dispatch
	WorkerRepairing WorkerState = "repairing" // In the repair ladder, not dispatchable
	WorkerDead      WorkerState = "dead"      // Terminal; the pool replaces it
)

// WorkerInfo is a point-in-time snapshot of one worker's health and assignment
type WorkerInfo struct {
	ID                  string      `json:"id"`
	PID                 int         `json:"pid"`
	State               WorkerState `json:"state"`
	TaskID              string      `json:"task_id,omitempty"`
	LastResponse        time.Time   `json:"last_response"`
	CreatedAt           time.Time   `json:"created_at"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LifetimeErrors      int         `json:"lifetime_errors"`
	RepairAttempts      int         `json:"repair_attempts"`
	Incidents           int         `json:"incidents"`
	TasksCompleted      int         `json:"tasks_completed"`
	TasksFailed         int         `json:"tasks_failed"`
}

// ExecutionRecord is one entry in a worker's append-only task history
type ExecutionRecord struct {
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// PoolMetrics is the read-only snapshot returned by the pool controller
type PoolMetrics struct {
	Capacity          int     `json:"capacity"`
	LiveWorkers       int     `json:"live_workers"`
	HealthyWorkers    int     `json:"healthy_workers"`
	RepairingWorkers  int     `json:"repairing_workers"`
	DeadWorkers       int     `json:"dead_workers"` // cumulative, including replaced
	Replacements      int     `json:"replacements"`
	QueueDepth        int     `json:"queue_depth"`
	QueueCapacity     int     `json:"queue_capacity"`
	ActiveTasks       int     `json:"active_tasks"`
	TasksCompleted    int     `json:"tasks_completed"`
	TasksFailed       int     `json:"tasks_failed"` // failed attempts, not escalations
	TasksEscalated    int     `json:"tasks_escalated"`
	RepairsByLevel    [5]int  `json:"repairs_by_level"`
	MeanRepairs       float64 `json:"mean_repairs_per_worker"`
	UptimeSecs        int64   `json:"uptime_secs"`
	ShuttingDown      bool    `json:"shutting_down"`
	InterruptedQueued int     `json:"interrupted_queued"` // front-of-queue reassignments waiting
}
