package types

import "time"

// TaskState represents the current state of a task
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateAssigned   TaskState = "assigned"
	StateRunning    TaskState = "running"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateTerminated TaskState = "terminated"
	StateEscalated  TaskState = "escalated"
)

// Task represents a unit of work executed by exactly one worker at a time
type Task struct {
	ID          string                 `yaml:"id" json:"id"`
	Type        string                 `yaml:"type" json:"type"`
	Payload     map[string]interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
	Priority    int                    `yaml:"priority" json:"priority"`
	State       TaskState              `yaml:"state" json:"state"`
	Attempts    int                    `yaml:"attempts" json:"attempts"`
	MaxAttempts int                    `yaml:"max_attempts" json:"max_attempts"`
	TimeoutSecs int                    `yaml:"timeout_secs" json:"timeout_secs"`
	WorkerID    string                 `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`
	LastError   string                 `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt   time.Time              `yaml:"created_at" json:"created_at"`
	StartedAt   time.Time              `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt time.Time              `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Context     TaskContext            `yaml:"context" json:"context"`
}

// Timeout returns the task's execution deadline as a duration
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSecs) * time.Second
}

// IsTerminal returns true once a task has left the system
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateEscalated:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a state transition is valid
func (s TaskState) CanTransitionTo(next TaskState) bool {
	// Failed and terminated tasks may re-enter the queue while attempts
	// remain; completed and escalated are terminal.
	validTransitions := map[TaskState][]TaskState{
		StateQueued:     {StateAssigned},
		StateAssigned:   {StateRunning, StateCompleted, StateFailed, StateTerminated},
		StateRunning:    {StateCompleted, StateFailed, StateTerminated},
		StateFailed:     {StateQueued, StateEscalated},
		StateTerminated: {StateQueued, StateEscalated},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == next {
			return true
		}
	}
	return false
}

// TaskSpec is the caller-facing description of work to submit.
// Zero values mean "use the configured default". Steps optionally
// declares the plan the worker is expected to report progress against.
type TaskSpec struct {
	Type        string                 `yaml:"type" json:"type"`
	Payload     map[string]interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
	Priority    int                    `yaml:"priority,omitempty" json:"priority,omitempty"`
	MaxAttempts int                    `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	TimeoutSecs int                    `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
	Steps       []string               `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// PoolConfig holds worker pool sizing
type PoolConfig struct {
	Capacity             int `yaml:"capacity" mapstructure:"capacity"`
	QueueCapacity        int `yaml:"queue_capacity" mapstructure:"queue_capacity"`
	DispatchIntervalSecs int `yaml:"dispatch_interval_secs" mapstructure:"dispatch_interval_secs"`
}

// DispatchInterval returns the fallback tick of the dispatch loop
func (c PoolConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSecs) * time.Second
}

// HealthConfig holds the monitor and repair engine timings
type HealthConfig struct {
	CheckIntervalSecs     int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LivenessTimeoutSecs   int `yaml:"liveness_timeout_secs" mapstructure:"liveness_timeout_secs"`
	RepairStepTimeoutSecs int `yaml:"repair_step_timeout_secs" mapstructure:"repair_step_timeout_secs"`
	MaxRepairAttempts     int `yaml:"max_repair_attempts" mapstructure:"max_repair_attempts"`
	SnapshotIntervalSecs  int `yaml:"snapshot_interval_secs" mapstructure:"snapshot_interval_secs"`
}

// CheckInterval returns the liveness sweep period
func (c HealthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}

// LivenessTimeout returns how long a worker may stay silent before repair
func (c HealthConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutSecs) * time.Second
}

// RepairStepTimeout returns the per-level bound of the repair ladder
func (c HealthConfig) RepairStepTimeout() time.Duration {
	return time.Duration(c.RepairStepTimeoutSecs) * time.Second
}

// SnapshotInterval returns the status snapshot job period
func (c HealthConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSecs) * time.Second
}

// TaskDefaultsConfig holds per-task defaults and the shutdown drain bound
type TaskDefaultsConfig struct {
	DefaultTimeoutSecs int `yaml:"default_timeout_secs" mapstructure:"default_timeout_secs"`
	MaxAttempts        int `yaml:"max_attempts" mapstructure:"max_attempts"`
	DrainTimeoutSecs   int `yaml:"drain_timeout_secs" mapstructure:"drain_timeout_secs"`
}

// DefaultTimeout returns the timeout applied to tasks that set none
func (c TaskDefaultsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSecs) * time.Second
}

// DrainTimeout returns the bounded wait for in-flight tasks at shutdown
func (c TaskDefaultsConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSecs) * time.Second
}

// WorkerConfig describes the agent process every pool slot runs
type WorkerConfig struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	Env     []string `yaml:"env,omitempty" mapstructure:"env"`
}

// AuditConfig controls the append-only audit log
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// HistoryConfig controls the SQLite history store
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// PathsConfig holds directory paths relative to the project root
type PathsConfig struct {
	Inbox      string `yaml:"inbox" mapstructure:"inbox"`
	Logs       string `yaml:"logs" mapstructure:"logs"`
	Workspaces string `yaml:"workspaces" mapstructure:"workspaces"`
}

// Config is the root configuration structure
type Config struct {
	Pool    PoolConfig         `yaml:"pool" mapstructure:"pool"`
	Health  HealthConfig       `yaml:"health" mapstructure:"health"`
	Tasks   TaskDefaultsConfig `yaml:"tasks" mapstructure:"tasks"`
	Worker  WorkerConfig       `yaml:"worker" mapstructure:"worker"`
	Audit   AuditConfig        `yaml:"audit" mapstructure:"audit"`
	History HistoryConfig      `yaml:"history" mapstructure:"history"`
	Paths   PathsConfig        `yaml:"paths" mapstructure:"paths"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Capacity:             3,
			QueueCapacity:        64,
			DispatchIntervalSecs: 1,
		},
		Health: HealthConfig{
			CheckIntervalSecs:     5,
			LivenessTimeoutSecs:   30,
			RepairStepTimeoutSecs: 10,
			MaxRepairAttempts:     5,
			SnapshotIntervalSecs:  60,
		},
		Tasks: TaskDefaultsConfig{
			DefaultTimeoutSecs: 300,
			MaxAttempts:        3,
			DrainTimeoutSecs:   30,
		},
		Worker: WorkerConfig{
			Command: "warden-sim",
			Args:    nil,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    ".warden/audit.jsonl",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    ".warden/warden.db",
		},
		Paths: PathsConfig{
			Inbox:      ".warden/inbox",
			Logs:       ".warden/logs",
			Workspaces: ".warden/workspaces",
		},
	}
}
