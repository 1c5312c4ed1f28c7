package pool

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kelden/warden/pkg/types"
)

// startMonitor schedules the two periodic jobs: the liveness sweep that
// pushes silent workers into the repair ladder, and the status snapshot
// that logs pool health and refreshes worker rows in the history store.
// Their periods come from configuration; an interval of zero disables
// the job.
func (p *Pool) startMonitor() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if interval := p.cfg.Health.CheckInterval(); interval > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(p.livenessSweep),
			gocron.WithName("liveness-sweep"),
		); err != nil {
			return fmt.Errorf("failed to schedule liveness sweep: %w", err)
		}
	}

	if interval := p.cfg.Health.SnapshotInterval(); interval > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(p.statusSnapshot),
			gocron.WithName("status-snapshot"),
		); err != nil {
			return fmt.Errorf("failed to schedule status snapshot: %w", err)
		}
	}

	s.Start()
	p.scheduler = s
	return nil
}

// livenessSweep checks every worker's last-response age independently
// of task activity, so a wedged process that never received a task is
// still caught. It also tops the pool back up after a failed
// replacement launch.
func (p *Pool) livenessSweep() {
	limit := p.cfg.Health.LivenessTimeout()

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	for _, w := range p.workers {
		if w.state != types.WorkerHealthy {
			continue
		}
		silent := time.Since(w.lastResponse)
		if silent > limit {
			p.startRepairLocked(w, fmt.Sprintf("no response for %s", silent.Round(time.Second)))
		}
	}
	p.mu.Unlock()

	p.ensureCapacity()
}

// statusSnapshot logs a health summary and refreshes the store rows
func (p *Pool) statusSnapshot() {
	m := p.Metrics()
	p.monitorLog.Info("Workers %d/%d healthy, queue %d/%d, active %d, completed %d, failed %d, escalated %d",
		m.HealthyWorkers, m.Capacity, m.QueueDepth, m.QueueCapacity, m.ActiveTasks,
		m.TasksCompleted, m.TasksFailed, m.TasksEscalated)

	for _, info := range p.Workers() {
		p.upsertWorker(info)
	}
}
