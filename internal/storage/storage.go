package storage

import (
	"context"

	"github.com/kelden/warden/pkg/types"
)

// Store is the durable history behind the pool: finished and escalated
// tasks, escalation reports, and worker status snapshots. External
// dashboards and the CLI read it; the pool only ever writes.
type Store interface {
	// Task history
	RecordTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*types.Task, error)

	// Escalations
	RecordEscalation(ctx context.Context, esc *types.Escalation) error
	ListEscalations(ctx context.Context, limit int) ([]*types.Escalation, error)

	// Worker status snapshots
	UpsertWorker(ctx context.Context, info *types.WorkerInfo) error
	ListWorkers(ctx context.Context) ([]*types.WorkerInfo, error)

	Close() error
}
