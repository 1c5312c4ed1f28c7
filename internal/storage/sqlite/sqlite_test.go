package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelden/warden/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	task := &types.Task{
		ID:          "tk-11112222",
		Type:        "build",
		State:       types.StateCompleted,
		Priority:    2,
		Attempts:    1,
		MaxAttempts: 3,
		TimeoutSecs: 60,
		WorkerID:    "w1",
		Payload:     map[string]interface{}{"target": "all"},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		StartedAt:   time.Now().UTC().Truncate(time.Second),
		CompletedAt: time.Now().UTC().Truncate(time.Second),
		Context: types.TaskContext{
			CompletedSteps: []string{"fetch", "compile"},
		},
	}

	require.NoError(t, s.RecordTask(ctx, task))

	loaded, err := s.GetTask(ctx, "tk-11112222")
	require.NoError(t, err)
	assert.Equal(t, "build", loaded.Type)
	assert.Equal(t, types.StateCompleted, loaded.State)
	assert.Equal(t, "all", loaded.Payload["target"])
	assert.Equal(t, []string{"fetch", "compile"}, loaded.Context.CompletedSteps)

	// Same id again is an update, not a duplicate.
	task.State = types.StateEscalated
	require.NoError(t, s.RecordTask(ctx, task))

	tasks, err := s.ListTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.StateEscalated, tasks[0].State)
}

func TestEscalationRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	esc := &types.Escalation{
		ID:       "e-1",
		Task:     types.Task{ID: "tk-deadbeef", Type: "deploy"},
		Attempts: 3,
		Errors: []types.ErrorRecord{
			{Time: time.Now().UTC(), WorkerID: "w2", Message: "connection refused"},
		},
		LastError:  "connection refused",
		Category:   types.CategoryExternal,
		Suggestion: "check the upstream service",
		Time:       time.Now().UTC().Truncate(time.Second),
	}

	require.NoError(t, s.RecordEscalation(ctx, esc))

	list, err := s.ListEscalations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tk-deadbeef", list[0].Task.ID)
	assert.Equal(t, types.CategoryExternal, list[0].Category)
	require.Len(t, list[0].Errors, 1)
	assert.Equal(t, "connection refused", list[0].Errors[0].Message)
}

func TestWorkerUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	info := &types.WorkerInfo{
		ID:           "w1",
		PID:          4242,
		State:        types.WorkerHealthy,
		LastResponse: time.Now().UTC().Truncate(time.Second),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertWorker(ctx, info))

	info.State = types.WorkerRepairing
	info.RepairAttempts = 2
	require.NoError(t, s.UpsertWorker(ctx, info))

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerRepairing, workers[0].State)
	assert.Equal(t, 2, workers[0].RepairAttempts)
}
