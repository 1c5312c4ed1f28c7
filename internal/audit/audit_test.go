package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := Open(path)
	require.NoError(t, err)

	first, err := log.Record("worker.repairing", map[string]interface{}{
		"worker_id": "w1",
		"level":     2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Time.IsZero())

	_, err = log.Record("task.reassigned", map[string]interface{}{"task_id": "tk-abc"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	entries, err := Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "worker.repairing", entries[0].Event)
	assert.Equal(t, first.ID, entries[0].ID)
	// JSON numbers come back as float64.
	assert.EqualValues(t, 2, entries[0].Payload["level"])
	assert.Equal(t, "task.reassigned", entries[1].Event)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestReadMissing(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
