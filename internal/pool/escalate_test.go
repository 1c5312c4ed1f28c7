package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/pkg/types"
)

func TestCategorize(t *testing.T) {
	cases := []struct {
		name    string
		lastErr string
		errors  []string
		want    types.SuggestionCategory
	}{
		{"permission denied", "permission denied opening /etc/shadow", nil, types.CategoryPermission},
		{"unauthorized", "401 unauthorized", nil, types.CategoryPermission},
		{"connection refused", "connect: connection refused", nil, types.CategoryExternal},
		{"rate limited", "upstream rate limit exceeded", nil, types.CategoryExternal},
		{"timed out", "timed out after 30s", nil, types.CategoryTimeout},
		{"deadline", "context deadline exceeded", nil, types.CategoryTimeout},
		{"oom kill", "container killed: OOM", nil, types.CategoryResource},
		{"disk full", "no space left on device", nil, types.CategoryResource},
		{"unknown", "segfault in module x", nil, types.CategoryUnknown},
		{"error trail scanned", "", []string{"dial tcp: network is unreachable"}, types.CategoryExternal},
		{"first rule wins", "permission denied by api", nil, types.CategoryPermission},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := &types.Task{LastError: tc.lastErr}
			for _, msg := range tc.errors {
				tk.Context.Errors = append(tk.Context.Errors, types.ErrorRecord{Message: msg})
			}

			got, suggestion := categorize(tk)
			assert.Equal(t, tc.want, got)
			assert.NotEmpty(t, suggestion)
		})
	}
}

func TestEscalationAfterAttemptsExhausted(t *testing.T) {
	l := newFakeLauncher()
	l.setOnTask(func(f *fakeProc, msg proc.Message) {
		f.reply(proc.Message{Type: proc.MsgResult, TaskID: msg.TaskID, OK: false,
			Error: "connection refused by backend"})
	})

	p, rec := startPool(t, testConfig(1), l)

	id, err := p.Submit(types.TaskSpec{Type: "sync", MaxAttempts: 2})
	require.NoError(t, err)

	waitFor(t, func() bool { return rec.count(types.EventTaskEscalated) == 1 }, "final attempt should escalate")

	ev, ok := rec.first(types.EventTaskEscalated)
	require.True(t, ok)
	assert.Equal(t, id, ev.Payload["task_id"])
	assert.Equal(t, 2, ev.Payload["attempts"])
	assert.Equal(t, "external-dependency", ev.Payload["category"])
	assert.Equal(t, "connection refused by backend", ev.Payload["last_error"])
	assert.NotEmpty(t, ev.Payload["escalation_id"])

	assert.Equal(t, 2, rec.count(types.EventTaskFailed), "every attempt is charged")

	m := p.Metrics()
	assert.Equal(t, 1, m.TasksEscalated)
	assert.Equal(t, 2, m.TasksFailed)
	assert.Zero(t, m.QueueDepth, "escalated tasks leave the system")
}

func TestAlwaysFailingWorkerDrainsEveryAttempt(t *testing.T) {
	l := newFakeLauncher()
	l.setOnTask(func(f *fakeProc, msg proc.Message) {
		f.reply(proc.Message{Type: proc.MsgResult, TaskID: msg.TaskID, OK: false,
			Error: "synthetic failure"})
	})

	p, rec := startPool(t, testConfig(1), l)

	for i := 0; i < 3; i++ {
		_, err := p.Submit(types.TaskSpec{Type: "doomed"})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return rec.count(types.EventTaskEscalated) == 3 }, "all three should escalate")

	assert.Len(t, l.proc(0).sentOfType(proc.MsgTask), 9, "three attempts per task")
	assert.Equal(t, 9, rec.count(types.EventTaskFailed))
	for _, payload := range rec.payloads(types.EventTaskEscalated) {
		assert.Equal(t, 3, payload["attempts"])
	}

	waitFor(t, func() bool { return p.Metrics().ActiveTasks == 0 }, "pool should drain")
	m := p.Metrics()
	assert.Equal(t, 3, m.TasksEscalated)
	assert.Equal(t, 9, m.TasksFailed)
	assert.Zero(t, m.QueueDepth)
	assert.Zero(t, m.TasksCompleted)
}
