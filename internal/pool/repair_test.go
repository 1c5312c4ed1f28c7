package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/pkg/types"
)

// waitForSlow is waitFor with headroom for tests that sit through
// multiple repair step timeouts.
func waitForSlow(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 15*time.Second, 10*time.Millisecond, msg)
}

func startPoolAt(t *testing.T, cfg *types.Config, l *fakeLauncher, workspacesDir string) (*Pool, *eventRecorder) {
	t.Helper()
	p := New(cfg, l.launcher(), nil, nil, "", workspacesDir)
	rec := &eventRecorder{}
	p.Subscribe(rec.record)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Shutdown(0) })
	return p, rec
}

func backdate(p *Pool, idx int) {
	p.mu.Lock()
	p.workers[idx].lastResponse = time.Now().Add(-10 * time.Minute)
	p.mu.Unlock()
}

func repairLevels(rec *eventRecorder) []int {
	var levels []int
	for _, pl := range rec.payloads(types.EventWorkerRepairing) {
		levels = append(levels, pl["level"].(int))
	}
	return levels
}

func TestLivenessSweepRepairsAtNudge(t *testing.T) {
	l := newFakeLauncher()
	p, rec := startPool(t, testConfig(1), l)

	// Answers nudges but nothing else.
	f := l.proc(0)
	f.setScript(func(msg proc.Message) {
		if msg.Type == proc.MsgNudge {
			f.reply(proc.Message{Type: proc.MsgLog, Level: "debug", Text: "here"})
		}
	})

	backdate(p, 0)
	p.livenessSweep()

	waitFor(t, func() bool {
		infos := p.Workers()
		return rec.count(types.EventWorkerRepairing) == 1 &&
			len(infos) == 1 && infos[0].State == types.WorkerHealthy
	}, "worker should recover at level 1")

	pl := rec.payloads(types.EventWorkerRepairing)[0]
	assert.Equal(t, 1, pl["level"])
	assert.Equal(t, "w1", pl["worker_id"])
	assert.Contains(t, pl["reason"], "no response")

	m := p.Metrics()
	assert.Equal(t, [5]int{1, 0, 0, 0, 0}, m.RepairsByLevel)
	assert.Zero(t, m.DeadWorkers)
	assert.Zero(t, m.Replacements)
	assert.Equal(t, 1, p.Workers()[0].Incidents)
}

func TestRepairLadderClimbsToInterrupt(t *testing.T) {
	l := newFakeLauncher()
	p, rec := startPool(t, testConfig(1), l)

	// Deaf until interrupted, then answers nudges again.
	f := l.proc(0)
	responsive := make(chan struct{})
	f.setScript(func(msg proc.Message) {
		select {
		case <-responsive:
		default:
			return
		}
		if msg.Type == proc.MsgNudge {
			f.reply(proc.Message{Type: proc.MsgLog, Level: "info", Text: "back"})
		}
	})
	f.setOnSignal(func(os.Signal) { close(responsive) })

	backdate(p, 0)
	p.livenessSweep()

	waitForSlow(t, func() bool {
		infos := p.Workers()
		return rec.count(types.EventWorkerRepairing) == 3 &&
			len(infos) == 1 && infos[0].State == types.WorkerHealthy
	}, "worker should recover at level 3")

	assert.Equal(t, []int{1, 2, 3}, repairLevels(rec), "levels attempted in strictly increasing order")
	assert.Len(t, f.sentOfType(proc.MsgNudge), 2, "level 1 nudge plus the post-interrupt nudge")
	assert.Len(t, f.sentOfType(proc.MsgResync), 1)

	m := p.Metrics()
	assert.Equal(t, [5]int{1, 1, 1, 0, 0}, m.RepairsByLevel)
	assert.Zero(t, m.DeadWorkers)
	assert.Equal(t, 1, l.procCount(), "no restart, no replacement")
}

func TestRepairRestartInPlacePreservesIdentity(t *testing.T) {
	l := newFakeLauncher()
	p, rec := startPool(t, testConfig(1), l)

	// Completely unreachable: levels 1-3 fail, level 4 relaunches the
	// process and the fresh one responds.
	oldProc := l.proc(0)
	oldProc.setScript(nil)
	oldPID := p.Workers()[0].PID

	backdate(p, 0)
	p.livenessSweep()

	waitForSlow(t, func() bool {
		infos := p.Workers()
		return rec.count(types.EventWorkerRepairing) == 4 &&
			len(infos) == 1 && infos[0].State == types.WorkerHealthy
	}, "worker should recover at level 4")

	assert.Equal(t, []int{1, 2, 3, 4}, repairLevels(rec))

	info := p.Workers()[0]
	assert.Equal(t, "w1", info.ID, "identity survives the restart")
	assert.NotEqual(t, oldPID, info.PID, "process does not")
	assert.Equal(t, 2, l.procCount())
	assert.False(t, oldProc.Alive(), "old process is terminated")

	assert.Zero(t, rec.count(types.EventWorkerDead))
	assert.Zero(t, rec.count(types.EventWorkerReplaced))
	assert.Equal(t, [5]int{1, 1, 1, 1, 0}, p.Metrics().RepairsByLevel)
}

func TestRepairFailFastKillsAndReplaces(t *testing.T) {
	l := newFakeLauncher()
	cfg := testConfig(1)
	cfg.Health.MaxRepairAttempts = 2

	p, rec := startPool(t, cfg, l)

	l.proc(0).setScript(nil)

	backdate(p, 0)
	p.livenessSweep()

	waitForSlow(t, func() bool {
		m := p.Metrics()
		return rec.count(types.EventWorkerReplaced) == 1 && m.HealthyWorkers == 1
	}, "worker should be killed and replaced")

	assert.Equal(t, []int{1, 2, 5}, repairLevels(rec),
		"attempt budget exhausted, ladder breaks straight to kill")

	dead, ok := rec.first(types.EventWorkerDead)
	require.True(t, ok)
	assert.Equal(t, "w1", dead.Payload["worker_id"])
	assert.Equal(t, "repair ladder exhausted", dead.Payload["reason"])

	infos := p.Workers()
	require.Len(t, infos, 1)
	assert.Equal(t, "w2", infos[0].ID)

	m := p.Metrics()
	assert.Equal(t, 1, m.DeadWorkers)
	assert.Equal(t, 1, m.Replacements)
	assert.Equal(t, [5]int{1, 1, 0, 0, 1}, m.RepairsByLevel)
}

func TestWorkerDeathReassignsToFront(t *testing.T) {
	l := newFakeLauncher()

	type delivery struct {
		name    string
		attempt int
	}
	var (
		omu   sync.Mutex
		order []delivery
	)
	l.setOnTask(func(f *fakeProc, msg proc.Message) {
		omu.Lock()
		order = append(order, delivery{msg.Name, msg.Attempt})
		omu.Unlock()
		if msg.Name == "A" && msg.Attempt == 1 {
			f.reply(proc.Message{Type: proc.MsgProgress, TaskID: msg.TaskID, Step: msg.PendingSteps[0]})
			return // holds until the process is killed
		}
		f.reply(proc.Message{Type: proc.MsgResult, TaskID: msg.TaskID, OK: true})
	})

	ws := t.TempDir()
	p, rec := startPoolAt(t, testConfig(1), l, ws)

	idA, err := p.Submit(types.TaskSpec{Type: "A", Steps: []string{"copy", "verify"}})
	require.NoError(t, err)

	// Wait until the first step is recorded so the kill lands mid-task.
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		tk := p.active[idA]
		return tk != nil && len(tk.Context.CompletedSteps) == 1
	}, "A should be running with one step done")

	_, err = p.Submit(types.TaskSpec{Type: "C"})
	require.NoError(t, err)

	// Kill the process mid-task.
	l.proc(0).Terminate()

	waitFor(t, func() bool { return rec.count(types.EventTaskCompleted) == 2 }, "A retry and C should complete")

	omu.Lock()
	assert.Equal(t, []delivery{{"A", 1}, {"A", 2}, {"C", 1}}, order,
		"interrupted work jumps ahead of queued submissions")
	omu.Unlock()

	re, ok := rec.first(types.EventTaskReassigned)
	require.True(t, ok)
	assert.Equal(t, idA, re.Payload["task_id"])
	assert.Equal(t, "w1", re.Payload["worker_id"])
	assert.Equal(t, 1, re.Payload["attempt"])
	assert.Equal(t, "process exited unexpectedly", re.Payload["reason"])

	retry := l.proc(1).sentOfType(proc.MsgTask)[0]
	assert.Equal(t, "A", retry.Name)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, []string{"copy"}, retry.CompletedSteps)
	assert.Equal(t, []string{"verify"}, retry.PendingSteps)
	assert.Equal(t, bootWorkDir, retry.WorkDir)

	m := p.Metrics()
	assert.Equal(t, 1, m.DeadWorkers)
	assert.Equal(t, 1, m.Replacements)
	assert.Equal(t, 2, m.TasksCompleted)

	// The captured context is persisted to the task workspace.
	data, err := os.ReadFile(filepath.Join(ws, idA, "context.yaml"))
	require.NoError(t, err)
	var ctx types.TaskContext
	require.NoError(t, yaml.Unmarshal(data, &ctx))
	require.Len(t, ctx.PreviousAttempts, 2)
	assert.Equal(t, types.OutcomeTerminated, ctx.PreviousAttempts[0].Outcome)
	assert.Equal(t, "copy", ctx.PreviousAttempts[0].LastStep)
	assert.Equal(t, types.OutcomeSuccess, ctx.PreviousAttempts[1].Outcome)
	require.NotEmpty(t, ctx.Errors)
	assert.Equal(t, "process exited unexpectedly", ctx.Errors[0].Message)
	assert.True(t, ctx.Errors[0].Recovered)
}

func TestTimeoutChargesAttemptWithoutKillingWorker(t *testing.T) {
	l := newFakeLauncher()
	l.setOnTask(func(f *fakeProc, msg proc.Message) {
		if msg.Attempt == 1 {
			return // sit on it until the deadline fires
		}
		f.reply(proc.Message{Type: proc.MsgResult, TaskID: msg.TaskID, OK: true})
	})

	p, rec := startPool(t, testConfig(1), l)

	_, err := p.Submit(types.TaskSpec{Type: "slow", TimeoutSecs: 1, MaxAttempts: 2})
	require.NoError(t, err)

	waitForSlow(t, func() bool { return rec.count(types.EventTaskCompleted) == 1 }, "second attempt should complete")

	failed, ok := rec.first(types.EventTaskFailed)
	require.True(t, ok)
	assert.Equal(t, "timeout", failed.Payload["outcome"])
	assert.Contains(t, failed.Payload["error"], "timed out after 1s")

	assert.Zero(t, rec.count(types.EventWorkerDead), "timeouts never kill the worker")
	assert.Zero(t, rec.count(types.EventWorkerRepairing), "one timeout is below the fault threshold")
	assert.Equal(t, 1, l.procCount(), "retry runs on the same process")

	info := p.Workers()[0]
	assert.Equal(t, 1, info.LifetimeErrors)
	assert.Zero(t, info.ConsecutiveFailures, "success clears the consecutive fault count")
}

func TestConsecutiveTimeoutsTriggerRepair(t *testing.T) {
	l := newFakeLauncher()
	l.setOnTask(func(f *fakeProc, msg proc.Message) {
		// Never answers a task; probes still get the default replies.
	})

	p, rec := startPool(t, testConfig(1), l)

	for i := 0; i < faultThreshold; i++ {
		_, err := p.Submit(types.TaskSpec{Type: fmt.Sprintf("wedge-%d", i), TimeoutSecs: 1, MaxAttempts: 1})
		require.NoError(t, err)
	}

	waitForSlow(t, func() bool {
		infos := p.Workers()
		return rec.count(types.EventTaskEscalated) == faultThreshold &&
			rec.count(types.EventWorkerRepairing) > 0 &&
			len(infos) == 1 && infos[0].State == types.WorkerHealthy
	}, "third consecutive timeout should start repair")

	assert.Equal(t, []int{1}, repairLevels(rec), "responsive worker recovers at the first level")
	assert.Zero(t, rec.count(types.EventWorkerDead))
}

func TestLateResultAfterTimeoutIsDropped(t *testing.T) {
	l := newFakeLauncher()
	l.setOnTask(func(f *fakeProc, msg proc.Message) {
		go func() {
			time.Sleep(1600 * time.Millisecond)
			f.reply(proc.Message{Type: proc.MsgResult, TaskID: msg.TaskID, OK: true})
		}()
	})

	p, rec := startPool(t, testConfig(1), l)

	_, err := p.Submit(types.TaskSpec{Type: "tardy", TimeoutSecs: 1, MaxAttempts: 1})
	require.NoError(t, err)

	waitForSlow(t, func() bool { return rec.count(types.EventTaskEscalated) == 1 }, "timeout should escalate")

	// Let the stale result land; it must not resurrect the task.
	time.Sleep(900 * time.Millisecond)
	assert.Zero(t, rec.count(types.EventTaskCompleted))
	assert.Zero(t, p.Metrics().TasksCompleted)

	// The worker is still usable afterwards.
	l.setOnTask(nil)
	_, err = p.Submit(types.TaskSpec{Type: "after"})
	require.NoError(t, err)
	waitFor(t, func() bool { return rec.count(types.EventTaskCompleted) == 1 }, "worker should keep serving")
}
