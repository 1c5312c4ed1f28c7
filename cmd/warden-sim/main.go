// Command warden-sim is a scriptable worker used to exercise the
// supervisor end to end. It speaks the line-JSON worker protocol on
// stdin/stdout and takes direction from WARDEN_SIM_* environment
// variables: how many steps a task takes, how fast it works, and which
// tasks fail or wedge.
//
//	WARDEN_SIM_STEPS      steps per task when the request declares none (default 3)
//	WARDEN_SIM_STEP_MS    milliseconds per step (default 50)
//	WARDEN_SIM_FAIL_EVERY fail every Nth task (0 = never)
//	WARDEN_SIM_HANG_EVERY wedge on every Nth task until interrupted (0 = never)
//	WARDEN_SIM_ERROR      error text reported on injected failures
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kelden/warden/internal/proc"
)

type taskRun struct {
	id        string
	steps     []string
	completed []string
	cancel    chan struct{}
}

type sim struct {
	outMu sync.Mutex
	out   *json.Encoder

	mu      sync.Mutex
	workDir string
	env     map[string]string
	open    []string
	current *taskRun
	taskSeq int
	hung    bool

	defSteps  int
	stepPace  time.Duration
	failEvery int
	hangEvery int
	failText  string
}

func main() {
	wd, _ := os.Getwd()
	s := &sim{
		out:       json.NewEncoder(os.Stdout),
		workDir:   wd,
		env:       map[string]string{"SIM_PID": strconv.Itoa(os.Getpid())},
		defSteps:  envInt("WARDEN_SIM_STEPS", 3),
		stepPace:  time.Duration(envInt("WARDEN_SIM_STEP_MS", 50)) * time.Millisecond,
		failEvery: envInt("WARDEN_SIM_FAIL_EVERY", 0),
		hangEvery: envInt("WARDEN_SIM_HANG_EVERY", 0),
		failText:  envStr("WARDEN_SIM_ERROR", "simulated failure"),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go s.handleInterrupts(sigCh)

	s.send(proc.Message{Type: proc.MsgReady})
	s.send(s.envMessage())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg proc.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.send(proc.Message{Type: proc.MsgLog, Level: "warn", Text: "unparseable input line"})
			continue
		}

		// A wedged worker reads its pipe but answers nothing until an
		// interrupt clears it.
		if s.isHung() {
			continue
		}

		switch msg.Type {
		case proc.MsgPing:
			s.send(proc.Message{Type: proc.MsgPong, PingID: msg.PingID})
		case proc.MsgNudge:
			s.send(proc.Message{Type: proc.MsgLog, Level: "info", Text: s.statusLine()})
		case proc.MsgState:
			s.send(s.envMessage())
		case proc.MsgResync:
			s.applyResync(msg)
			s.send(s.envMessage())
		case proc.MsgTask:
			s.acceptTask(msg)
		default:
			s.send(proc.Message{Type: proc.MsgLog, Level: "warn", Text: "unknown message type: " + msg.Type})
		}
	}
	// Supervisor closed stdin; nothing left to do.
}

func (s *sim) send(m proc.Message) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := s.out.Encode(m); err != nil {
		fmt.Fprintf(os.Stderr, "warden-sim: write failed: %v\n", err)
		os.Exit(1)
	}
}

func (s *sim) isHung() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hung
}

func (s *sim) statusLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "idle"
	}
	return fmt.Sprintf("working on %s (%d/%d steps)",
		s.current.id, len(s.current.completed), len(s.current.steps))
}

func (s *sim) envMessage() proc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := proc.Message{
		Type:          proc.MsgEnv,
		WorkDir:       s.workDir,
		Env:           copyMap(s.env),
		OpenResources: append([]string(nil), s.open...),
	}
	if s.current != nil {
		m.TaskID = s.current.id
		m.CompletedSteps = append([]string(nil), s.current.completed...)
	}
	return m
}

// applyResync restores context pushed by the supervisor, typically after
// a repair or when this process replaced a dead worker.
func (s *sim) applyResync(msg proc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.WorkDir != "" {
		s.workDir = msg.WorkDir
	}
	if len(msg.Env) > 0 {
		s.env = copyMap(msg.Env)
	}
	if len(msg.OpenResources) > 0 {
		s.open = append([]string(nil), msg.OpenResources...)
	}
}

func (s *sim) acceptTask(msg proc.Message) {
	s.mu.Lock()
	if s.current != nil {
		busy := s.current.id
		s.mu.Unlock()
		s.send(proc.Message{Type: proc.MsgLog, Level: "warn",
			Text: fmt.Sprintf("task %s received while busy with %s", msg.TaskID, busy)})
		return
	}

	s.taskSeq++
	seq := s.taskSeq

	steps := append([]string(nil), msg.PendingSteps...)
	if len(steps) == 0 {
		for i := 1; i <= s.defSteps; i++ {
			steps = append(steps, fmt.Sprintf("step-%d", i))
		}
	}

	run := &taskRun{
		id:        msg.TaskID,
		steps:     steps,
		completed: append([]string(nil), msg.CompletedSteps...),
		cancel:    make(chan struct{}),
	}
	s.current = run
	s.open = []string{filepath.Join("tmp", msg.TaskID+".scratch")}

	fail := s.failEvery > 0 && seq%s.failEvery == 0
	hang := s.hangEvery > 0 && seq%s.hangEvery == 0
	if hang {
		s.hung = true
	}
	s.mu.Unlock()

	if hang {
		go func() {
			<-run.cancel
			s.finish(run, false, "interrupted by supervisor")
		}()
		return
	}

	go s.runTask(run, fail)
}

func (s *sim) runTask(run *taskRun, fail bool) {
	total := len(run.steps)
	for i, step := range run.steps {
		select {
		case <-run.cancel:
			s.finish(run, false, "interrupted by supervisor")
			return
		case <-time.After(s.stepPace):
		}

		if fail && i >= total/2 {
			s.finish(run, false, s.failText)
			return
		}

		s.mu.Lock()
		run.completed = append(run.completed, step)
		s.mu.Unlock()

		s.send(proc.Message{Type: proc.MsgProgress, TaskID: run.id, Step: step})

		if total > 1 && i == total/2-1 {
			s.send(proc.Message{Type: proc.MsgCheckpoint, TaskID: run.id, Name: "midpoint",
				Data: map[string]interface{}{"steps_done": i + 1}})
		}
	}
	s.finish(run, true, "")
}

func (s *sim) finish(run *taskRun, ok bool, errText string) {
	s.mu.Lock()
	if s.current == run {
		s.current = nil
		s.open = nil
	}
	done := len(run.completed)
	s.mu.Unlock()

	msg := proc.Message{Type: proc.MsgResult, TaskID: run.id, OK: ok,
		Data: map[string]interface{}{"steps_done": done}}
	if !ok {
		msg.Error = errText
	}
	s.send(msg)
}

// handleInterrupts implements the supervisor's level-3 repair signal:
// abandon the current task, clear any wedge, and start answering again.
func (s *sim) handleInterrupts(sigCh <-chan os.Signal) {
	for range sigCh {
		s.mu.Lock()
		s.hung = false
		run := s.current
		s.mu.Unlock()

		if run != nil {
			select {
			case <-run.cancel:
			default:
				close(run.cancel)
			}
		}
		s.send(proc.Message{Type: proc.MsgLog, Level: "warn", Text: "interrupt received"})
	}
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
