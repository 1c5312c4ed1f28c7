// Package proc runs worker processes and speaks the line-delimited JSON
// protocol over their stdin/stdout. It knows nothing about tasks beyond
// the message framing; the pool interprets what arrives.
package proc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ErrNotAlive is returned when sending to a process that has exited
var ErrNotAlive = errors.New("process is not alive")

// Supervisor to worker message types
const (
	MsgTask   = "task"
	MsgPing   = "ping"
	MsgNudge  = "nudge"
	MsgResync = "resync"
	MsgState  = "state"
)

// Worker to supervisor message types
const (
	MsgReady      = "ready"
	MsgEnv        = "env"
	MsgProgress   = "progress"
	MsgCheckpoint = "checkpoint"
	MsgResult     = "result"
	MsgPong       = "pong"
	MsgLog        = "log"

	// MsgMalformed is synthesized locally for lines that do not parse.
	// It never appears on the wire.
	MsgMalformed = "malformed"
)

// Message is one frame of the worker protocol. Fields are a union over
// all message types; unused ones stay empty on the wire.
type Message struct {
	Type    string                 `json:"type"`
	TaskID  string                 `json:"task_id,omitempty"`
	Attempt int                    `json:"attempt,omitempty"`
	PingID  string                 `json:"ping_id,omitempty"`
	Step    string                 `json:"step,omitempty"`
	Name    string                 `json:"name,omitempty"`
	OK      bool                   `json:"ok,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Level   string                 `json:"level,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`

	// Environment and context fields (task, env, resync)
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	OpenResources  []string          `json:"open_resources,omitempty"`
	CompletedSteps []string          `json:"completed_steps,omitempty"`
	PendingSteps   []string          `json:"pending_steps,omitempty"`
}

// Handle is the capability set the pool holds on a worker process:
// write a message, signal it, terminate it, observe liveness, and
// consume its output stream.
type Handle interface {
	Send(msg Message) error
	Signal(sig os.Signal) error
	Terminate() error
	Alive() bool
	PID() int
	Messages() <-chan Message
	Done() <-chan struct{}
}

// Launcher starts one worker process and returns its handle. The pool
// keeps the launcher so level-4 repair can relaunch in place, and tests
// substitute fakes.
type Launcher func() (Handle, error)

// Command returns a Launcher that runs the given command with stdin and
// stdout wired for the protocol and stderr sent to w (typically the
// worker's component log).
func Command(command string, args []string, env []string, stderr io.Writer) Launcher {
	return func() (Handle, error) {
		return start(command, args, env, stderr)
	}
}

type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	msgs chan Message
	done chan struct{}

	exitMu sync.Mutex
	exited bool
}

func start(command string, args []string, env []string, stderr io.Writer) (*process, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &process{
		cmd:   cmd,
		stdin: stdin,
		msgs:  make(chan Message, 64),
		done:  make(chan struct{}),
	}

	go p.read(stdout)

	return p, nil
}

// read drains stdout until EOF, then reaps the process. Wait must not
// run before the pipe is fully read, so both happen on this goroutine.
func (p *process) read(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			msg = Message{Type: MsgMalformed, Text: string(line)}
		}

		select {
		case p.msgs <- msg:
		default:
			// Consumer has fallen behind; drop rather than wedge the reader.
		}
	}

	close(p.msgs)
	p.cmd.Wait()

	p.exitMu.Lock()
	p.exited = true
	p.exitMu.Unlock()

	close(p.done)
}

// Send writes one message followed by a newline
func (p *process) Send(msg Message) error {
	if !p.Alive() {
		return ErrNotAlive
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	p.writeMu.Lock()
	_, err = fmt.Fprintf(p.stdin, "%s\n", data)
	p.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Signal delivers an OS signal to the process
func (p *process) Signal(sig os.Signal) error {
	if !p.Alive() {
		return ErrNotAlive
	}
	return p.cmd.Process.Signal(sig)
}

// Terminate kills the process. The reader goroutine observes EOF and
// closes Done; callers wanting synchronous teardown wait on that.
func (p *process) Terminate() error {
	p.stdin.Close()
	if p.Alive() {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

// Alive reports whether the process has been reaped
func (p *process) Alive() bool {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return !p.exited && p.cmd.Process != nil
}

// PID returns the operating system process id
func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Messages returns the inbound message stream. The channel closes when
// the process's stdout reaches EOF.
func (p *process) Messages() <-chan Message {
	return p.msgs
}

// Done closes after the process has exited and been reaped
func (p *process) Done() <-chan struct{} {
	return p.done
}

// Interrupt is the signal used by repair level 3
var Interrupt os.Signal = syscall.SIGINT
