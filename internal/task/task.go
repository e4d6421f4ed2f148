package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotRunning     = errors.New("task: not running")
	ErrAlreadyStarted = errors.New("task: already started")
)

// defaultGraceWindow separates the rungs of the stop escalation ladder.
const defaultGraceWindow = 10 * time.Second

// Task status values.
const (
	StatusReady   = "ready"
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Status is the derived lifecycle state of a task. ReturnCode is set only
// once the process has exited.
type Status struct {
	Status     string `json:"status"`
	ReturnCode *int   `json:"return_code"`
}

// Task owns a single supervised child-process invocation: a shell command,
// the loggers attached to its output streams, an optional timeout and an
// optional graceful-stop command written to stdin instead of a signal.
type Task struct {
	Slug        string
	Command     string
	Loggers     Loggers
	Timeout     int // seconds; 0 means unbounded
	StopCommand string

	// grace separates escalation rungs; overridable in tests.
	grace time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{} // closed after Wait returns; exitCode valid after
	code   int
}

// New returns a task for command with defaults applied: a random slug and a
// single, initially idle memory logger when none are configured.
func New(command string) *Task {
	t := &Task{Command: command}
	t.applyDefaults()
	return t
}

func (t *Task) applyDefaults() {
	if t.Slug == "" {
		t.Slug = newSlug()
	}
	if len(t.Loggers) == 0 {
		t.Loggers = Loggers{NewMemoryLogger()}
	}
	if t.grace <= 0 {
		t.grace = defaultGraceWindow
	}
}

// newSlug returns a short random task handle.
func newSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Status derives the lifecycle state from the live process handle. There is
// no stored state field, so it cannot drift from the process itself.
func (t *Task) Status() Status {
	t.mu.Lock()
	cmd, exited := t.cmd, t.exited
	t.mu.Unlock()

	if cmd == nil {
		return Status{Status: StatusReady}
	}
	select {
	case <-exited:
		code := t.code
		return Status{Status: StatusStopped, ReturnCode: &code}
	default:
		return Status{Status: StatusRunning}
	}
}

// Run spawns the task's command, attaches every configured logger to both
// the stdout and stderr streams, and starts the exit monitor. It returns the
// process stdin for interactive use.
func (t *Task) Run() (io.WriteCloser, error) {
	t.applyDefaults()

	t.mu.Lock()
	if t.cmd != nil {
		t.mu.Unlock()
		return nil, ErrAlreadyStarted
	}

	cmd := exec.Command("sh", "-c", t.Command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	log.Debug().Str("slug", t.Slug).Str("command", t.Command).Msg("task started")

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.mu.Unlock()

	t.attach(stdout)
	t.attach(stderr)

	go func() {
		_ = cmd.Wait()
		t.code = -1
		if cmd.ProcessState != nil {
			t.code = cmd.ProcessState.ExitCode()
		}
		close(t.exited)
	}()
	go t.monitor()

	return stdin, nil
}

// attach fans one output stream out to a dedicated capture worker per
// logger, so every logger sees the full stream.
func (t *Task) attach(stream io.Reader) {
	pipes := make([]*io.PipeWriter, 0, len(t.Loggers))
	writers := make([]io.Writer, 0, len(t.Loggers))
	for _, logger := range t.Loggers {
		pr, pw := io.Pipe()
		logger.StartLog(pr)
		pipes = append(pipes, pw)
		writers = append(writers, pw)
	}
	go func() {
		_, _ = io.Copy(io.MultiWriter(writers...), stream)
		for _, pw := range pipes {
			_ = pw.Close()
		}
	}()
}

// monitor blocks until the process exits, bounded by the task timeout. On
// expiry it runs the full stop ladder and only then releases the loggers, so
// monitoring never returns with a stop sequence still in flight.
func (t *Task) monitor() {
	if t.Timeout > 0 {
		select {
		case <-t.exited:
		case <-time.After(time.Duration(t.Timeout) * time.Second):
			log.Warn().Str("slug", t.Slug).Int("timeout", t.Timeout).Msg("task timeout, stopping")
			if err := t.Stop(context.Background()); err != nil {
				log.Error().Err(err).Str("slug", t.Slug).Msg("task stop after timeout failed")
			}
		}
	} else {
		<-t.exited
	}
	t.stopLoggers()
	log.Debug().Str("slug", t.Slug).Int("return_code", t.code).Msg("task exited")
}

// RunCommand writes a line to the process stdin, appending a CRLF pair when
// requested. It fails when no process is running or stdin is unavailable.
func (t *Task) RunCommand(command string, appendNewline bool) error {
	t.mu.Lock()
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.mu.Unlock()

	if cmd == nil {
		return ErrNotRunning
	}
	select {
	case <-exited:
		return ErrNotRunning
	default:
	}
	if stdin == nil {
		return fmt.Errorf("%w: stdin unavailable", ErrNotRunning)
	}
	if appendNewline {
		command += "\r\n"
	}
	_, err := io.WriteString(stdin, command)
	return err
}

// Stop runs the escalation ladder: a graceful stop (stop command or SIGINT),
// then SIGTERM, then SIGKILL, with a grace window between rungs. Loggers are
// told to stop at every rung; output captured past that point is lost by
// design. Every rung is a no-op on an exited process.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd == nil {
		return ErrNotRunning
	}

	if t.StopCommand != "" {
		if err := t.RunCommand(t.StopCommand, true); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Error().Err(err).Str("slug", t.Slug).Msg("stop command write failed")
		}
	} else {
		t.signal(os.Interrupt)
	}
	t.stopLoggers()

	if done, err := t.waitExit(ctx, t.grace); done || err != nil {
		return err
	}
	t.signal(syscall.SIGTERM)
	t.stopLoggers()

	if done, err := t.waitExit(ctx, t.grace); done || err != nil {
		return err
	}
	t.signal(os.Kill)
	t.stopLoggers()
	return nil
}

// waitExit waits up to d for process exit. It reports true when the process
// is gone before the window closes.
func (t *Task) waitExit(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.exited:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (t *Task) signal(sig os.Signal) {
	t.mu.Lock()
	cmd, exited := t.cmd, t.exited
	t.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-exited:
		return
	default:
	}
	if err := cmd.Process.Signal(sig); err != nil {
		log.Debug().Err(err).Str("slug", t.Slug).Str("signal", sig.String()).Msg("signal delivery failed")
	}
}

func (t *Task) stopLoggers() {
	for _, l := range t.Loggers {
		l.StopLog()
	}
}

// taskWire is the persisted shape of a task; the live process handle and
// derived status never round-trip through it.
type taskWire struct {
	Slug        string  `json:"slug"`
	Command     string  `json:"command"`
	Loggers     Loggers `json:"loggers"`
	Timeout     int     `json:"timeout,omitempty"`
	StopCommand string  `json:"stop_command,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

func (t *Task) MarshalJSON() ([]byte, error) {
	status := t.Status()
	return json.Marshal(taskWire{
		Slug:        t.Slug,
		Command:     t.Command,
		Loggers:     t.Loggers,
		Timeout:     t.Timeout,
		StopCommand: t.StopCommand,
		Status:      &status,
	})
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Slug = w.Slug
	t.Command = w.Command
	t.Loggers = w.Loggers
	t.Timeout = w.Timeout
	t.StopCommand = w.StopCommand
	t.applyDefaults()
	return nil
}
