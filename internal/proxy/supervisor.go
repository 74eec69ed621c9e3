package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// State is the child process lifecycle state. Only the Supervisor mutates it.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

// Spec describes how to launch the child server.
type Spec struct {
	Command     string
	Args        []string
	Workdir     string
	Environment map[string]string
}

// RestartPolicy controls what happens when the child dies.
type RestartPolicy struct {
	Auto  bool          // restart automatically on unexpected exit
	Limit int           // total restart budget, 0 means unlimited
	Delay time.Duration // pause between crash and respawn
}

// ChildStats is a point-in-time resource snapshot of the running child.
type ChildStats struct {
	PID        int
	RSS        uint64
	CPUPercent float64
	Uptime     time.Duration
}

// child bundles everything tied to one spawned process. A restart replaces
// the whole struct; nothing is reused across child generations.
type child struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started time.Time
	done    chan struct{} // closed after Wait returns
	waitErr error
}

// Supervisor owns the child OS process: spawning, crash detection, restart
// policy, and termination. It is the single writer of the lifecycle state;
// everything above it observes via State() and the callbacks.
type Supervisor struct {
	mu       sync.RWMutex
	spec     Spec
	nextSpec *Spec // staged by config reload, applied on next start
	policy   RestartPolicy
	graceful time.Duration

	state    State
	child    *child
	attempts int
	lastExit string

	stderr *StderrBroadcaster

	onAutoRestarted func()              // fired after a successful crash-driven restart
	onGaveUp        func(reason string) // fired when the child is down for good
	onEvent         func(eventType, details string)
}

// NewSupervisor creates a supervisor in the Stopped state.
func NewSupervisor(spec Spec, policy RestartPolicy, gracefulTimeout time.Duration, historySize int) *Supervisor {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 5 * time.Second
	}
	return &Supervisor{
		spec:     spec,
		policy:   policy,
		graceful: gracefulTimeout,
		state:    StateStopped,
		stderr:   NewStderrBroadcaster(historySize),
	}
}

// OnAutoRestarted registers the hook fired after the supervisor brings a
// crashed child back by itself. The caller re-attaches its connection there.
func (s *Supervisor) OnAutoRestarted(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAutoRestarted = fn
}

// OnGaveUp registers the hook fired when the child is gone and the supervisor
// will not bring it back: restart budget spent or auto-restart disabled.
func (s *Supervisor) OnGaveUp(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGaveUp = fn
}

// OnEvent registers a lifecycle event sink. The supervisor never blocks on
// it; sinks that can fail must swallow their own errors.
func (s *Supervisor) OnEvent(fn func(eventType, details string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

func (s *Supervisor) event(eventType, details string) {
	s.mu.RLock()
	fn := s.onEvent
	s.mu.RUnlock()
	if fn != nil {
		fn(eventType, details)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pid returns the child's pid, or 0 when no child is running.
func (s *Supervisor) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.child == nil || s.child.cmd.Process == nil {
		return 0
	}
	return s.child.cmd.Process.Pid
}

// Attempts returns how much of the restart budget has been used.
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// LastExit describes why the previous child exited, empty if none has.
func (s *Supervisor) LastExit() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastExit
}

// Stderr exposes the child stderr broadcaster.
func (s *Supervisor) Stderr() *StderrBroadcaster {
	return s.stderr
}

// Stdio returns the current child's stdin writer and stdout reader. Both are
// replaced wholesale on every restart.
func (s *Supervisor) Stdio() (io.WriteCloser, io.ReadCloser) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.child == nil {
		return nil, nil
	}
	return s.child.stdin, s.child.stdout
}

// SetPolicy applies a new restart policy immediately. Used by config reload.
func (s *Supervisor) SetPolicy(p RestartPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// SetGracefulTimeout applies a new stop escalation timeout immediately.
func (s *Supervisor) SetGracefulTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.graceful = d
	}
}

// StageSpec replaces the child launch spec at the next start. Swapping the
// command under a running child is ambiguous, so it is never applied live.
func (s *Supervisor) StageSpec(spec Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSpec = &spec
}

// Start spawns the child. A spawn failure leaves the supervisor Stopped and
// returns ErrSpawn; callers decide whether that is fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	if s.nextSpec != nil {
		s.spec = *s.nextSpec
		s.nextSpec = nil
	}
	spec := s.spec
	s.state = StateStarting
	s.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Own process group so stop signals reach any grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	ch := &child{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.child = ch
	s.state = StateRunning
	s.mu.Unlock()

	s.stderr.ClearHistory()
	go s.stderr.drain(stderrPipe)
	go s.watch(ch)

	slog.Info("child started", "command", spec.Command, "pid", cmd.Process.Pid)
	s.event("spawned", fmt.Sprintf("pid %d: %s %s", cmd.Process.Pid, spec.Command, strings.Join(spec.Args, " ")))
	return nil
}

// Stop terminates the child: stdin EOF and SIGTERM to the process group
// first, SIGKILL after the graceful timeout. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	ch := s.child
	if ch == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	pid := ch.cmd.Process.Pid
	graceful := s.graceful
	s.mu.Unlock()

	// Well-behaved MCP servers exit on stdin EOF; the signal covers the rest.
	ch.stdin.Close()
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		ch.cmd.Process.Signal(unix.SIGTERM)
	}

	select {
	case <-ch.done:
	case <-time.After(graceful):
		slog.Warn("child did not stop gracefully, killing", "pid", pid, "after", graceful)
		unix.Kill(-pid, unix.SIGKILL)
		<-ch.done
	case <-ctx.Done():
		unix.Kill(-pid, unix.SIGKILL)
		<-ch.done
	}

	s.mu.Lock()
	if s.child == ch {
		s.child = nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	slog.Info("child stopped", "pid", pid)
	s.event("stopped", fmt.Sprintf("pid %d", pid))
	return nil
}

// Restart stops the current child and starts a fresh one, consuming one unit
// of the restart budget. When the budget is spent it stops the child, leaves
// the supervisor Stopped, and returns ErrRestartLimitExceeded.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.attempts++
	attempts, limit := s.attempts, s.policy.Limit
	if limit > 0 && attempts > limit {
		s.mu.Unlock()
		s.Stop(ctx)
		s.event("restart_limit", fmt.Sprintf("attempt %d exceeds limit %d", attempts, limit))
		return fmt.Errorf("%w: %d attempts, limit %d", ErrRestartLimitExceeded, attempts-1, limit)
	}
	s.state = StateRestarting
	s.mu.Unlock()

	slog.Info("restarting child", "attempt", attempts, "limit", limit)
	s.event("restarting", fmt.Sprintf("attempt %d of %d", attempts, limit))

	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stats samples the running child's resource usage via the process table.
func (s *Supervisor) Stats() (*ChildStats, error) {
	s.mu.RLock()
	ch := s.child
	state := s.state
	s.mu.RUnlock()
	if ch == nil || state != StateRunning {
		return nil, ErrChildUnavailable
	}

	pid := ch.cmd.Process.Pid
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	stats := &ChildStats{PID: pid, Uptime: time.Since(ch.started)}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats, nil
}

// watch reaps the child and drives crash detection. Exactly one watch
// goroutine exists per spawned child.
func (s *Supervisor) watch(ch *child) {
	err := ch.cmd.Wait()
	ch.waitErr = err
	close(ch.done)

	s.mu.Lock()
	if s.child != ch {
		// Already replaced; Stop or Restart owns the transition.
		s.mu.Unlock()
		return
	}
	reason := exitReason(err)
	s.lastExit = reason
	if s.state == StateStopping || s.state == StateRestarting {
		// Intentional shutdown in flight; Stop finishes the bookkeeping.
		s.mu.Unlock()
		return
	}

	// Unexpected exit while Running.
	s.state = StateCrashed
	s.child = nil
	auto := s.policy.Auto
	gaveUp := s.onGaveUp
	s.mu.Unlock()

	tail := s.stderr.Tail(5)
	slog.Error("child exited unexpectedly", "reason", reason, "stderr_tail", strings.Join(tail, "\n"))
	s.event("crashed", fmt.Sprintf("%s; stderr: %s", reason, strings.Join(tail, " | ")))

	if !auto {
		if gaveUp != nil {
			gaveUp("auto-restart disabled: " + reason)
		}
		return
	}
	go s.autoRestart()
}

// autoRestart waits out the inter-restart delay and respawns the child unless
// something else changed the state in the meantime.
func (s *Supervisor) autoRestart() {
	s.mu.RLock()
	delay := s.policy.Delay
	s.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	if s.state != StateCrashed {
		// Stopped or restarted manually while we were waiting.
		s.mu.Unlock()
		return
	}
	restarted := s.onAutoRestarted
	gaveUp := s.onGaveUp
	s.mu.Unlock()

	if err := s.Restart(context.Background()); err != nil {
		if errors.Is(err, ErrRestartLimitExceeded) {
			slog.Error("restart budget exhausted, child stays down")
		} else {
			slog.Error("auto-restart failed", "error", err)
		}
		if gaveUp != nil {
			gaveUp(err.Error())
		}
		return
	}
	if restarted != nil {
		restarted()
	}
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}

// setState is a small helper for error paths in Start.
func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
