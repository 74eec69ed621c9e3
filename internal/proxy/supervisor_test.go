package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sleepSpec() Spec {
	return Spec{Command: "sleep", Args: []string{"60"}}
}

func shSpec(script string) Spec {
	return Spec{Command: "sh", Args: []string{"-c", script}}
}

func stopSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestSupervisorStartStop(t *testing.T) {
	s := NewSupervisor(sleepSpec(), RestartPolicy{}, time.Second, 10)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("State() = %v, want %v", got, StateRunning)
	}
	if s.Pid() == 0 {
		t.Error("Pid() = 0 for a running child")
	}
	stdin, stdout := s.Stdio()
	if stdin == nil || stdout == nil {
		t.Error("Stdio() returned nil pipes for a running child")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() after stop = %v, want %v", got, StateStopped)
	}
	if s.Pid() != 0 {
		t.Errorf("Pid() after stop = %d, want 0", s.Pid())
	}
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	s := NewSupervisor(sleepSpec(), RestartPolicy{}, time.Second, 10)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
}

func TestSupervisorSpawnError(t *testing.T) {
	s := NewSupervisor(Spec{Command: "/no/such/binary"}, RestartPolicy{}, time.Second, 10)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded for a nonexistent command")
	}
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("error = %v, want ErrSpawn", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want %v", got, StateStopped)
	}
}

func TestSupervisorCrashWithoutAutoRestart(t *testing.T) {
	s := NewSupervisor(shSpec("exit 7"), RestartPolicy{Auto: false}, time.Second, 10)

	gaveUp := make(chan string, 1)
	s.OnGaveUp(func(reason string) { gaveUp <- reason })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case reason := <-gaveUp:
		if !strings.Contains(reason, "auto-restart disabled") {
			t.Errorf("gave-up reason = %q", reason)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("crash never reported")
	}

	if got := s.State(); got != StateCrashed {
		t.Errorf("State() = %v, want %v", got, StateCrashed)
	}
	if exit := s.LastExit(); !strings.Contains(exit, "7") {
		t.Errorf("LastExit() = %q, want the exit code in it", exit)
	}
}

func TestSupervisorAutoRestartRecovers(t *testing.T) {
	// Crashes on the first spawn, stays up on the second.
	dir := t.TempDir()
	spec := shSpec("if [ -f marker ]; then exec sleep 60; else touch marker; exit 1; fi")
	spec.Workdir = dir

	s := NewSupervisor(spec, RestartPolicy{Auto: true, Limit: 5, Delay: 10 * time.Millisecond}, time.Second, 10)
	defer stopSupervisor(t, s)

	recovered := make(chan struct{}, 1)
	s.OnAutoRestarted(func() { recovered <- struct{}{} })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-recovered:
	case <-time.After(10 * time.Second):
		t.Fatal("child never came back after the crash")
	}

	if got := s.State(); got != StateRunning {
		t.Errorf("State() = %v, want %v", got, StateRunning)
	}
	if got := s.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
}

func TestSupervisorRestartBudget(t *testing.T) {
	// A child that always crashes: with limit 2 the supervisor performs
	// exactly two restarts, then gives up and parks in Stopped.
	s := NewSupervisor(shSpec("exit 1"), RestartPolicy{Auto: true, Limit: 2, Delay: time.Millisecond}, time.Second, 10)

	gaveUp := make(chan string, 1)
	s.OnGaveUp(func(reason string) { gaveUp <- reason })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case reason := <-gaveUp:
		if !strings.Contains(reason, "limit") {
			t.Errorf("gave-up reason = %q, want the limit mentioned", reason)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor never gave up")
	}

	if got := s.Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want 3 (two within budget plus the rejected one)", got)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want %v", got, StateStopped)
	}
}

func TestSupervisorManualRestart(t *testing.T) {
	s := NewSupervisor(sleepSpec(), RestartPolicy{Limit: 5}, time.Second, 10)
	defer stopSupervisor(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid1 := s.Pid()

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	if got := s.State(); got != StateRunning {
		t.Errorf("State() = %v, want %v", got, StateRunning)
	}
	pid2 := s.Pid()
	if pid2 == 0 || pid2 == pid1 {
		t.Errorf("pid after restart = %d, want a fresh process (was %d)", pid2, pid1)
	}
	if got := s.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
}

func TestSupervisorRestartLimitExceeded(t *testing.T) {
	s := NewSupervisor(sleepSpec(), RestartPolicy{Limit: 1}, time.Second, 10)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("first restart should fit the budget: %v", err)
	}

	err := s.Restart(context.Background())
	if !errors.Is(err, ErrRestartLimitExceeded) {
		t.Fatalf("error = %v, want ErrRestartLimitExceeded", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want %v after exhausting the budget", got, StateStopped)
	}
}

func TestSupervisorStageSpecAppliesOnRestart(t *testing.T) {
	dir := t.TempDir()

	s := NewSupervisor(sleepSpec(), RestartPolicy{Limit: 5}, time.Second, 10)
	defer stopSupervisor(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	next := shSpec("touch applied; exec sleep 60")
	next.Workdir = dir
	s.StageSpec(next)

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	marker := filepath.Join(dir, "applied")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("staged spec was not applied on restart")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorCapturesStderr(t *testing.T) {
	s := NewSupervisor(shSpec("echo boom >&2; exec sleep 60"), RestartPolicy{}, time.Second, 10)
	defer stopSupervisor(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		tail := s.Stderr().Tail(5)
		if len(tail) > 0 && tail[len(tail)-1] == "boom" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stderr line never captured, tail = %v", tail)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorStatsUnavailableWhenStopped(t *testing.T) {
	s := NewSupervisor(sleepSpec(), RestartPolicy{}, time.Second, 10)
	if _, err := s.Stats(); !errors.Is(err, ErrChildUnavailable) {
		t.Errorf("Stats() error = %v, want ErrChildUnavailable", err)
	}
}

func TestSupervisorStatsRunning(t *testing.T) {
	s := NewSupervisor(sleepSpec(), RestartPolicy{}, time.Second, 10)
	defer stopSupervisor(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PID != s.Pid() {
		t.Errorf("stats pid = %d, want %d", stats.PID, s.Pid())
	}
	if stats.Uptime <= 0 {
		t.Errorf("uptime = %v, want > 0", stats.Uptime)
	}
}
