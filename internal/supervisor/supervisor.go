// Package supervisor implements spec.md §4.9: a small parent process
// that forks the worker, waits for it, and restarts it on an
// unexpected exit, forwarding termination signals so a clean shutdown
// request reaches the child instead of being swallowed by the parent.
//
// There is no fork/supervise pattern anywhere in the retrieval pack to
// ground this on (the nearest relatives, aclements-go-perf's
// perffile/format.go and ja7ad-consumption's proc collector, only read
// /proc, they don't manage a child's lifecycle), so this package is
// built directly on the standard library's os/exec and os/signal,
// which is the idiomatic Go way to run and supervise a child process;
// see DESIGN.md for why no third-party process-supervision library
// from the pack applies here.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

// RestartPolicy decides whether the supervisor should restart the
// worker after it exits, given its exit error (nil on a clean exit).
type RestartPolicy func(err error) bool

// AlwaysRestart restarts the worker after any exit except one caused
// by the supervisor's own shutdown request.
func AlwaysRestart(error) bool { return true }

// NeverRestart runs the worker exactly once.
func NeverRestart(error) bool { return false }

// Supervisor runs one child process (the worker, re-invoking this same
// binary with internal flags) and restarts it per policy.
type Supervisor struct {
	log     *slog.Logger
	argv0   string
	args    []string
	policy  RestartPolicy
	backoff time.Duration
}

// New creates a Supervisor that runs argv0 with args as its worker
// child.
func New(log *slog.Logger, argv0 string, args []string, policy RestartPolicy) *Supervisor {
	return &Supervisor{
		log:     log,
		argv0:   argv0,
		args:    args,
		policy:  policy,
		backoff: time.Second,
	}
}

// errShutdownRequested marks an exit caused by this Supervisor itself
// forwarding a termination signal, so the restart policy never fires
// for it.
var errShutdownRequested = errors.New("supervisor: shutdown requested")

// Run starts the worker and supervises it until ctx is cancelled or
// the policy declines to restart after an exit.
func (s *Supervisor) Run(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		exitErr := s.runOnce(ctx, sig)

		if errors.Is(exitErr, errShutdownRequested) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.policy(exitErr) {
			return exitErr
		}

		s.log.Warn("supervisor: worker exited, restarting", "error", exitErr, "backoff", s.backoff)
		select {
		case <-time.After(s.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce starts one worker process and waits for it to exit, a
// shutdown signal to arrive, or ctx to be cancelled.
func (s *Supervisor) runOnce(ctx context.Context, sig <-chan os.Signal) error {
	cmd := exec.Command(s.argv0, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start worker: %w", err)
	}
	s.log.Info("supervisor: worker started", "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-sig:
		s.log.Info("supervisor: forwarding shutdown signal to worker", "pid", cmd.Process.Pid)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.log.Warn("supervisor: worker did not exit, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-done
		}
		return errShutdownRequested
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		<-done
		return ctx.Err()
	}
}
