// Package supervisor spawns one worker process per shard, supervises them,
// and enforces the fail-fast kill-all policy: the moment any worker exits
// abnormally every surviving peer is terminated, so no shard keeps producing
// output for a run that already failed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kh4n9373/amem-benchmark/internal/logging"
	"github.com/kh4n9373/amem-benchmark/internal/metrics"
)

// DefaultGracePeriod bounds how long terminated workers get to exit
// voluntarily before they are force-killed.
const DefaultGracePeriod = 5 * time.Second

// Options configures a supervision run.
type Options struct {
	// NumWorkers is the shard count; shard ids are [0, NumWorkers).
	NumWorkers int

	// Command builds the exec.Cmd for one shard's worker process.
	Command func(shardID int) *exec.Cmd

	// LogDir, when non-empty, redirects each worker's combined output to
	// worker_<shard>.log inside it. Streams are never merged: without a log
	// dir workers inherit the manager's stdout/stderr directly.
	LogDir string

	// GracePeriod overrides DefaultGracePeriod when > 0.
	GracePeriod time.Duration
}

// Outcome is the aggregate result over all workers.
type Outcome struct {
	Success     bool
	ExitCodes   map[int]int // shard id -> exit code
	FailedShard int         // first shard observed failing, -1 on success
	Interrupted bool        // failure caused by external interrupt, not a worker
	Elapsed     time.Duration
}

// handle tracks one spawned worker process.
type handle struct {
	shardID int
	cmd     *exec.Cmd
	logFile *os.File
	exited  bool
}

type workerExit struct {
	shardID int
	code    int
}

// Supervisor owns the worker handles for one run.
type Supervisor struct {
	opts Options
	log  *slog.Logger
}

// New validates options and creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.NumWorkers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1: got %d", opts.NumWorkers)
	}
	if opts.Command == nil {
		return nil, fmt.Errorf("worker command builder is required")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Supervisor{
		opts: opts,
		log:  logging.Component("supervisor"),
	}, nil
}

// Run spawns all workers and supervises them to completion. Each worker gets
// a dedicated waiter goroutine feeding one shared result channel, so the
// first abnormal exit is observed immediately instead of on a poll tick.
// Cancelling ctx (external interrupt) takes the same termination path as a
// worker failure: no worker process survives this function.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()

	outcome := Outcome{
		ExitCodes:   make(map[int]int, s.opts.NumWorkers),
		FailedShard: -1,
	}

	handles := make([]*handle, 0, s.opts.NumWorkers)
	exits := make(chan workerExit, s.opts.NumWorkers)

	closeLogs := func() {
		for _, h := range handles {
			if h.logFile != nil {
				h.logFile.Close()
				h.logFile = nil
			}
		}
	}
	defer closeLogs()

	for shardID := 0; shardID < s.opts.NumWorkers; shardID++ {
		h, err := s.spawn(shardID)
		if err != nil {
			// Peers already running must not outlive a failed startup.
			s.log.Error("worker spawn failed", "shard_id", shardID, "error", err)
			s.terminateAll(handles, exits, &outcome)
			outcome.FailedShard = shardID
			outcome.Elapsed = time.Since(start)
			return outcome, fmt.Errorf("spawn worker %d: %w", shardID, err)
		}
		handles = append(handles, h)
		if m := metrics.Get(); m != nil {
			m.WorkersSpawned.Inc()
		}

		go func(h *handle) {
			err := h.cmd.Wait()
			exits <- workerExit{shardID: h.shardID, code: exitCode(err)}
		}(h)
	}

	remaining := len(handles)
	failed := false

	for remaining > 0 {
		select {
		case <-ctx.Done():
			s.log.Warn("interrupt received, stopping all workers")
			outcome.Interrupted = true
			failed = true
		case exit := <-exits:
			remaining--
			s.markExited(handles, exit, &outcome)
			if exit.code != 0 {
				s.log.Error("worker failed", "shard_id", exit.shardID, "exit_code", exit.code)
				if m := metrics.Get(); m != nil {
					m.WorkersFailed.Inc()
				}
				if outcome.FailedShard == -1 {
					outcome.FailedShard = exit.shardID
				}
				failed = true
			} else {
				s.log.Info("worker completed", "shard_id", exit.shardID)
			}
		}
		if failed {
			break
		}
	}

	if failed {
		s.terminateAll(handles, exits, &outcome)
	}

	outcome.Success = !failed
	outcome.Elapsed = time.Since(start)
	return outcome, nil
}

// spawn starts one worker process with its output attached.
func (s *Supervisor) spawn(shardID int) (*handle, error) {
	cmd := s.opts.Command(shardID)
	configureProcessGroup(cmd)

	h := &handle{shardID: shardID, cmd: cmd}

	if s.opts.LogDir != "" {
		if err := os.MkdirAll(s.opts.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", s.opts.LogDir, err)
		}
		logPath := filepath.Join(s.opts.LogDir, fmt.Sprintf("worker_%d.log", shardID))
		f, err := os.Create(logPath)
		if err != nil {
			return nil, fmt.Errorf("create worker log %s: %w", logPath, err)
		}
		h.logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
		s.log.Info("starting worker", "shard_id", shardID, "log", logPath)
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		s.log.Info("starting worker", "shard_id", shardID)
	}

	if err := cmd.Start(); err != nil {
		if h.logFile != nil {
			h.logFile.Close()
			h.logFile = nil
		}
		return nil, err
	}
	return h, nil
}

// terminateAll sends a graceful termination signal to every still-running
// worker, waits up to the grace period for voluntary exits, then force-kills
// what remains. It drains the waiter channel so no goroutine leaks.
func (s *Supervisor) terminateAll(handles []*handle, exits chan workerExit, outcome *Outcome) {
	running := 0
	for _, h := range handles {
		if h.exited {
			continue
		}
		running++
		s.log.Warn("terminating worker", "shard_id", h.shardID)
		signalTerm(h.cmd)
		if m := metrics.Get(); m != nil {
			m.WorkersTerminated.Inc()
		}
	}

	deadline := time.NewTimer(s.opts.GracePeriod)
	defer deadline.Stop()

	for running > 0 {
		select {
		case exit := <-exits:
			running--
			s.markExited(handles, exit, outcome)
		case <-deadline.C:
			for _, h := range handles {
				if h.exited {
					continue
				}
				s.log.Warn("grace period expired, killing worker", "shard_id", h.shardID)
				signalKill(h.cmd)
			}
			// The kill is unconditional; the waiters will deliver.
			for running > 0 {
				exit := <-exits
				running--
				s.markExited(handles, exit, outcome)
			}
		}
	}
}

func (s *Supervisor) markExited(handles []*handle, exit workerExit, outcome *Outcome) {
	outcome.ExitCodes[exit.shardID] = exit.code
	for _, h := range handles {
		if h.shardID == exit.shardID {
			h.exited = true
			return
		}
	}
}

// exitCode maps a Wait error to a process exit code. Signal deaths report -1
// and count as abnormal, which is what the kill-all policy needs.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ProcessState.ExitCode()
	}
	return -1
}
