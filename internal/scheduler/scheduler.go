// Package scheduler implements the Scheduler (C6): the daemon's main
// control loop. It pulls the oldest pending task off the queue, tries to
// allocate it resources, hands it to the executor, and separately polls
// every running task until it exits.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/eventbus"
	"github.com/myqueue/myqueued/internal/executor"
	"github.com/myqueue/myqueued/internal/model"
	"github.com/myqueue/myqueued/internal/queue"
	"github.com/myqueue/myqueued/internal/resourcemonitor"
)

const (
	// DefaultDispatchInterval is how often the scheduler retries the
	// head-of-line pending task.
	DefaultDispatchInterval = 1 * time.Second
	// DefaultReapInterval is how often running tasks are polled for exit.
	DefaultReapInterval = 500 * time.Millisecond
)

// Scheduler is the daemon's dispatch and reap loop.
type Scheduler struct {
	logger *zap.Logger

	queue     *queue.Queue
	resources *resourcemonitor.Monitor
	exec      *executor.Executor
	bus       *eventbus.Bus

	logDir string

	dispatchInterval time.Duration
	reapInterval     time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config configures the scheduler's loop cadence and log destination.
type Config struct {
	DispatchInterval time.Duration
	ReapInterval     time.Duration
	LogDir           string
}

// New creates a Scheduler over the given components.
func New(cfg Config, q *queue.Queue, resources *resourcemonitor.Monitor, exec *executor.Executor, bus *eventbus.Bus, logger *zap.Logger) *Scheduler {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	return &Scheduler{
		logger:           logger.Named("scheduler"),
		queue:            q,
		resources:        resources,
		exec:             exec,
		bus:              bus,
		logDir:           cfg.LogDir,
		dispatchInterval: cfg.DispatchInterval,
		reapInterval:     cfg.ReapInterval,
		stop:             make(chan struct{}),
	}
}

// Recover re-adopts any task the queue still marks as running whose pid
// is actually alive, re-seeding the resource monitor's reservations so
// the allocation bookkeeping survives a daemon restart. A running task
// whose pid is gone is treated as failed.
func (s *Scheduler) Recover() {
	for _, t := range s.queue.Running() {
		if s.exec.Status(t.PID) {
			s.resources.AdoptReservation(t.ID, t.AllocatedCPUs, t.AllocatedGPUs)
			s.logger.Info("recovered running task", zap.Uint64("task_id", t.ID), zap.Int("pid", t.PID))
			continue
		}
		s.logger.Warn("running task lost its process across restart, marking failed",
			zap.Uint64("task_id", t.ID), zap.Int("pid", t.PID))
		if err := s.queue.MarkFailed(t.ID, -1); err != nil {
			s.logger.Error("mark failed during recovery", zap.Uint64("task_id", t.ID), zap.Error(err))
		}
	}
}

// Start launches the dispatch and reap loops in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.reapLoop(ctx)
}

// Stop signals both loops to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tryDispatchNext(ctx)
		}
	}
}

// tryDispatchNext attempts to start exactly the oldest pending task. If
// it cannot be allocated resources, it is left pending and retried on the
// next tick — this is the head-of-line blocking behavior: a stuck large
// task is not skipped in favor of a smaller one behind it.
func (s *Scheduler) tryDispatchNext(ctx context.Context) {
	pending := s.queue.Pending()
	if len(pending) == 0 {
		return
	}
	task := pending[0]

	cpus, gpus, err := s.resources.Allocate(ctx, task.ID, task.NCPU, task.NGPU, task.RequestedCPUs, task.RequestedGPUs)
	if err != nil {
		s.logger.Debug("head-of-line task could not be allocated, will retry",
			zap.Uint64("task_id", task.ID), zap.Error(err))
		return
	}

	pid, err := s.exec.Spawn(executor.SpawnRequest{
		TaskID:  task.ID,
		Script:  task.ScriptPath,
		Workdir: task.Workdir,
		CPUs:    cpus,
		GPUs:    gpus,
		LogFile: task.LogFile,
		LogDir:  s.logDir,
	})
	if err != nil {
		s.logger.Error("failed to spawn task", zap.Uint64("task_id", task.ID), zap.Error(err))
		s.resources.Release(cpus, gpus)
		if mfErr := s.queue.MarkFailed(task.ID, -1); mfErr != nil {
			s.logger.Error("mark failed after spawn error", zap.Uint64("task_id", task.ID), zap.Error(mfErr))
		}
		s.notify(task.ID, model.TaskStatusFailed)
		return
	}

	if err := s.queue.MarkRunning(task.ID, pid, cpus, gpus); err != nil {
		s.logger.Error("mark running", zap.Uint64("task_id", task.ID), zap.Error(err))
		return
	}
	s.notify(task.ID, model.TaskStatusRunning)
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapFinished()
		}
	}
}

// reapFinished polls every running task and, for any whose process has
// exited, releases its resources and marks it completed. A task is
// always marked completed here, never failed — a nonzero exit code is
// still a successful run of the scheduler's job, just not of the script.
func (s *Scheduler) reapFinished() {
	for _, t := range s.queue.Running() {
		if s.exec.Status(t.PID) {
			continue
		}

		exitCode := s.waitExitCode(t.PID)
		s.resources.Release(t.AllocatedCPUs, t.AllocatedGPUs)
		if err := s.queue.MarkCompleted(t.ID, exitCode); err != nil {
			s.logger.Error("mark completed", zap.Uint64("task_id", t.ID), zap.Error(err))
			continue
		}
		s.notify(t.ID, model.TaskStatusCompleted)
	}
}

// waitExitCode retrieves the exit code the executor's background
// reaper recorded for pid. A brief race is possible: once the reaper has
// collected the process the liveness check already reports it gone, but
// the reaper goroutine may not have recorded its exit code yet; -1 covers
// that window rather than blocking here.
func (s *Scheduler) waitExitCode(pid int) int {
	code, ok := s.exec.ExitCode(pid)
	if !ok {
		return -1
	}
	return code
}

// Terminate requests that a running task stop. graceful sends SIGTERM
// with an escalation to SIGKILL if it has not exited within the grace
// period; hard-kill is immediate. The task is then released and removed
// from the queue as CANCELLED, not marked completed.
func (s *Scheduler) Terminate(ctx context.Context, taskID uint64, hard bool) error {
	t, ok := s.queue.Get(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != model.TaskStatusRunning {
		return ErrTaskNotRunning
	}

	if err := s.exec.Terminate(t.PID, hard); err != nil {
		return err
	}

	s.resources.Release(t.AllocatedCPUs, t.AllocatedGPUs)
	if err := s.queue.Delete(taskID); err != nil {
		return err
	}
	s.notify(taskID, model.TaskStatusCancelled)
	return nil
}

func (s *Scheduler) notify(taskID uint64, status model.TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.PublishStateChange(taskID, status)
}
