package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/cpuprobe"
	"github.com/myqueue/myqueued/internal/executor"
	"github.com/myqueue/myqueued/internal/gpuprobe"
	"github.com/myqueue/myqueued/internal/model"
	"github.com/myqueue/myqueued/internal/queue"
	"github.com/myqueue/myqueued/internal/resourcemonitor"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue) {
	t.Helper()

	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "tasks.json"), zap.NewNop())

	gpus := &gpuprobe.MockQuerier{}
	cpuUtil := make(map[int]float64)
	for i := 0; i < 4; i++ {
		cpuUtil[i] = 0
	}
	cpus := cpuprobe.NewMockProber(cpuUtil)

	monitor := resourcemonitor.New(resourcemonitor.Config{TotalGPUs: 0, TotalCPUs: 4, CPUUtilThreshold: 50}, gpus, cpus, zap.NewNop())
	exec := executor.New(zap.NewNop())

	sched := New(Config{DispatchInterval: 20 * time.Millisecond, ReapInterval: 20 * time.Millisecond, LogDir: dir}, q, monitor, exec, nil, zap.NewNop())
	return sched, q
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "job.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func TestSchedulerDispatchesAndReapsPendingTask(t *testing.T) {
	sched, q := newTestScheduler(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "#!/bin/bash\nexit 3\n")

	task, err := q.Submit(model.SubmitRequest{ScriptPath: script, Workdir: dir, NCPU: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, ok := q.Get(task.ID)
		if ok && got.Status.IsTerminal() {
			assert.Equal(t, model.TaskStatusCompleted, got.Status, "nonzero exit is still completed")
			assert.Equal(t, 3, got.ExitCode)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
}

func TestSchedulerTerminateCancelsAndRemovesTask(t *testing.T) {
	sched, q := newTestScheduler(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "#!/bin/bash\nsleep 30\n")

	task, err := q.Submit(model.SubmitRequest{ScriptPath: script, Workdir: dir, NCPU: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := q.Get(task.ID); ok && got.Status == model.TaskStatusRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, sched.Terminate(context.Background(), task.ID, true))

	_, ok := q.Get(task.ID)
	assert.False(t, ok, "terminated task must be removed from the queue, not left as a fake-completed row")
}

func TestSchedulerHeadOfLineBlocking(t *testing.T) {
	sched, q := newTestScheduler(t)
	dir := t.TempDir()
	// Request more CPUs than exist: this task can never be allocated.
	blocked := writeScript(t, dir, "#!/bin/bash\nexit 0\n")
	first, err := q.Submit(model.SubmitRequest{ScriptPath: blocked, Workdir: dir, NCPU: 100})
	require.NoError(t, err)

	second, err := q.Submit(model.SubmitRequest{ScriptPath: blocked, Workdir: dir, NCPU: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	time.Sleep(300 * time.Millisecond)

	firstTask, _ := q.Get(first.ID)
	secondTask, _ := q.Get(second.ID)
	assert.Equal(t, model.TaskStatusPending, firstTask.Status, "unsatisfiable head-of-line task stays pending")
	assert.Equal(t, model.TaskStatusPending, secondTask.Status, "a satisfiable task behind it is not skipped ahead")
}
