// Package queue implements the Task Queue (C4): the authoritative, durable
// record of every submitted task. It owns ID assignment, the task status
// state machine, and the on-disk JSON snapshot the daemon reloads across
// restarts.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

// persistedState is the on-disk JSON shape: an atomic snapshot of the
// whole queue, written on every state-changing operation.
type persistedState struct {
	NextID uint64       `json:"next_id"`
	Tasks  []model.Task `json:"tasks"`
}

// Queue is the Task Queue. All mutating methods persist the new snapshot
// before returning, so a crash never loses a committed state change.
type Queue struct {
	mu sync.Mutex

	path   string
	nextID uint64
	tasks  map[uint64]*model.Task

	logger *zap.Logger
}

// New creates an empty queue that persists to path.
func New(path string, logger *zap.Logger) *Queue {
	return &Queue{
		path:   path,
		nextID: 1,
		tasks:  make(map[uint64]*model.Task),
		logger: logger.Named("queue"),
	}
}

// Load reads the persisted snapshot at path, if any. A missing file
// leaves the queue empty; any parse error also resets to an empty queue,
// matching the original implementation's fail-open reload semantics.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("queue: read %s: %w", q.path, err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		q.logger.Warn("queue snapshot unreadable, starting empty", zap.Error(err))
		q.nextID = 1
		q.tasks = make(map[uint64]*model.Task)
		return nil
	}

	q.tasks = make(map[uint64]*model.Task, len(state.Tasks))
	for i := range state.Tasks {
		t := state.Tasks[i]
		q.tasks[t.ID] = &t
	}
	q.nextID = state.NextID
	if q.nextID == 0 {
		q.nextID = 1
	}
	return nil
}

// saveLocked writes the current state to disk via a temp file plus
// rename, so a crash mid-write never corrupts the previous snapshot.
func (q *Queue) saveLocked() error {
	if q.path == "" {
		return nil
	}

	state := persistedState{NextID: q.nextID}
	for _, t := range q.tasks {
		state.Tasks = append(state.Tasks, *t)
	}
	sort.Slice(state.Tasks, func(i, j int) bool { return state.Tasks[i].ID < state.Tasks[j].ID })

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".tasks-*.json.tmp")
	if err != nil {
		return fmt.Errorf("queue: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("queue: write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("queue: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("queue: rename temp snapshot: %w", err)
	}
	return nil
}

// Submit creates a new pending task and persists it.
func (q *Queue) Submit(req model.SubmitRequest) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &model.Task{
		ID:            q.nextID,
		ScriptPath:    req.ScriptPath,
		Workdir:       req.Workdir,
		NCPU:          req.NCPU,
		NGPU:          req.NGPU,
		RequestedCPUs: append([]int(nil), req.RequestedCPUs...),
		RequestedGPUs: append([]int(nil), req.RequestedGPUs...),
		LogFile:       req.LogFile,
		Status:        model.TaskStatusPending,
		SubmitTime:    time.Now(),
	}
	q.nextID++
	q.tasks[t.ID] = t

	if err := q.saveLocked(); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// SubmitBatch submits one task per workdir, sharing the same script and
// resource request. It returns every task created, in workdir order.
func (q *Queue) SubmitBatch(scriptPath string, workdirs []string, ncpu, ngpu int) ([]*model.Task, error) {
	var created []*model.Task
	for _, wd := range workdirs {
		t, err := q.Submit(model.SubmitRequest{ScriptPath: scriptPath, Workdir: wd, NCPU: ncpu, NGPU: ngpu})
		if err != nil {
			return created, err
		}
		created = append(created, t)
	}
	return created, nil
}

// ParseWorkdirsFile reads a newline-delimited list of working directories,
// skipping blank lines and '#'-prefixed comments, and verifying each path
// exists and is a directory.
func ParseWorkdirsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("queue: open workdirs file: %w", err)
	}
	defer f.Close()

	var dirs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		info, err := os.Stat(line)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("queue: workdir %q does not exist or is not a directory", line)
		}
		dirs = append(dirs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("queue: scan workdirs file: %w", err)
	}
	return dirs, nil
}

// Get returns a copy of the task with the given ID.
func (q *Queue) Get(id uint64) (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Pending returns every pending task, sorted oldest-submitted first.
func (q *Queue) Pending() []*model.Task {
	return q.filterSorted(func(t *model.Task) bool { return t.Status == model.TaskStatusPending })
}

// Running returns every running task.
func (q *Queue) Running() []*model.Task {
	return q.filterSorted(func(t *model.Task) bool { return t.Status == model.TaskStatusRunning })
}

// All returns every task, sorted by submit time.
func (q *Queue) All() []*model.Task {
	return q.filterSorted(func(*model.Task) bool { return true })
}

func (q *Queue) filterSorted(keep func(*model.Task) bool) []*model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.Task
	for _, t := range q.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmitTime.Before(out[j].SubmitTime) })
	return out
}

// MarkRunning transitions a pending task to running, recording its PID
// and allocated resources. It fails if the task is not currently pending.
func (q *Queue) MarkRunning(id uint64, pid int, allocatedCPUs, allocatedGPUs []int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("queue: task %d not found", id)
	}
	if t.Status != model.TaskStatusPending {
		return fmt.Errorf("queue: task %d is not pending (status=%s)", id, t.Status)
	}

	t.Status = model.TaskStatusRunning
	t.PID = pid
	t.AllocatedCPUs = append([]int(nil), allocatedCPUs...)
	t.AllocatedGPUs = append([]int(nil), allocatedGPUs...)
	now := time.Now()
	t.StartTime = &now

	return q.saveLocked()
}

// MarkCompleted transitions a running task to completed, regardless of
// exit code — a nonzero exit is still a completed run, never a failure.
func (q *Queue) MarkCompleted(id uint64, exitCode int) error {
	return q.finishRunning(id, model.TaskStatusCompleted, exitCode)
}

// MarkFailed transitions a pending or running task to failed. The
// scheduler uses it for a pending task whose spawn failed, and at startup
// for a running task whose process no longer exists.
func (q *Queue) MarkFailed(id uint64, exitCode int) error {
	return q.finishRunning(id, model.TaskStatusFailed, exitCode)
}

func (q *Queue) finishRunning(id uint64, status model.TaskStatus, exitCode int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("queue: task %d not found", id)
	}
	if t.Status != model.TaskStatusPending && t.Status != model.TaskStatusRunning {
		return fmt.Errorf("queue: task %d already terminal (status=%s)", id, t.Status)
	}

	t.Status = status
	t.ExitCode = exitCode
	now := time.Now()
	t.EndTime = &now

	return q.saveLocked()
}

// Delete removes a task from the queue; a non-terminal task is marked
// cancelled before it is removed. Deleting an unknown ID is an error.
func (q *Queue) Delete(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("queue: task %d not found", id)
	}

	if !t.Status.IsTerminal() {
		now := time.Now()
		t.Status = model.TaskStatusCancelled
		t.EndTime = &now
	}
	delete(q.tasks, id)

	return q.saveLocked()
}

// DeleteAll removes every task, whatever its status.
func (q *Queue) DeleteAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[uint64]*model.Task)
	return q.saveLocked()
}

// Size returns the number of tasks currently tracked.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ParseIDRange parses either a single integer ("5") or an inclusive range
// ("5-9") into the list of IDs it names. An invalid format, or a range
// where the lower bound exceeds the upper bound, yields an empty list.
func ParseIDRange(s string) []uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if !strings.Contains(s, "-") {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil
		}
		return []uint64{id}
	}

	parts := strings.SplitN(s, "-", 2)
	lo, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	hi, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil || lo > hi {
		return nil
	}

	ids := make([]uint64, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		ids = append(ids, id)
	}
	return ids
}
