// Package executor implements the Executor (C5): it turns an allocated
// task into a running OS process group, and later answers whether that
// process group is still alive, signals it, or waits for it to exit.
//
// Every task runs in its own process group (setpgid) so that a terminate
// request can reach the whole tree a script might have spawned, not just
// the immediate bash invocation.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Process-exit conventions, matching the shell's own conventions for a
// failed exec: 127 when the working directory could not be entered, 126
// when the interpreter itself could not be launched. A signaled exit is
// reported as 128+signal. Spawn does not produce 127 or 126 itself: a
// missing workdir or a failed start is returned as an error.
const (
	ExitChdirFailed = 127
	ExitExecFailed  = 126
)

// Executor launches and supervises task scripts.
type Executor struct {
	logger *zap.Logger

	mu        sync.Mutex
	exitCodes map[int]int
}

// New creates an Executor.
func New(logger *zap.Logger) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		exitCodes: make(map[int]int),
	}
}

// SpawnRequest carries everything the executor needs to start a task.
type SpawnRequest struct {
	TaskID   uint64
	Script   string
	Workdir  string
	CPUs     []int
	GPUs     []int
	LogFile  string // explicit log file path, highest priority
	LogDir   string // fallback: task_<id>.out / task_<id>.err under this dir
}

// Spawn starts script in its own process group and returns its pid. The
// child's stdout/stderr are attached per the log-destination priority
// chain: an explicit LogFile wins, otherwise a LogDir gets split
// task_<id>.out/.err files, otherwise output is discarded.
func (e *Executor) Spawn(req SpawnRequest) (pid int, err error) {
	if _, err := os.Stat(req.Workdir); err != nil {
		return 0, fmt.Errorf("executor: workdir %q: %w", req.Workdir, err)
	}

	cmd := exec.Command("/bin/bash", req.Script)
	cmd.Dir = req.Workdir
	cmd.Env = append(os.Environ(), e.environment(req.CPUs, req.GPUs)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, err := e.openLogs(req)
	if err != nil {
		return 0, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		e.closeLogs(stdout, stderr)
		return 0, fmt.Errorf("executor: start task %d: %w", req.TaskID, err)
	}

	// The parent also calls setpgid on the child's pid: Start() already
	// requested Setpgid via SysProcAttr, but racing a very fast child
	// exit makes a belt-and-suspenders second call worthwhile.
	_ = syscall.Setpgid(cmd.Process.Pid, cmd.Process.Pid)

	pid = cmd.Process.Pid
	e.logger.Info("spawned task",
		zap.Uint64("task_id", req.TaskID),
		zap.Int("pid", pid),
		zap.String("script", req.Script))

	go e.reap(cmd, stdout, stderr)

	return pid, nil
}

// reap releases the child's OS resources once it exits, so it never
// lingers as a zombie, and records its exit code for later retrieval.
// The scheduler's own liveness polling is independent of this goroutine
// and uses FindProcess/Signal(0) instead.
func (e *Executor) reap(cmd *exec.Cmd, stdout, stderr *os.File) {
	err := cmd.Wait()
	e.closeLogs(stdout, stderr)

	code := exitCodeFromError(err)
	e.mu.Lock()
	e.exitCodes[cmd.Process.Pid] = code
	e.mu.Unlock()
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !asExitError(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return exitErr.ExitCode()
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ExitCode returns the recorded exit code for a pid that has already
// been reaped, and whether one was recorded at all.
func (e *Executor) ExitCode(pid int) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	code, ok := e.exitCodes[pid]
	return code, ok
}

func (e *Executor) openLogs(req SpawnRequest) (stdout, stderr *os.File, err error) {
	switch {
	case req.LogFile != "":
		f, err := os.OpenFile(req.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("executor: open log file %q: %w", req.LogFile, err)
		}
		return f, f, nil

	case req.LogDir != "":
		if err := os.MkdirAll(req.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("executor: create log dir %q: %w", req.LogDir, err)
		}
		outPath := filepath.Join(req.LogDir, fmt.Sprintf("task_%d.out", req.TaskID))
		errPath := filepath.Join(req.LogDir, fmt.Sprintf("task_%d.err", req.TaskID))

		out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("executor: open stdout log %q: %w", outPath, err)
		}
		errf, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			out.Close()
			return nil, nil, fmt.Errorf("executor: open stderr log %q: %w", errPath, err)
		}
		return out, errf, nil

	default:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("executor: open devnull: %w", err)
		}
		return devnull, devnull, nil
	}
}

func (e *Executor) closeLogs(stdout, stderr *os.File) {
	stdout.Close()
	if stderr != stdout {
		stderr.Close()
	}
}

func (e *Executor) environment(cpus, gpus []int) []string {
	return []string{
		"CUDA_VISIBLE_DEVICES=" + joinInts(gpus),
		"MYQUEUE_GPUS=" + joinInts(gpus),
		"MYQUEUE_CPUS=" + joinInts(cpus),
	}
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Status reports whether a pid is still alive. It is a best-effort,
// non-blocking check: on Unix, sending signal 0 succeeds iff the process
// (or a zombie awaiting reap) still exists.
func (e *Executor) Status(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the task's whole process group, falling back to
// the single pid if the group signal is refused (e.g. the group leader
// already exited and orphaned the group).
func (e *Executor) Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Terminate requests a task stop, trying SIGTERM first and escalating to
// SIGKILL if it has not exited within the grace period. hard skips
// straight to SIGKILL. After SIGKILL it waits up to one second for the
// process to exit.
func (e *Executor) Terminate(pid int, hard bool) error {
	if !hard {
		if err := e.Signal(pid, syscall.SIGTERM); err != nil {
			return err
		}
		if e.waitExit(pid, 2*time.Second) {
			return nil
		}
	}

	if err := e.Signal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	e.waitExit(pid, time.Second)
	return nil
}

func (e *Executor) waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !e.Status(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !e.Status(pid)
}
