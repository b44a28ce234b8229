// Package history implements a supplemental audit archive of terminal
// tasks, backed by SQLite. This sits alongside the queue's own JSON
// snapshot (which is the authoritative live state) as a durable,
// queryable record of terminal tasks — the queue drops a task's record
// once it is deleted, but an archived record stays.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

// Record is one archived terminal task.
type Record struct {
	ArchiveID     string
	TaskID        uint64
	ScriptPath    string
	Workdir       string
	Status        model.TaskStatus
	ExitCode      int
	AllocatedCPUs []int
	AllocatedGPUs []int
	SubmitTime    time.Time
	StartTime     *time.Time
	EndTime       *time.Time
}

// Archive is the SQLite-backed terminal task archive.
type Archive struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (creating if necessary) the archive database at path.
func Open(path string, logger *zap.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	a := &Archive{logger: logger.Named("history"), db: db}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initialize() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			archive_id TEXT PRIMARY KEY,
			task_id INTEGER NOT NULL,
			script_path TEXT NOT NULL,
			workdir TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			allocated_cpus TEXT,
			allocated_gpus TEXT,
			submit_time DATETIME NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_submit_time ON task_history(submit_time);
	`)
	if err != nil {
		return fmt.Errorf("history: initialize schema: %w", err)
	}
	return nil
}

// Archive records a terminal task. Call once the task has reached a
// terminal status; archiving a still-pending or running task is a
// programming error the caller should not make.
func (a *Archive) Archive(ctx context.Context, t *model.Task) error {
	if !t.Status.IsTerminal() {
		return fmt.Errorf("history: task %d is not terminal (status=%s)", t.ID, t.Status)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO task_history (
			archive_id, task_id, script_path, workdir, status, exit_code,
			allocated_cpus, allocated_gpus, submit_time, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		t.ID,
		t.ScriptPath,
		t.Workdir,
		string(t.Status),
		t.ExitCode,
		joinInts(t.AllocatedCPUs),
		joinInts(t.AllocatedGPUs),
		t.SubmitTime,
		nullTime(t.StartTime),
		nullTime(t.EndTime),
	)
	if err != nil {
		return fmt.Errorf("history: insert record for task %d: %w", t.ID, err)
	}
	return nil
}

// ListByTaskID returns every archived record for a given task ID, most
// recent first (a task ID can recur once its queue entry is deleted and
// later reused, though the daemon never reuses an ID by design).
func (a *Archive) ListByTaskID(ctx context.Context, taskID uint64) ([]*Record, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT archive_id, task_id, script_path, workdir, status, exit_code,
		       allocated_cpus, allocated_gpus, submit_time, start_time, end_time
		FROM task_history WHERE task_id = ? ORDER BY submit_time DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("history: query task %d: %w", taskID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// DeleteBefore removes archived records whose submit time is older than
// before, returning the number of rows removed.
func (a *Archive) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx, "DELETE FROM task_history WHERE submit_time < ?", before)
	if err != nil {
		return 0, fmt.Errorf("history: delete before %s: %w", before, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: rows affected: %w", err)
	}
	a.logger.Info("pruned task history", zap.Time("before", before), zap.Int64("deleted", affected))
	return affected, nil
}

// Close closes the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r := &Record{}
		var cpuStr, gpuStr sql.NullString
		var startTime, endTime sql.NullTime

		err := rows.Scan(
			&r.ArchiveID, &r.TaskID, &r.ScriptPath, &r.Workdir, &r.Status, &r.ExitCode,
			&cpuStr, &gpuStr, &r.SubmitTime, &startTime, &endTime,
		)
		if err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}

		r.AllocatedCPUs = parseInts(cpuStr.String)
		r.AllocatedGPUs = parseInts(gpuStr.String)
		if startTime.Valid {
			t := startTime.Time
			r.StartTime = &t
		}
		if endTime.Valid {
			t := endTime.Time
			r.EndTime = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: row iteration: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

func parseInts(s string) []int {
	if s == "" {
		return nil
	}
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		var v int
		if _, err := fmt.Sscanf(strings.TrimSpace(f), "%d", &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}
