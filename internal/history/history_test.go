package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func completedTask(id uint64) *model.Task {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	return &model.Task{
		ID:            id,
		ScriptPath:    "job.sh",
		Workdir:       "/tmp",
		Status:        model.TaskStatusCompleted,
		ExitCode:      0,
		AllocatedCPUs: []int{0, 1},
		AllocatedGPUs: []int{0},
		SubmitTime:    start,
		StartTime:     &start,
		EndTime:       &end,
	}
}

func TestArchiveRejectsNonTerminalTask(t *testing.T) {
	a := newTestArchive(t)
	task := completedTask(1)
	task.Status = model.TaskStatusRunning

	err := a.Archive(context.Background(), task)
	assert.Error(t, err)
}

func TestArchiveAndListByTaskID(t *testing.T) {
	a := newTestArchive(t)
	task := completedTask(7)

	require.NoError(t, a.Archive(context.Background(), task))

	records, err := a.ListByTaskID(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []int{0, 1}, records[0].AllocatedCPUs)
	assert.Equal(t, []int{0}, records[0].AllocatedGPUs)
}

func TestDeleteBefore(t *testing.T) {
	a := newTestArchive(t)
	old := completedTask(1)
	old.SubmitTime = time.Now().Add(-48 * time.Hour)
	require.NoError(t, a.Archive(context.Background(), old))

	recent := completedTask(2)
	require.NoError(t, a.Archive(context.Background(), recent))

	deleted, err := a.DeleteBefore(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := a.ListByTaskID(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
