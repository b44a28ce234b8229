package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	return New(path, zap.NewNop())
}

func TestSubmitAssignsSequentialIDs(t *testing.T) {
	q := newTestQueue(t)

	t1, err := q.Submit(model.SubmitRequest{ScriptPath: "a.sh", Workdir: "/tmp"})
	require.NoError(t, err)
	t2, err := q.Submit(model.SubmitRequest{ScriptPath: "b.sh", Workdir: "/tmp"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), t1.ID)
	assert.Equal(t, uint64(2), t2.ID)
	assert.Equal(t, model.TaskStatusPending, t1.Status)
}

func TestMarkRunningRequiresPending(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Submit(model.SubmitRequest{ScriptPath: "a.sh", Workdir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, q.MarkRunning(task.ID, 1234, []int{0}, []int{0}))
	err = q.MarkRunning(task.ID, 5678, nil, nil)
	assert.Error(t, err, "cannot mark an already-running task running again")
}

func TestMarkCompletedAcceptsNonzeroExitCode(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Submit(model.SubmitRequest{ScriptPath: "a.sh", Workdir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, q.MarkRunning(task.ID, 1, nil, nil))

	require.NoError(t, q.MarkCompleted(task.ID, 17))

	got, ok := q.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusCompleted, got.Status, "a nonzero exit is still a completed run")
	assert.Equal(t, 17, got.ExitCode)
}

func TestDeleteNonTerminalCancels(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Submit(model.SubmitRequest{ScriptPath: "a.sh", Workdir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, q.Delete(task.ID))
	_, ok := q.Get(task.ID)
	assert.False(t, ok, "deleted task no longer appears in the queue")
}

func TestPendingIsFIFOBySubmitTime(t *testing.T) {
	q := newTestQueue(t)
	first, err := q.Submit(model.SubmitRequest{ScriptPath: "a.sh", Workdir: "/tmp"})
	require.NoError(t, err)
	second, err := q.Submit(model.SubmitRequest{ScriptPath: "b.sh", Workdir: "/tmp"})
	require.NoError(t, err)

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestLoadReloadsPersistedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	q1 := New(path, zap.NewNop())
	_, err := q1.Submit(model.SubmitRequest{ScriptPath: "a.sh", Workdir: "/tmp"})
	require.NoError(t, err)

	q2 := New(path, zap.NewNop())
	require.NoError(t, q2.Load())
	assert.Equal(t, 1, q2.Size())
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	require.NoError(t, q.Load())
	assert.Equal(t, 0, q.Size())
}

func TestLoadCorruptFileResetsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	q := New(path, zap.NewNop())
	require.NoError(t, q.Load())
	assert.Equal(t, 0, q.Size())
}

func TestParseIDRangeSingle(t *testing.T) {
	assert.Equal(t, []uint64{5}, ParseIDRange("5"))
}

func TestParseIDRangeInclusive(t *testing.T) {
	assert.Equal(t, []uint64{5, 6, 7, 8, 9}, ParseIDRange("5-9"))
}

func TestParseIDRangeInvalid(t *testing.T) {
	assert.Nil(t, ParseIDRange("abc"))
	assert.Nil(t, ParseIDRange("9-5"), "lower bound above upper bound yields empty")
	assert.Nil(t, ParseIDRange(""))
}

func TestParseWorkdirsFileSkipsCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	wd1 := filepath.Join(dir, "a")
	wd2 := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(wd1, 0755))
	require.NoError(t, os.Mkdir(wd2, 0755))

	listFile := filepath.Join(dir, "workdirs.txt")
	content := "# comment\n\n" + wd1 + "\n" + wd2 + "\n"
	require.NoError(t, os.WriteFile(listFile, []byte(content), 0644))

	dirs, err := ParseWorkdirsFile(listFile)
	require.NoError(t, err)
	assert.Equal(t, []string{wd1, wd2}, dirs)
}

func TestParseWorkdirsFileRejectsMissingDir(t *testing.T) {
	dir := t.TempDir()
	listFile := filepath.Join(dir, "workdirs.txt")
	require.NoError(t, os.WriteFile(listFile, []byte("/does/not/exist\n"), 0644))

	_, err := ParseWorkdirsFile(listFile)
	assert.Error(t, err)
}
