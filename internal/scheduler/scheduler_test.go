package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelle-silva/PicaComic/internal/bandwidth"
	"github.com/noelle-silva/PicaComic/internal/policy"
	"github.com/noelle-silva/PicaComic/internal/store"
	"github.com/noelle-silva/PicaComic/internal/stoptoken"
)

// newTestScheduler builds a Scheduler without calling Start, so the pump
// loop never dequeues and runTask never touches the network. Every test
// here exercises the external-control state machine directly against the
// store, the way the REST handlers do.
func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	policyStore := policy.NewStore(policy.FromEnv())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(st, policyStore, t.TempDir(), logger, bandwidth.FromEnv(), false)
	return sched, st
}

func TestEnqueueRejectsUnknownSource(t *testing.T) {
	sched, _ := newTestScheduler(t)
	_, err := sched.Enqueue("not-a-source", "x", nil, "task-1")
	assert.Error(t, err)
}

func TestEnqueuePushesOntoQueue(t *testing.T) {
	sched, _ := newTestScheduler(t)
	task, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, task.Status)
	assert.Equal(t, 1, sched.queue.Len())
}

func TestPauseQueuedTaskRemovesFromQueue(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)

	require.NoError(t, sched.Pause("task-1"))
	assert.Equal(t, 0, sched.queue.Len())

	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, task.Status)
}

func TestPauseRunningTaskSignalsStopToken(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus("task-1", store.StatusRunning, nil, true, nil))

	require.NoError(t, sched.Pause("task-1"))
	assert.Equal(t, stoptoken.Pause, st.Token("task-1").Mode())

	// The status itself only transitions to paused once runTask observes
	// the token and unwinds; Pause on a running task doesn't write it.
	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, task.Status)
}

func TestPauseRejectsTerminalStatus(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus("task-1", store.StatusSucceeded, nil, true, nil))

	assert.Error(t, sched.Pause("task-1"))
}

func TestResumeRequeuesPausedOrFailed(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus("task-1", store.StatusPaused, nil, true, nil))

	require.NoError(t, sched.Resume("task-1"))
	assert.Equal(t, 1, sched.queue.Len())

	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, task.Status)
}

func TestFailTaskAppendsShortStackHeadByDefault(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)

	sched.failTask("task-1", errors.New("boom"))

	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	require.NotNil(t, task.Message)
	assert.Contains(t, *task.Message, "download failed: boom")
	assert.Less(t, len(*task.Message), maxDebugStack)
}

func TestFailTaskAppendsFullTruncatedStackInDebugMode(t *testing.T) {
	sched, st := newTestScheduler(t)
	sched.debug = true
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)

	sched.failTask("task-1", errors.New("boom"))

	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	require.NotNil(t, task.Message)
	assert.Contains(t, *task.Message, "download failed: boom")
	assert.Contains(t, *task.Message, "goroutine")
	assert.LessOrEqual(t, len(*task.Message), maxDebugStack+len("download failed: boom\n... (truncated)")+1)
}

func TestResumeRejectsRunningTask(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus("task-1", store.StatusRunning, nil, true, nil))

	assert.Error(t, sched.Resume("task-1"))
}

func TestCancelQueuedTaskRemovesFromQueueAndMarksCanceled(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)

	require.NoError(t, sched.Cancel("task-1"))
	assert.Equal(t, 0, sched.queue.Len())

	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, task.Status)
}

func TestCancelRunningTaskSignalsStopToken(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus("task-1", store.StatusRunning, nil, true, nil))

	require.NoError(t, sched.Cancel("task-1"))
	assert.Equal(t, stoptoken.Cancel, st.Token("task-1").Mode())
}

func TestRetryRequeuesFailedCanceledOrPaused(t *testing.T) {
	sched, st := newTestScheduler(t)
	for i, status := range []store.Status{store.StatusFailed, store.StatusCanceled, store.StatusPaused} {
		id := "task-" + string(rune('a'+i))
		_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/"+string(rune('1'+i))+"/", nil, id)
		require.NoError(t, err)
		require.NoError(t, st.SetStatus(id, status, nil, true, nil))

		require.NoError(t, sched.Retry(id))
		task, err := st.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusQueued, task.Status)
	}
}

func TestRetryRejectsQueuedOrRunning(t *testing.T) {
	sched, _ := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	assert.Error(t, sched.Retry("task-1"))
}

func TestDeleteRefusesRunningTask(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus("task-1", store.StatusRunning, nil, true, nil))

	assert.ErrorIs(t, sched.Delete("task-1"), store.ErrTaskRunning)
}

func TestDeleteRemovesQueuedTask(t *testing.T) {
	sched, st := newTestScheduler(t)
	_, err := sched.Enqueue("nhentai", "https://nhentai.net/g/1/", nil, "task-1")
	require.NoError(t, err)

	require.NoError(t, sched.Delete("task-1"))
	assert.Equal(t, 0, sched.queue.Len())
	_, err = st.GetTask("task-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetMaxConcurrentClampsAndWakesPump(t *testing.T) {
	sched, _ := newTestScheduler(t)
	next := sched.SetMaxConcurrent(999)
	assert.LessOrEqual(t, next.MaxConcurrent, 20)
	assert.Equal(t, next.MaxConcurrent, sched.Policy().MaxConcurrent)
}
