package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/noelle-silva/PicaComic/internal/bandwidth"
	"github.com/noelle-silva/PicaComic/internal/commit"
	"github.com/noelle-silva/PicaComic/internal/diskspace"
	"github.com/noelle-silva/PicaComic/internal/httpfetch"
	"github.com/noelle-silva/PicaComic/internal/policy"
	"github.com/noelle-silva/PicaComic/internal/progress"
	"github.com/noelle-silva/PicaComic/internal/sources"
	"github.com/noelle-silva/PicaComic/internal/stats"
	"github.com/noelle-silva/PicaComic/internal/store"
	"github.com/noelle-silva/PicaComic/internal/stoptoken"
)

// Scheduler is the worker pool described in §4.7: a mutable concurrency
// ceiling, one in-memory FIFO queue, and a run loop translating adapter
// outcomes into terminal task states. Grounded on the teacher's
// internal/core/engine.go queueWorker/executeTask loop, generalized from
// "one file split into byte-range parts" to "one adapter call per task".
type Scheduler struct {
	st           *store.Store
	policyStore  *policy.Store
	queue        *Queue
	storageDir   string
	logger       *slog.Logger
	governor     *bandwidth.Governor
	statsTracker *stats.Tracker
	userAgent    string
	debug        bool

	mu      sync.Mutex
	running map[string]struct{}
	clients map[string]*http.Client
	closed  bool

	wg sync.WaitGroup
}

// New constructs a Scheduler over an already-open Store. debugMode mirrors
// PICA_TASK_DEBUG (config.Config.Debug): when set, failTask appends a
// truncated stack trace to the failure message.
func New(st *store.Store, policyStore *policy.Store, storageDir string, logger *slog.Logger, governor *bandwidth.Governor, debugMode bool) *Scheduler {
	return &Scheduler{
		st:           st,
		policyStore:  policyStore,
		queue:        NewQueue(),
		storageDir:   storageDir,
		logger:       logger,
		governor:     governor,
		statsTracker: stats.New(st),
		userAgent:    "PicaComic-Server/1.0",
		debug:        debugMode,
		running:      make(map[string]struct{}),
		clients:      make(map[string]*http.Client),
	}
}

// Start performs boot recovery (§4.6) and launches the pump loop.
func (s *Scheduler) Start() error {
	recovered, err := s.st.BootRecovery()
	if err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}
	for _, t := range recovered {
		s.queue.Push(t.ID)
		s.logger.Info("requeued task after restart", "taskId", t.ID)
	}

	s.wg.Add(1)
	go s.pumpLoop()
	return nil
}

// Shutdown signals the pump loop to stop accepting new work and waits for
// in-flight tasks to notice their stop tokens. It does not itself cancel
// running tasks; callers that want a clean exit should Cancel them first.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.queue.Broadcast()
	s.wg.Wait()
}

func (s *Scheduler) maxConcurrent() int {
	return s.policyStore.Get().MaxConcurrent
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// pumpLoop is §4.7's pump: while running < maxConcurrent and the queue is
// non-empty, dequeue and spawn a worker; re-entered from each worker's
// completion.
func (s *Scheduler) pumpLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if s.runningCount() >= s.maxConcurrent() || s.queue.Len() == 0 {
			s.queue.Wait()
			continue
		}

		id, ok := s.queue.Pop()
		if !ok {
			continue
		}

		s.mu.Lock()
		s.running[id] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(taskID string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.running, taskID)
				delete(s.clients, taskID)
				s.mu.Unlock()
				s.st.DropToken(taskID)
				s.queue.Signal()
			}()
			s.runTask(taskID)
		}(id)
	}
}

// Enqueue implements createDownloadTask per §4.6: rejects a canonical-id
// collision or an active duplicate, otherwise inserts a queued row and
// enqueues it.
func (s *Scheduler) Enqueue(source, target string, paramsJSON []byte, taskID string) (store.Task, error) {
	src := sources.Source(source)
	if !src.Valid() {
		return store.Task{}, &sources.ArgumentError{Msg: "unknown source: " + source}
	}
	canonicalID, err := sources.CanonicalID(src, target)
	if err != nil {
		return store.Task{}, err
	}

	task, err := s.st.CreateTask(taskID, "download", source, target, paramsJSON, canonicalID)
	if err != nil {
		return store.Task{}, err
	}

	s.queue.Push(task.ID)
	return task, nil
}

// runTask implements §4.7's runTask steps 1-9.
func (s *Scheduler) runTask(id string) {
	task, err := s.st.GetTask(id)
	if err != nil {
		s.logger.Warn("runTask: task vanished before start", "taskId", id, "error", err)
		return
	}

	tok := s.st.Token(id)
	if tok.Mode() != stoptoken.None {
		return
	}

	canonicalID, err := sources.CanonicalID(sources.Source(task.Source), task.Target)
	if err == nil {
		if _, getErr := s.st.GetLibraryRow(canonicalID); getErr == nil {
			s.st.SetStatus(id, store.StatusSucceeded, strPtr("already downloaded"), false, &canonicalID)
			return
		}
	}

	if err := s.st.SetStatus(id, store.StatusRunning, nil, true, nil); err != nil {
		s.logger.Error("failed to mark task running", "taskId", id, "error", err)
		return
	}

	workDir := filepath.Join(s.storageDir, "tasks", id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.failTask(id, err)
		return
	}

	if err := diskspace.Check(s.storageDir, 0); err != nil {
		s.failTask(id, &sources.ArgumentError{Msg: err.Error()})
		return
	}

	client := s.newClientFor(id)
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()

	adapter, err := sources.NewAdapter(sources.Source(task.Source))
	if err != nil {
		s.failTask(id, err)
		return
	}

	auth, err := s.loadAuth(task.Source)
	if err != nil {
		s.failTask(id, err)
		return
	}

	params, err := sources.ParseParams(task.Params)
	if err != nil {
		s.failTask(id, err)
		return
	}

	reporter := progress.New(taskProgressSink{st: s.st, taskID: id})
	pol := s.policyStore.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if stoptoken.Check(tok) != nil {
					client.CloseIdleConnections()
					cancel()
					return
				}
			}
		}
	}()

	rc := &sources.RunContext{
		Ctx:       ctx,
		Client:    client,
		WorkDir:   workDir,
		Auth:      auth,
		Target:    task.Target,
		Params:    params,
		Progress:  reporter,
		Stop:      tok,
		Policy:    pol,
		Source:    sources.Source(task.Source),
		UserAgent: s.userAgent,
		Governor:  s.governor,
	}

	comic, runErr := adapter.Run(rc)

	if stopped, ok := stoptoken.As(runErr); ok {
		switch stopped.Mode {
		case stoptoken.Pause:
			s.st.SetStatus(id, store.StatusPaused, nil, true, nil)
		case stoptoken.Cancel:
			os.RemoveAll(workDir)
			s.st.SetStatus(id, store.StatusCanceled, nil, true, nil)
		}
		return
	}

	if runErr != nil {
		s.failTask(id, runErr)
		return
	}

	if err := s.applyOverrides(rc, comic); err != nil {
		s.failTask(id, err)
		return
	}

	result, err := commit.Commit(s.st, s.storageDir, workDir, comic)
	if err != nil {
		s.failTask(id, err)
		return
	}
	if err := s.statsTracker.TrackCommit(result.Size); err != nil {
		s.logger.Warn("stats tracking failed", "taskId", id, "error", err)
	}

	reporter.Flush()
	s.st.SetStatus(id, store.StatusSucceeded, nil, true, &comic.ID)
}

// applyOverrides honors the operator-supplied title/coverUrl params
// (§6's `POST /tasks/download` body) once an adapter has finished: a
// blank scraped title is replaced, and a missing staging cover is
// fetched from the supplied URL before commit.
func (s *Scheduler) applyOverrides(rc *sources.RunContext, comic *sources.DownloadedComic) error {
	if rc.Params.Title != "" && comic.Title == "" {
		comic.Title = rc.Params.Title
	}
	if rc.Params.CoverURL == "" {
		return nil
	}
	coverPath := filepath.Join(rc.WorkDir, "cover.jpg")
	if _, err := os.Stat(coverPath); err == nil {
		return nil
	}
	return httpfetch.DownloadToFile(rc.Ctx, rc.Client, rc.Params.CoverURL, coverPath, httpfetch.Options{
		Timeout:  2 * time.Minute,
		Retries:  rc.Policy.FileRetries(string(rc.Source)),
		Governor: rc.Governor,
	}, rc.Stop)
}

// failTask implements §4.7 step 9's failure message: "download failed:
// <e>" plus a short stack head, or the truncated full stack when
// PICA_TASK_DEBUG=1 asks for more to diagnose with.
func (s *Scheduler) failTask(id string, err error) {
	msg := "download failed: " + err.Error() + stackSuffix(s.debug)
	s.logger.Warn("task failed", "taskId", id, "error", err)
	s.st.SetStatus(id, store.StatusFailed, &msg, false, nil)
}

const (
	shortStackLines = 4
	maxDebugStack   = 4096
)

// stackSuffix renders the caller's stack trace (taken at the failTask call
// site) as a short head normally, or a truncated full trace in debug mode.
func stackSuffix(debugMode bool) string {
	stack := string(debug.Stack())
	lines := strings.Split(strings.TrimRight(stack, "\n"), "\n")

	if !debugMode {
		if len(lines) > shortStackLines {
			lines = lines[:shortStackLines]
		}
		return "\n" + strings.Join(lines, "\n")
	}

	if len(stack) > maxDebugStack {
		stack = stack[:maxDebugStack] + "\n... (truncated)"
	}
	return "\n" + stack
}

func (s *Scheduler) newClientFor(taskID string) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   25 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{Transport: transport}

	s.mu.Lock()
	s.clients[taskID] = client
	s.mu.Unlock()
	return client
}

func (s *Scheduler) loadAuth(source string) (sources.Auth, error) {
	blob, err := s.st.GetAuthBlob(source)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return sources.Auth{}, nil
		}
		return nil, err
	}
	var auth sources.Auth
	if blob.BlobJSON != "" {
		if err := json.Unmarshal([]byte(blob.BlobJSON), &auth); err != nil {
			return nil, &sources.ArgumentError{Msg: "stored auth blob is corrupt: " + err.Error()}
		}
	}
	return auth, nil
}

// Pause implements the "pause" control from §4.7's external controls table.
func (s *Scheduler) Pause(id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusQueued:
		s.queue.Remove(id)
		return s.st.SetStatus(id, store.StatusPaused, nil, false, nil)
	case store.StatusRunning:
		s.st.Token(id).Signal(stoptoken.Pause)
		return nil
	default:
		return fmt.Errorf("cannot pause task in status %s", task.Status)
	}
}

// Resume implements the "resume" control.
func (s *Scheduler) Resume(id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusPaused, store.StatusFailed:
		if err := s.st.SetStatus(id, store.StatusQueued, nil, true, nil); err != nil {
			return err
		}
		s.queue.Push(id)
		return nil
	default:
		return fmt.Errorf("cannot resume task in status %s", task.Status)
	}
}

// Cancel implements the "cancel" control.
func (s *Scheduler) Cancel(id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusQueued:
		s.queue.Remove(id)
		os.RemoveAll(filepath.Join(s.storageDir, "tasks", id))
		return s.st.SetStatus(id, store.StatusCanceled, nil, true, nil)
	case store.StatusRunning:
		s.st.Token(id).Signal(stoptoken.Cancel)
		return nil
	case store.StatusPaused, store.StatusFailed:
		os.RemoveAll(filepath.Join(s.storageDir, "tasks", id))
		return s.st.SetStatus(id, store.StatusCanceled, nil, true, nil)
	default:
		return fmt.Errorf("cannot cancel task in status %s", task.Status)
	}
}

// Retry implements the "retry" control.
func (s *Scheduler) Retry(id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusFailed, store.StatusCanceled, store.StatusPaused:
		if err := s.st.SetStatus(id, store.StatusQueued, nil, true, nil); err != nil {
			return err
		}
		s.queue.Push(id)
		return nil
	default:
		return fmt.Errorf("cannot retry task in status %s", task.Status)
	}
}

// Delete implements the "delete" control: refused while running.
func (s *Scheduler) Delete(id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status == store.StatusRunning {
		return store.ErrTaskRunning
	}
	s.queue.Remove(id)
	os.RemoveAll(filepath.Join(s.storageDir, "tasks", id))
	return s.st.DeleteTask(id)
}

// SetMaxConcurrent swaps the live policy's ceiling and wakes the pump loop
// so a raised ceiling resumes pumping immediately, per §4.7.
func (s *Scheduler) SetMaxConcurrent(v int) policy.Snapshot {
	next := s.policyStore.Swap(s.policyStore.Get().WithMaxConcurrent(v))
	s.queue.Broadcast()
	return next
}

// SetFileConcurrentDefault swaps the live policy's per-file fan-out default.
func (s *Scheduler) SetFileConcurrentDefault(v int) policy.Snapshot {
	return s.policyStore.Swap(s.policyStore.Get().WithFileConcurrentDefault(v))
}

// Policy exposes the current policy snapshot for the config endpoint.
func (s *Scheduler) Policy() policy.Snapshot {
	return s.policyStore.Get()
}

type taskProgressSink struct {
	st     *store.Store
	taskID string
}

func (t taskProgressSink) SetProgress(downloaded, total int64, message string) {
	t.st.SetProgress(t.taskID, downloaded, total, message)
}

func strPtr(s string) *string { return &s }
