package task

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gravity/internal/downloader"
	"gravity/internal/file"
)

// Manager owns the task queue, the bounded worker pool and the
// orchestration of the external downloader. It is constructed once at
// startup and handed to the HTTP layer; there are no global handles.
type Manager struct {
	store        Store
	dl           Downloader
	downloadDir  string
	stagingDir   string
	taskTimeout  time.Duration
	taskTTL      time.Duration
	retryBackoff time.Duration
	cleanupEvery time.Duration
	maxAttempts  int
	historyLimit int
	workers      int

	jobs      chan Job
	workersWG sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewManagerWithOptions(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = defaultTaskTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return &Manager{
		store:        opts.Store,
		dl:           opts.Downloader,
		downloadDir:  opts.DownloadDir,
		stagingDir:   opts.StagingDir,
		taskTimeout:  opts.TaskTimeout,
		taskTTL:      opts.TaskTTL,
		retryBackoff: opts.RetryBackoff,
		cleanupEvery: opts.CleanupInterval,
		maxAttempts:  opts.MaxAttempts,
		historyLimit: opts.HistoryLimit,
		workers:      opts.Workers,
		jobs:         make(chan Job, opts.QueueDepth),
	}
}

// Start launches the worker pool and the retention sweeper. The context
// bounds all background work; cancel it during shutdown, then WaitAll.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.workersWG.Add(1)
		go func() {
			defer m.workersWG.Done()
			m.workerLoop(ctx)
		}()
	}

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.sweepLoop(ctx)
	}()
}

// Submit runs the synchronous metadata pre-check, creates a pending
// record and enqueues the immutable job. A probe failure leaves no
// partial state behind. Duplicate URLs are deliberately not coalesced.
func (m *Manager) Submit(ctx context.Context, url, format string, mediaType MediaType) (*Task, error) {
	meta, err := m.dl.Probe(ctx, url)
	if err != nil {
		return nil, err
	}

	if format == "" {
		format = "best"
	}
	if mediaType == "" {
		mediaType = MediaVideo
	}
	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		URL:       url,
		Format:    format,
		Type:      mediaType,
		Title:     meta.Title,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := m.enqueue(Job{TaskID: t.ID, URL: t.URL, Format: t.Format, Type: t.Type}); err != nil {
		// the record exists but will never run; mark it failed so the
		// client sees a service-side error rather than eternal pending
		if updErr := m.store.UpdateStatus(ctx, t.ID, StatusFailed, "", msgQueueFailure); updErr != nil {
			log.Error().Str("task_id", t.ID).Err(updErr).Msg("mark unqueued task failed")
		}
		return nil, err
	}
	log.Info().Str("task_id", t.ID).Str("url", url).Msg("task submitted")
	return t, nil
}

// enqueue holds the lock across the send so Close cannot close the
// channel between the closed check and the send.
func (m *Manager) enqueue(job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Get returns the current record; progress written by a worker is
// visible immediately on the next poll.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.store.Get(ctx, id) //nolint:wrapcheck
}

func (m *Manager) ListRecent(ctx context.Context, limit, offset int) ([]*Task, int, error) {
	return m.store.ListRecent(ctx, limit, offset) //nolint:wrapcheck
}

func (m *Manager) ListHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 || limit > m.historyLimit {
		limit = m.historyLimit
	}
	return m.store.ListHistory(ctx, limit) //nolint:wrapcheck
}

// Delete removes the record and its artifact. An in-flight external
// process for the task is not terminated; it finishes on its own and
// its status updates land on a missing record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	filePath, err := m.store.Delete(ctx, id)
	if err != nil {
		return err //nolint:wrapcheck
	}
	if err := file.RemoveIfExists(filePath); err != nil {
		log.Warn().Str("task_id", id).Str("path", filePath).Err(err).Msg("remove artifact failed")
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// Probe exposes the metadata-only call path without creating a task.
func (m *Manager) Probe(ctx context.Context, url string) (*downloader.Metadata, error) {
	return m.dl.Probe(ctx, url) //nolint:wrapcheck
}

// Close stops accepting new jobs. Pending jobs already in the queue are
// drained by the workers until the base context is cancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.jobs)
}

// WaitAll blocks until all workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

const msgQueueFailure = "the service could not queue the download, please try again later"
