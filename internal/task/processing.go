package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"gravity/internal/downloader"
	"gravity/internal/file"
)

const msgSystemFailure = "the service ran into trouble processing this download, please try again later"

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.jobs:
			if !ok {
				return
			}
			m.processJob(ctx, job)
		}
	}
}

// processJob drives one task end-to-end: pending -> downloading ->
// {completed | failed}. Every failure path, including panics from the
// downloader, ends in a status update; a worker never crashes the pool.
func (m *Manager) processJob(ctx context.Context, job Job) {
	if err := m.store.UpdateStatus(ctx, job.TaskID, StatusDownloading, "", ""); err != nil {
		// deleted between enqueue and pickup, nothing to do
		if errors.Is(err, ErrTaskNotFound) {
			log.Info().Str("task_id", job.TaskID).Msg("task deleted before pickup")
			return
		}
		log.Error().Str("task_id", job.TaskID).Err(err).Msg("mark downloading failed")
	}

	// one wall-clock budget covers every attempt and the backoffs
	// between them; a hung download never holds a worker past the limit
	jobCtx, cancel := context.WithTimeout(ctx, m.taskTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		result, err := m.runDownload(jobCtx, job)
		if err == nil {
			m.finishCompleted(ctx, job, result)
			return
		}
		lastErr = err
		log.Warn().Str("task_id", job.TaskID).Int("attempt", attempt).Err(err).Msg("download attempt failed")

		if attempt == m.maxAttempts || jobCtx.Err() != nil {
			break
		}
		if !sleepCtx(jobCtx, m.retryBackoff<<(attempt-1)) {
			break
		}
	}
	m.finishFailed(ctx, job, lastErr)
}

// runDownload performs one attempt, relaying progress lines into the
// store as they arrive. The caller bounds ctx with the per-job limit.
func (m *Manager) runDownload(ctx context.Context, job Job) (result downloader.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("downloader panic: %v", r)
		}
	}()

	onProgress := func(p string) {
		if updErr := m.store.UpdateStatus(ctx, job.TaskID, StatusDownloading, p, ""); updErr != nil && !errors.Is(updErr, ErrTaskNotFound) {
			log.Warn().Str("task_id", job.TaskID).Err(updErr).Msg("progress update failed")
		}
	}

	req := downloader.Request{
		ID:     job.TaskID,
		URL:    job.URL,
		Format: job.Format,
		Audio:  job.Type == MediaAudio,
	}
	staged, err := m.dl.Download(ctx, req, onProgress)
	if err != nil {
		return downloader.Result{}, err
	}

	// only expose the artifact under the download dir once the tool has
	// signalled success; partial files never leave staging
	finalPath := filepath.Join(m.downloadDir, filepath.Base(staged.Path))
	if staged.Path != finalPath {
		if err := file.Move(staged.Path, finalPath); err != nil {
			return downloader.Result{}, fmt.Errorf("publish artifact: %w", err)
		}
	}
	return downloader.Result{Path: finalPath, Size: staged.Size}, nil
}

func (m *Manager) finishCompleted(ctx context.Context, job Job, result downloader.Result) {
	if err := m.store.SetResult(ctx, job.TaskID, result.Path, result.Size); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			// deleted mid-download; the artifact has no record to live on
			_ = file.RemoveIfExists(result.Path)
			return
		}
		log.Error().Str("task_id", job.TaskID).Err(err).Msg("record result failed")
		return
	}
	m.appendHistory(ctx, job, StatusCompleted, "", result.Size)
	log.Info().Str("task_id", job.TaskID).Str("path", result.Path).Int64("size", result.Size).Msg("task completed")
}

func (m *Manager) finishFailed(ctx context.Context, job Job, cause error) {
	msg := failureMessage(cause)
	if err := m.store.UpdateStatus(ctx, job.TaskID, StatusFailed, "", msg); err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			log.Error().Str("task_id", job.TaskID).Err(err).Msg("record failure failed")
		}
		return
	}
	m.appendHistory(ctx, job, StatusFailed, msg, 0)
	log.Warn().Str("task_id", job.TaskID).Str("error", msg).Msg("task failed")
}

// failureMessage distinguishes "this video cannot be downloaded" from
// "the service is having trouble". Tool diagnostics arrive already
// normalized by the downloader's translation table.
func failureMessage(cause error) string {
	if cause == nil {
		return msgSystemFailure
	}
	var toolErr *downloader.ToolError
	if errors.As(cause, &toolErr) {
		return toolErr.Message
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return "the download exceeded the time limit and was aborted"
	}
	return msgSystemFailure
}

func (m *Manager) appendHistory(ctx context.Context, job Job, status Status, errMsg string, size int64) {
	title := ""
	if t, err := m.store.Get(ctx, job.TaskID); err == nil {
		title = t.Title
	}
	entry := &HistoryEntry{
		TaskID:     job.TaskID,
		URL:        job.URL,
		Title:      title,
		Status:     status,
		Error:      errMsg,
		FileSize:   size,
		FinishedAt: time.Now(),
	}
	if err := m.store.AppendHistory(ctx, entry, m.historyLimit); err != nil {
		log.Warn().Str("task_id", job.TaskID).Err(err).Msg("append history failed")
	}
}

// sweepLoop purges expired records and artifacts, plus staging leftovers
// from interrupted transfers. Best effort; the read path never depends
// on it.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.taskTTL)
	paths, err := m.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("purge expired failed")
		return
	}
	for _, p := range paths {
		if err := file.RemoveIfExists(p); err != nil {
			log.Warn().Str("path", p).Err(err).Msg("remove expired artifact failed")
		}
	}
	if len(paths) > 0 {
		log.Info().Int("count", len(paths)).Msg("expired tasks purged")
	}
	m.sweepStaging()
}

func (m *Manager) sweepStaging() {
	entries, err := os.ReadDir(m.stagingDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if time.Since(info.ModTime()) > staleStagingAge {
			_ = os.Remove(filepath.Join(m.stagingDir, e.Name()))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
