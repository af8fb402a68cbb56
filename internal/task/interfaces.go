package task

import (
	"context"
	"time"

	"gravity/internal/downloader"
)

// Store abstracts persistence for tasks and the bounded history list.
// The default implementation is SQLite-backed; the interface exists so
// tests can run against the same contract the manager depends on.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	UpdateStatus(ctx context.Context, id string, status Status, progress, errMsg string) error
	SetResult(ctx context.Context, id, filePath string, fileSize int64) error
	Delete(ctx context.Context, id string) (filePath string, err error)
	ListRecent(ctx context.Context, limit, offset int) ([]*Task, int, error)
	AppendHistory(ctx context.Context, entry *HistoryEntry, limit int) error
	ListHistory(ctx context.Context, limit int) ([]*HistoryEntry, error)
	PurgeExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Downloader abstracts the external media tool. Probe runs the
// metadata-only mode; Download performs the transfer, reporting
// free-form progress through onProgress.
type Downloader interface {
	Probe(ctx context.Context, url string) (*downloader.Metadata, error)
	Download(ctx context.Context, req downloader.Request, onProgress func(string)) (downloader.Result, error)
}
