package task

import "time"

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// Task is the durable record tracked end-to-end for one download request.
// ID, URL, Format and Type are immutable after creation; everything else
// is mutated only by the worker processing the task.
type Task struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	Type      MediaType `json:"type"`
	Title     string    `json:"title,omitempty"`
	Status    Status    `json:"status"`
	Progress  string    `json:"progress,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is the bounded, time-ordered projection of terminal tasks.
type HistoryEntry struct {
	TaskID     string    `json:"task_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FileSize   int64     `json:"file_size,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Job carries the immutable subset of a task handed to the queue.
// Mutable state (status, progress) always flows through the store.
type Job struct {
	TaskID string
	URL    string
	Format string
	Type   MediaType
}

type Options struct {
	Store           Store
	Downloader      Downloader
	DownloadDir     string
	StagingDir      string
	Workers         int
	QueueDepth      int
	TaskTimeout     time.Duration
	TaskTTL         time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	HistoryLimit    int
	CleanupInterval time.Duration
}

const (
	defaultQueueDepth      = 64
	defaultTaskTimeout     = 30 * time.Minute
	defaultTaskTTL         = 7 * 24 * time.Hour
	defaultMaxAttempts     = 3
	defaultRetryBackoff    = time.Minute
	defaultHistoryLimit    = 20
	defaultCleanupInterval = time.Hour
	staleStagingAge        = time.Hour
)
