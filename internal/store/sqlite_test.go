package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gravity/internal/task"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string, createdAt time.Time) *task.Task {
	return &task.Task{
		ID:        id,
		URL:       "https://youtube.com/watch?v=" + id,
		Format:    "best",
		Type:      task.MediaVideo,
		Status:    task.StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newTask("t1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.Error != "" || got.FilePath != "" || got.FileSize != 0 {
		t.Fatalf("new task should have empty error and result fields: %+v", got)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newTask("t1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newTask("t1", time.Now())); !errors.Is(err, task.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateStatusVisibleImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newTask("t1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, p := range []string{"10.0%", "55.0%", "100%"} {
		if err := s.UpdateStatus(ctx, "t1", task.StatusDownloading, p, ""); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Progress != p {
			t.Fatalf("expected progress %q, got %q", p, got.Progress)
		}
	}

	if err := s.UpdateStatus(ctx, "absent", task.StatusDownloading, "", ""); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound for absent id, got %v", err)
	}
}

func TestTerminalInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newTask("ok", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newTask("bad", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetResult(ctx, "ok", "/downloads/ok.mp4", 1024); err != nil {
		t.Fatalf("set result: %v", err)
	}
	got, _ := s.Get(ctx, "ok")
	if got.Status != task.StatusCompleted || got.FilePath == "" || got.FileSize != 1024 || got.Error != "" {
		t.Fatalf("completed task violates invariant: %+v", got)
	}

	if err := s.UpdateStatus(ctx, "bad", task.StatusFailed, "", "the video does not exist"); err != nil {
		t.Fatalf("fail task: %v", err)
	}
	got, _ = s.Get(ctx, "bad")
	if got.Status != task.StatusFailed || got.Error == "" || got.FilePath != "" {
		t.Fatalf("failed task violates invariant: %+v", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newTask("t1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetResult(ctx, "t1", "/downloads/t1.mp4", 10); err != nil {
		t.Fatalf("set result: %v", err)
	}

	path, err := s.Delete(ctx, "t1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if path != "/downloads/t1.mp4" {
		t.Fatalf("expected artifact path back, got %q", path)
	}
	if _, err := s.Get(ctx, "t1"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("deleted task still readable: %v", err)
	}
	if _, err := s.Delete(ctx, "t1"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound on second delete, got %v", err)
	}
}

func TestDeleteRacingSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newTask("t1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetResult(ctx, "t1", "/downloads/t1.mp4", 10); err != nil {
		t.Fatalf("set result: %v", err)
	}

	results := make(chan error, 2)
	var paths sync.Map
	for i := 0; i < 2; i++ {
		go func(n int) {
			path, err := s.Delete(ctx, "t1")
			if err == nil {
				paths.Store(n, path)
			}
			results <- err
		}(i)
	}

	var wins, misses int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, task.ErrTaskNotFound):
			misses++
		default:
			t.Fatalf("unexpected delete error: %v", err)
		}
	}
	if wins != 1 || misses != 1 {
		t.Fatalf("exactly one racing delete must win, got wins=%d misses=%d", wins, misses)
	}
	paths.Range(func(_, v any) bool {
		if v != "/downloads/t1.mp4" {
			t.Errorf("winner must receive the artifact path, got %q", v)
		}
		return true
	})
}

func TestListRecentOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		if err := s.Create(ctx, newTask(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	tasks, total, err := s.ListRecent(ctx, 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "t4" || tasks[1].ID != "t3" || tasks[2].ID != "t2" {
		t.Fatalf("wrong ordering: %s %s %s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}

	tasks, _, err = s.ListRecent(ctx, 3, 3)
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" {
		t.Fatalf("wrong offset page: %+v", tasks)
	}
}

func TestHistoryCapEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const historyCap = 5
	base := time.Now().Add(-time.Hour)

	for i := 0; i < historyCap+7; i++ {
		entry := &task.HistoryEntry{
			TaskID:     fmt.Sprintf("t%d", i),
			URL:        "https://youtube.com/watch?v=x",
			Status:     task.StatusCompleted,
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendHistory(ctx, entry, historyCap); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := s.ListHistory(ctx, historyCap+7)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != historyCap {
		t.Fatalf("history exceeded cap: got %d entries", len(entries))
	}
	// survivors are the most recent cap entries, newest first
	for i, e := range entries {
		want := fmt.Sprintf("t%d", historyCap+7-1-i)
		if e.TaskID != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, e.TaskID)
		}
	}
}

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newTask("old", time.Now().Add(-48*time.Hour))
	if err := s.Create(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.SetResult(ctx, "old", "/downloads/old.mp4", 1); err != nil {
		t.Fatalf("set result: %v", err)
	}
	if err := s.Create(ctx, newTask("fresh", time.Now())); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	oldEntry := &task.HistoryEntry{TaskID: "old", URL: old.URL, Status: task.StatusCompleted, FinishedAt: time.Now().Add(-48 * time.Hour)}
	if err := s.AppendHistory(ctx, oldEntry, 20); err != nil {
		t.Fatalf("append history: %v", err)
	}

	paths, err := s.PurgeExpired(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/downloads/old.mp4" {
		t.Fatalf("expected old artifact path, got %v", paths)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expired task should be gone")
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh task should survive: %v", err)
	}
	entries, err := s.ListHistory(ctx, 20)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expired history should be trimmed, got %d entries", len(entries))
	}
}
