package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/everydev1618/gokernel"
)

func openTestDB(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestPageStoreRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	pages := db.Pages()
	ctx := context.Background()

	content := []byte("evicted page content")
	meta := kernel.PageMeta{AgentID: "agent-1", Kind: kernel.KindDynamic, Importance: 0.4, Tokens: 5}
	if err := pages.Put(ctx, "p1", content, meta); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := pages.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Get() = %q, want %q", got, content)
	}

	// Put is an upsert.
	updated := []byte("revised content")
	if err := pages.Put(ctx, "p1", updated, meta); err != nil {
		t.Fatalf("Put(update) error: %v", err)
	}
	got, _ = pages.Get(ctx, "p1")
	if !bytes.Equal(got, updated) {
		t.Errorf("Get() after update = %q, want %q", got, updated)
	}

	if _, err := pages.Get(ctx, "missing"); !errors.Is(err, kernel.ErrPageNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrPageNotFound", err)
	}

	if err := pages.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := pages.Get(ctx, "p1"); !errors.Is(err, kernel.ErrPageNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrPageNotFound", err)
	}
	if err := pages.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete(unknown) error = %v, want nil", err)
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	checkpoints := db.Checkpoints()
	ctx := context.Background()

	cp := &kernel.Checkpoint{
		ID:         "cp-1",
		ProcessID:  "proc-1",
		Name:       "researcher",
		Priority:   10,
		RunTime:    5 * time.Second,
		TokensUsed: 300,
		CallsUsed:  4,
		Budget:     1000,
		Pages: []kernel.PageSnapshot{
			{ID: "p1", Kind: kernel.KindPinned, Importance: 1, Tokens: 10, Seq: 1, ChangeSeq: 2, Content: []byte("prompt")},
		},
		CreatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := checkpoints.Save(ctx, cp); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := checkpoints.Load(ctx, "cp-1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Name != cp.Name || got.Priority != cp.Priority || got.TokensUsed != cp.TokensUsed {
		t.Errorf("Load() = %s/%d/%d, want %s/%d/%d",
			got.Name, got.Priority, got.TokensUsed, cp.Name, cp.Priority, cp.TokensUsed)
	}
	if len(got.Pages) != 1 || !bytes.Equal(got.Pages[0].Content, []byte("prompt")) {
		t.Error("Load() lost page snapshots")
	}

	if _, err := checkpoints.Load(ctx, "missing"); !errors.Is(err, kernel.ErrCheckpointNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestCheckpointStoreList(t *testing.T) {
	db, _ := openTestDB(t)
	checkpoints := db.Checkpoints()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"cp-a", "cp-b", "cp-c"} {
		cp := &kernel.Checkpoint{
			ID:        id,
			ProcessID: "proc-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := checkpoints.Save(ctx, cp); err != nil {
			t.Fatalf("Save(%s) error: %v", id, err)
		}
	}
	if err := checkpoints.Save(ctx, &kernel.Checkpoint{ID: "cp-other", ProcessID: "proc-2", CreatedAt: base}); err != nil {
		t.Fatalf("Save(other) error: %v", err)
	}

	ids, err := checkpoints.List(ctx, "proc-1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want := []string{"cp-a", "cp-b", "cp-c"}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	if err := checkpoints.Delete(ctx, "cp-b"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ids, _ = checkpoints.List(ctx, "proc-1")
	if len(ids) != 2 {
		t.Errorf("List() after delete = %v, want two ids", ids)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	ctx := context.Background()
	if err := db.Pages().Put(ctx, "p1", []byte("durable"), kernel.PageMeta{AgentID: "a"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite(reopen) error: %v", err)
	}
	defer db.Close()

	got, err := db.Pages().Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(got, []byte("durable")) {
		t.Errorf("Get() after reopen = %q, want %q", got, "durable")
	}
}

func TestSQLiteAsKernelBackingStore(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	m := kernel.NewWindowManager(db.Pages(),
		kernel.WithWindowBudget(60),
		kernel.WithTokenCounter(func(b []byte) int { return len(b) }),
	)

	agent := "agent-1"
	cold, err := m.Allocate(ctx, agent, bytes.Repeat([]byte("c"), 30), 0.1, kernel.KindDynamic)
	if err != nil {
		t.Fatalf("Allocate(cold) error: %v", err)
	}
	if _, err := m.Allocate(ctx, agent, bytes.Repeat([]byte("h"), 40), 0.9, kernel.KindDynamic); err != nil {
		t.Fatalf("Allocate(hot) error: %v", err)
	}

	// cold was evicted to SQLite; accessing it swaps it back in.
	got, err := m.Access(ctx, agent, cold)
	if err != nil {
		t.Fatalf("Access(cold) error: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte("c"), 30)) {
		t.Error("content swapped in from SQLite differs from original")
	}
}
