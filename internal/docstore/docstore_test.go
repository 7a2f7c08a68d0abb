package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/murmur/internal/document"
	"github.com/lukasbauer/murmur/internal/store"
)

// flakyStore fails SaveDocument while fail is set.
type flakyStore struct {
	store.Store
	fail  atomic.Bool
	saves atomic.Int64
}

func (f *flakyStore) SaveDocument(ctx context.Context, id string, c document.Content, md string, at time.Time) (*document.Version, error) {
	f.saves.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return f.Store.SaveDocument(ctx, id, c, md, at)
}

func newTestService(t *testing.T) (*Service, *flakyStore) {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	fs := &flakyStore{Store: s}
	return New(fs, log.New(io.Discard, "", 0)), fs
}

func TestCreateDefaultsTitle(t *testing.T) {
	svc, _ := newTestService(t)
	doc, err := svc.Create(context.Background(), "u", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if doc.Title != document.DefaultTitle {
		t.Errorf("title = %q, want %q", doc.Title, document.DefaultTitle)
	}
}

func TestMergePersistsVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Notes")

	res, err := svc.Merge(ctx, doc.ID, []document.EditOperation{
		document.AppendItem{Section: "Ideas", Text: "first"},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Version == nil {
		t.Fatal("expected a version")
	}
	if res.Document.Markdown != "## Ideas\n\n- first\n\n" {
		t.Errorf("markdown = %q", res.Document.Markdown)
	}

	versions, err := svc.Versions(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("versions = %d, want 1", len(versions))
	}
}

func TestMergeValidationErrorPersistsNothing(t *testing.T) {
	svc, fs := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Notes")

	_, err := svc.Merge(ctx, doc.ID, []document.EditOperation{
		document.AppendItem{Section: "Ideas", Text: "ok"},
		document.CreateSection{Title: ""},
	})
	if !errors.Is(err, document.ErrInvalidOperation) {
		t.Fatalf("Merge error = %v, want ErrInvalidOperation", err)
	}
	if fs.saves.Load() != 0 {
		t.Errorf("SaveDocument called %d times, want 0", fs.saves.Load())
	}
	snap, _ := svc.Snapshot(ctx, doc.ID)
	if !snap.Content.Empty() {
		t.Errorf("content changed after rejected batch: %+v", snap.Content)
	}
}

func TestMergeUnknownDocument(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Merge(context.Background(), "00000000-0000-0000-0000-000000000000", []document.EditOperation{
		document.CreateSection{Title: "x"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Merge error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentMergesLoseNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Busy")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Merge(ctx, doc.ID, []document.EditOperation{
				document.AppendItem{Section: "Log", Text: fmt.Sprintf("entry %d", i)},
			})
			if err != nil {
				t.Errorf("Merge %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := svc.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	sec, ok := snap.Content.Section("Log")
	if !ok {
		t.Fatal("Log section missing")
	}
	if len(sec.Items) != n {
		t.Fatalf("items = %d, want %d", len(sec.Items), n)
	}
	seen := make(map[string]bool)
	for _, it := range sec.Items {
		if seen[it.Text] {
			t.Errorf("duplicate item %q", it.Text)
		}
		seen[it.Text] = true
	}
	if len(snap.Content.Sections) != 1 {
		t.Errorf("sections = %d, want 1", len(snap.Content.Sections))
	}

	versions, _ := svc.Versions(ctx, doc.ID)
	if len(versions) != n {
		t.Errorf("versions = %d, want %d", len(versions), n)
	}
}

func TestDegradedModeKeepsContent(t *testing.T) {
	svc, fs := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Flaky")

	fs.fail.Store(true)
	res, err := svc.Merge(ctx, doc.ID, []document.EditOperation{
		document.AppendItem{Section: "Ideas", Text: "kept in memory"},
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Merge error = %v, want ErrPersistence", err)
	}
	if !strings.Contains(res.Document.Markdown, "kept in memory") {
		t.Errorf("merged document not returned: %q", res.Document.Markdown)
	}

	snap, _ := svc.Snapshot(ctx, doc.ID)
	if !strings.Contains(snap.Markdown, "kept in memory") {
		t.Error("snapshot lost the in-memory merge")
	}

	fs.fail.Store(false)
	if _, err := svc.Merge(ctx, doc.ID, []document.EditOperation{
		document.AppendItem{Section: "Ideas", Text: "second"},
	}); err != nil {
		t.Fatalf("Merge after recovery failed: %v", err)
	}

	svc.Evict(doc.ID)
	reloaded, err := svc.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := "## Ideas\n\n- kept in memory\n- second\n\n"
	if reloaded.Markdown != want {
		t.Errorf("persisted markdown = %q, want %q", reloaded.Markdown, want)
	}
}

func TestFlushPersistsDirtyDocument(t *testing.T) {
	svc, fs := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Flaky")

	fs.fail.Store(true)
	_, _ = svc.Merge(ctx, doc.ID, []document.EditOperation{document.CreateSection{Title: "Later"}})
	fs.fail.Store(false)

	if err := svc.Flush(ctx, doc.ID); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	svc.Evict(doc.ID)
	snap, _ := svc.Snapshot(ctx, doc.ID)
	if snap.Markdown != "## Later\n\n" {
		t.Errorf("markdown = %q", snap.Markdown)
	}
}

func TestNoOpMergeWritesNoVersion(t *testing.T) {
	svc, fs := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Quiet")

	res, err := svc.Merge(ctx, doc.ID, []document.EditOperation{
		document.MarkDone{Section: "Nowhere", Item: "nothing"},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Version != nil || fs.saves.Load() != 0 {
		t.Error("no-op merge should not persist")
	}
	if len(res.Outcome.Skipped) != 1 {
		t.Errorf("Skipped = %v", res.Outcome.Skipped)
	}
}

func TestRevert(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc, _ := svc.Create(ctx, "u", "Undo")

	first, _ := svc.Merge(ctx, doc.ID, []document.EditOperation{document.AppendItem{Section: "A", Text: "1"}})
	_, _ = svc.Merge(ctx, doc.ID, []document.EditOperation{document.AppendItem{Section: "A", Text: "2"}})

	res, err := svc.Revert(ctx, doc.ID, first.Version.ID)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if res.Document.Markdown != first.Document.Markdown {
		t.Errorf("reverted markdown = %q, want %q", res.Document.Markdown, first.Document.Markdown)
	}
	versions, _ := svc.Versions(ctx, doc.ID)
	if len(versions) != 3 {
		t.Errorf("versions = %d, want 3", len(versions))
	}

	if _, err := svc.Revert(ctx, doc.ID, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revert(missing) error = %v, want ErrNotFound", err)
	}
}
