package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that attempt_log indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_attempt_log_entry", "idx_attempt_log_attempted"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDocument("missing")
	if err != ErrNotFound {
		t.Errorf("GetDocument(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPutDocument_Overwrites(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutDocument("upload_queue", `[{"id":"a"}]`); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	first, err := s.GetDocument("upload_queue")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}

	if err := s.PutDocument("upload_queue", `[]`); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	got, err := s.GetDocument("upload_queue")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Value != "[]" {
		t.Errorf("Value = %q, want %q", got.Value, "[]")
	}
	if got.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v -> %v", first.UpdatedAt, got.UpdatedAt)
	}

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&rows); err != nil {
		t.Fatalf("counting documents: %v", err)
	}
	if rows != 1 {
		t.Errorf("documents rows = %d, want 1", rows)
	}
}

func TestDocuments_Independent(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutDocument("upload_queue", "[]"); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	if err := s.PutDocument("upload_stats", `{"total_captured":1}`); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	q, err := s.GetDocument("upload_queue")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if q.Value != "[]" {
		t.Errorf("queue value = %q, want %q", q.Value, "[]")
	}
	st, err := s.GetDocument("upload_stats")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if st.Value != `{"total_captured":1}` {
		t.Errorf("stats value = %q", st.Value)
	}
}

func TestDocumentPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.PutDocument("upload_queue", `[{"id":"x"}]`); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	d, err := s2.GetDocument("upload_queue")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if d.Value != `[{"id":"x"}]` {
		t.Errorf("Value = %q after reopen", d.Value)
	}
}

func TestRecordAttempt_RecentAttempts(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		entry := "entry-a"
		if i%2 == 1 {
			entry = "entry-b"
		}
		a := Attempt{
			ID:          fmt.Sprintf("att-%d", i),
			EntryID:     entry,
			AttemptedAt: base.Add(time.Duration(i) * time.Second),
			Success:     i == 4,
			StatusCode:  503,
			Error:       "unavailable",
		}
		if i == 4 {
			a.StatusCode = 200
			a.Duplicate = true
			a.Error = ""
		}
		if err := s.RecordAttempt(a); err != nil {
			t.Fatalf("RecordAttempt %d: %v", i, err)
		}
	}

	all, err := s.RecentAttempts("", 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d attempts, want 5", len(all))
	}
	if all[0].ID != "att-4" {
		t.Errorf("newest attempt = %q, want att-4", all[0].ID)
	}
	if !all[0].Success || !all[0].Duplicate || all[0].StatusCode != 200 {
		t.Errorf("newest attempt = %+v, want success duplicate 200", all[0])
	}

	onlyB, err := s.RecentAttempts("entry-b", 10)
	if err != nil {
		t.Fatalf("RecentAttempts(entry-b): %v", err)
	}
	if len(onlyB) != 2 {
		t.Errorf("entry-b attempts = %d, want 2", len(onlyB))
	}

	limited, err := s.RecentAttempts("", 2)
	if err != nil {
		t.Fatalf("RecentAttempts limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited attempts = %d, want 2", len(limited))
	}
}

func TestPruneAttempts(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	old := Attempt{ID: "old", EntryID: "e", AttemptedAt: now.Add(-48 * time.Hour)}
	fresh := Attempt{ID: "fresh", EntryID: "e", AttemptedAt: now}
	for _, a := range []Attempt{old, fresh} {
		if err := s.RecordAttempt(a); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	n, err := s.PruneAttempts(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneAttempts: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	rest, err := s.RecentAttempts("", 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "fresh" {
		t.Errorf("remaining = %+v, want only fresh", rest)
	}
}
