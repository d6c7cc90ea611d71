package buildlog

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.db")

	// Create database
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	// Reopen database
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	// Verify we can query it
	var count int
	err = s2.db.QueryRow("SELECT COUNT(*) FROM builds").Scan(&count)
	if err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.db")

	// Open multiple times
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	// Final open should work
	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	// Verify schema is intact
	var name string
	err = s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='builds'",
	).Scan(&name)
	if err != nil {
		t.Errorf("builds table not found after idempotent opens: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	// Try to open in non-existent directory
	path := "/nonexistent/dir/builds.db"

	_, err := Open(path)
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	err := s.Close()
	if err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	// First close should succeed
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}

	// Second close should not panic (though may error)
	_ = s.Close()
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := openTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := openTestStore(t)

	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := openTestStore(t)

	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	s := openTestStore(t)

	// ON = 1
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

// Schema tests

func TestSchema_BuildsTable(t *testing.T) {
	s := openTestStore(t)

	columns := getTableColumns(t, s.db, "builds")

	expected := []string{
		"id", "key", "name", "toolchain", "status", "duration_ms", "output", "created_at",
	}

	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("builds table missing column %q", col)
		}
	}
}

func TestSchema_BuildsIndexes(t *testing.T) {
	s := openTestStore(t)

	indexes := getTableIndexes(t, s.db, "builds")

	expected := []string{
		"idx_builds_key",
		"idx_builds_created_at",
	}

	for _, idx := range expected {
		if !contains(indexes, idx) {
			t.Errorf("builds table missing index %q", idx)
		}
	}
}

func TestSchema_StatusCheckConstraint(t *testing.T) {
	s := openTestStore(t)

	// Insert bypassing Append to hit the CHECK constraint directly
	_, err := s.db.Exec(`
		INSERT INTO builds (id, key, name, toolchain, status, duration_ms, output, created_at)
		VALUES ('x', 'k', 'n', 'tc', 'weird', 0, '', '2026-01-01T00:00:00Z')
	`)
	if err == nil {
		t.Error("expected CHECK constraint violation for status, got nil")
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := openTestStore(t)

	// Verify user_version is set to currentSchemaVersion
	var version int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}

	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	// Simulate a pre-migration database (version 0)
	path := filepath.Join(t.TempDir(), "builds.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	// Apply schema but leave user_version at 0
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	db.Close()

	// Open through the normal path - should stamp the version
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	err = s.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}

	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d after migration", version, currentSchemaVersion)
	}
}

// Record tests

func TestAppend_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		ID:         "rec-1",
		Key:        "00aabbccddeeff11",
		Name:       "gemm_fp8",
		Toolchain:  "nvcc 12.4 /usr/local/cuda/bin/nvcc",
		Status:     "ok",
		DurationMS: 1234,
		Output:     "warnings galore",
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	records, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List() returned %d records, want 1", len(records))
	}

	got := records[0]
	if got.ID != rec.ID {
		t.Errorf("ID = %q, want %q", got.ID, rec.ID)
	}
	if got.Key != rec.Key {
		t.Errorf("Key = %q, want %q", got.Key, rec.Key)
	}
	if got.Name != rec.Name {
		t.Errorf("Name = %q, want %q", got.Name, rec.Name)
	}
	if got.Toolchain != rec.Toolchain {
		t.Errorf("Toolchain = %q, want %q", got.Toolchain, rec.Toolchain)
	}
	if got.Status != rec.Status {
		t.Errorf("Status = %q, want %q", got.Status, rec.Status)
	}
	if got.DurationMS != rec.DurationMS {
		t.Errorf("DurationMS = %d, want %d", got.DurationMS, rec.DurationMS)
	}
	if got.Output != rec.Output {
		t.Errorf("Output = %q, want %q", got.Output, rec.Output)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestAppend_RejectsUnknownStatus(t *testing.T) {
	s := openTestStore(t)

	err := s.Append(context.Background(), Record{
		ID:        "rec-1",
		Key:       "k",
		Name:      "n",
		Toolchain: "tc",
		Status:    "pending",
		CreatedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error for unknown status, got nil")
	}
}

func TestAppend_RejectsDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{ID: "dup", Key: "k", Name: "n", Toolchain: "tc", Status: "ok", CreatedAt: time.Now()}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("first Append() failed: %v", err)
	}
	if err := s.Append(ctx, rec); err == nil {
		t.Error("expected error for duplicate ID, got nil")
	}
}

func TestList_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		err := s.Append(ctx, Record{
			ID:        id,
			Key:       "k",
			Name:      "n",
			Toolchain: "tc",
			Status:    "ok",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append(%q) failed: %v", id, err)
		}
	}

	records, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(records))
	}
	for i, want := range []string{"c", "b", "a"} {
		if records[i].ID != want {
			t.Errorf("records[%d].ID = %q, want %q", i, records[i].ID, want)
		}
	}
}

func TestList_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.Append(ctx, Record{
			ID:        string(rune('a' + i)),
			Key:       "k",
			Name:      "n",
			Toolchain: "tc",
			Status:    "ok",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	records, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List(2) returned %d records, want 2", len(records))
	}
	if records[0].ID != "e" || records[1].ID != "d" {
		t.Errorf("List(2) = [%q, %q], want [e, d]", records[0].ID, records[1].ID)
	}
}

func TestListByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appends := []struct {
		id  string
		key string
	}{
		{"a", "key1"},
		{"b", "key2"},
		{"c", "key1"},
	}
	for i, ap := range appends {
		err := s.Append(ctx, Record{
			ID:        ap.id,
			Key:       ap.key,
			Name:      "n",
			Toolchain: "tc",
			Status:    "ok",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append(%q) failed: %v", ap.id, err)
		}
	}

	records, err := s.ListByKey(ctx, "key1")
	if err != nil {
		t.Fatalf("ListByKey() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListByKey() returned %d records, want 2", len(records))
	}
	if records[0].ID != "c" || records[1].ID != "a" {
		t.Errorf("ListByKey() = [%q, %q], want [c, a]", records[0].ID, records[1].ID)
	}

	records, err = s.ListByKey(ctx, "missing")
	if err != nil {
		t.Fatalf("ListByKey(missing) failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ListByKey(missing) returned %d records, want 0", len(records))
	}
}

func TestSummarize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id     string
		status string
		ms     int64
	}{
		{"a", "ok", 100},
		{"b", "ok", 300},
		{"c", "failed", 50},
	}
	for _, sd := range seed {
		err := s.Append(ctx, Record{
			ID:         sd.id,
			Key:        "k",
			Name:       "n",
			Toolchain:  "tc",
			Status:     sd.status,
			DurationMS: sd.ms,
			CreatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("Append(%q) failed: %v", sd.id, err)
		}
	}

	st, err := s.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize() failed: %v", err)
	}
	if st.Total != 3 {
		t.Errorf("Total = %d, want 3", st.Total)
	}
	if st.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", st.Succeeded)
	}
	if st.Failed != 1 {
		t.Errorf("Failed = %d, want 1", st.Failed)
	}
	if st.AvgBuildMS != 150 {
		t.Errorf("AvgBuildMS = %v, want 150", st.AvgBuildMS)
	}
	if st.MaxBuildMS != 300 {
		t.Errorf("MaxBuildMS = %d, want 300", st.MaxBuildMS)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := openTestStore(t)

	st, err := s.Summarize(context.Background())
	if err != nil {
		t.Fatalf("Summarize() failed: %v", err)
	}
	if st.Total != 0 || st.Succeeded != 0 || st.Failed != 0 {
		t.Errorf("empty store summarized as %+v, want zeros", st)
	}
}

// Helper functions

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
