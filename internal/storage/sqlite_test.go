package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// testDB opens a fresh database under t.TempDir.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "attest.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_Schema(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"workers", "tasks", "worker_results", "decisions", "conversations", "messages", "payments", "revisions"} {
		var n int
		if err := db.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}

	var fk int
	if err := db.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestNewDB_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attest.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.UpsertWorker(&Worker{ID: "w-1", Specialties: []string{"code_review"}, Status: "active"}); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Migration runs again on reopen and must not disturb existing rows.
	db, err = NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	w, err := db.GetWorker("w-1")
	if err != nil {
		t.Fatalf("GetWorker after reopen: %v", err)
	}
	if len(w.Specialties) != 1 || w.Specialties[0] != "code_review" {
		t.Errorf("specialties = %v", w.Specialties)
	}
}

func TestDB_ClosedRejectsQueries(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "attest.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.GetWorker("w-1"); err == nil {
		t.Fatal("GetWorker on closed DB succeeded")
	}
}

func TestEncodeJSON_NilIsNull(t *testing.T) {
	var scores map[string]float64
	got, err := encodeJSON(scores)
	if err != nil {
		t.Fatalf("encodeJSON: %v", err)
	}
	if got.Valid {
		t.Errorf("nil map encoded as %q, want NULL", got.String)
	}

	got, err = encodeJSON([]string{"a"})
	if err != nil {
		t.Fatalf("encodeJSON: %v", err)
	}
	if !got.Valid || got.String != `["a"]` {
		t.Errorf("encoded = %+v", got)
	}
}

func TestDecodeJSON_NullLeavesValue(t *testing.T) {
	out := []string{"keep"}
	if err := decodeJSON(sql.NullString{}, &out); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if len(out) != 1 || out[0] != "keep" {
		t.Errorf("out = %v", out)
	}
	if err := decodeJSON(sql.NullString{String: "{bad", Valid: true}, &out); err == nil {
		t.Error("malformed JSON decoded without error")
	}
}
