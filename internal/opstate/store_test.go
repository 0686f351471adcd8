package opstate

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsertDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("email_poll", "u1:INBOX", "41"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Set("email_poll", "u1:INBOX", "42"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	val, err := s.Get("email_poll", "u1:INBOX")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "42" {
		t.Errorf("Get() = %q, want %q", val, "42")
	}

	if err := s.Delete("email_poll", "u1:INBOX"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if val, _ := s.Get("email_poll", "u1:INBOX"); val != "" {
		t.Errorf("Get() after Delete = %q, want empty", val)
	}
}

func TestNamespacesIsolated(t *testing.T) {
	s := testStore(t)

	if err := s.Set("a", "k", "1"); err != nil {
		t.Fatal(err)
	}
	if val, _ := s.Get("b", "k"); val != "" {
		t.Errorf("namespace b sees %q from namespace a", val)
	}
}
