package contacts

import (
	"database/sql"
	"errors"
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

func TestUpsert_InsertThenMerge(t *testing.T) {
	s := testStore(t)

	c := &Contact{UserID: "u1", Name: "Bob Jones", Email: " Bob@Example.com "}
	if err := s.Upsert(c); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if c.ID == "" || c.Email != "bob@example.com" {
		t.Fatalf("stored = %+v", c)
	}
	firstID := c.ID

	// Same address, new details. Empty fields must not clobber.
	update := &Contact{UserID: "u1", Email: "bob@example.com", Company: "Acme"}
	if err := s.Upsert(update); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if update.ID != firstID {
		t.Errorf("ID = %s, want %s", update.ID, firstID)
	}
	if update.Name != "Bob Jones" || update.Company != "Acme" {
		t.Errorf("merged = %+v", update)
	}

	n, err := s.Count("u1")
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v; want 1", n, err)
	}
}

func TestUpsert_RequiresEmail(t *testing.T) {
	s := testStore(t)
	if err := s.Upsert(&Contact{UserID: "u1", Name: "Nobody"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestGet_ScopedByUser(t *testing.T) {
	s := testStore(t)
	c := &Contact{UserID: "u1", Email: "bob@example.com"}
	if err := s.Upsert(c); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("u2", c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(other user) error = %v, want ErrNotFound", err)
	}
	if _, err := s.FindByEmail("u2", "bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByEmail(other user) error = %v, want ErrNotFound", err)
	}
}

func TestResolve(t *testing.T) {
	s := testStore(t)
	c := &Contact{UserID: "u1", Email: "bob@example.com"}
	if err := s.Upsert(c); err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{c.ID, "BOB@example.com"} {
		got, err := s.Resolve("u1", ref)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", ref, err)
		}
		if got.ID != c.ID {
			t.Errorf("Resolve(%q) = %s, want %s", ref, got.ID, c.ID)
		}
	}
	if _, err := s.Resolve("u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v", err)
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)
	for _, c := range []*Contact{
		{UserID: "u1", Name: "Bob Jones", Email: "bob@example.com"},
		{UserID: "u1", Name: "Bobby Tables", Email: "tables@school.edu"},
		{UserID: "u1", Name: "Carol King", Email: "carol@example.com"},
		{UserID: "u2", Name: "Bob Other", Email: "bob@other.com"},
	} {
		if err := s.Upsert(c); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name, email string
		want        int
	}{
		{"bob", "", 2},
		{"", "example.com", 2},
		{"bob", "example", 1},
		{"", "", 3},
		{"zed", "", 0},
		{"100%", "", 0},
	}
	for _, tt := range tests {
		got, err := s.Search("u1", tt.name, tt.email, 0)
		if err != nil {
			t.Fatalf("Search(%q, %q) error: %v", tt.name, tt.email, err)
		}
		if len(got) != tt.want {
			t.Errorf("Search(%q, %q) = %d results, want %d", tt.name, tt.email, len(got), tt.want)
		}
	}
}

func TestNotes(t *testing.T) {
	s := testStore(t)
	c := &Contact{UserID: "u1", Email: "bob@example.com"}
	if err := s.Upsert(c); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddNote("u1", c.ID, "Prefers morning calls"); err != nil {
		t.Fatalf("AddNote() error: %v", err)
	}
	if _, err := s.AddNote("u1", c.ID, "Retiring in 2030"); err != nil {
		t.Fatalf("AddNote() error: %v", err)
	}
	if _, err := s.AddNote("u1", c.ID, "   "); err == nil {
		t.Error("empty note should be rejected")
	}
	if _, err := s.AddNote("u2", c.ID, "cross-user"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddNote(other user) error = %v, want ErrNotFound", err)
	}

	notes, err := s.Notes("u1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 || notes[0].Content != "Prefers morning calls" {
		t.Fatalf("Notes() = %+v", notes)
	}

	recent, err := s.RecentNotes("u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Content != "Retiring in 2030" {
		t.Errorf("RecentNotes() = %+v", recent)
	}
}
