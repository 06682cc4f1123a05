package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeRecord struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r fakeRecord) UpdatedAtTime() time.Time { return r.UpdatedAt }

func TestOpenNonExistentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "nested", "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec := fakeRecord{Value: "hello", UpdatedAt: time.Now()}
	if err := s.Set("k1", rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get("k1")
	if !ok {
		t.Fatal("Get: expected key to exist")
	}
	if got.Value != "hello" {
		t.Errorf("Value = %q, want %q", got.Value, "hello")
	}
}

func TestSetPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	s1, err := Open[fakeRecord](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set("k1", fakeRecord{Value: "persisted", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := Open[fakeRecord](path)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	got, ok := s2.Get("k1")
	if !ok {
		t.Fatal("Get after reopen: expected key to exist")
	}
	if got.Value != "persisted" {
		t.Errorf("Value = %q, want %q", got.Value, "persisted")
	}
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s, err := Open[fakeRecord](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set("k1", fakeRecord{Value: "x", UpdatedAt: time.Now()})

	if err := s.Delete("k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("k1"); ok {
		t.Error("Get after Delete: expected key to be gone")
	}

	s2, _ := Open[fakeRecord](path)
	if _, ok := s2.Get("k1"); ok {
		t.Error("reopened store: expected key to be gone")
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Delete("missing"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestVersionBumpsOnWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Version() != 0 {
		t.Fatalf("initial Version() = %d, want 0", s.Version())
	}
	s.Set("k1", fakeRecord{Value: "a", UpdatedAt: time.Now()})
	if s.Version() != 1 {
		t.Errorf("Version() after one Set = %d, want 1", s.Version())
	}
	s.Set("k2", fakeRecord{Value: "b", UpdatedAt: time.Now()})
	if s.Version() != 2 {
		t.Errorf("Version() after two Sets = %d, want 2", s.Version())
	}
}

func TestPruneRemovesOlderThanCutoff(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now()
	s.Set("old", fakeRecord{Value: "old", UpdatedAt: now.Add(-8 * 24 * time.Hour)})
	s.Set("fresh", fakeRecord{Value: "fresh", UpdatedAt: now})

	removed, err := s.Prune(OlderThan[fakeRecord](now.Add(-7 * 24 * time.Hour)))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get("old"); ok {
		t.Error("expected 'old' to be pruned")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("expected 'fresh' to survive")
	}
}

func TestPruneNoMatchesDoesNotRewriteVersion(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set("k1", fakeRecord{Value: "x", UpdatedAt: time.Now()})
	before := s.Version()

	removed, err := s.Prune(func(string, fakeRecord) bool { return false })
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if s.Version() != before {
		t.Errorf("Version() changed on a no-op prune: %d -> %d", before, s.Version())
	}
}

func TestRangeVisitsAllEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[fakeRecord](filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set("k1", fakeRecord{Value: "a", UpdatedAt: time.Now()})
	s.Set("k2", fakeRecord{Value: "b", UpdatedAt: time.Now()})

	seen := map[string]bool{}
	s.Range(func(key string, _ fakeRecord) bool {
		seen[key] = true
		return true
	})
	if !seen["k1"] || !seen["k2"] {
		t.Errorf("Range did not visit all keys: %v", seen)
	}
}

func TestWriteIsAtomicViaTempFileRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s, err := Open[fakeRecord](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("k1", fakeRecord{Value: "a", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be renamed away, not left behind")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected final store file to exist: %v", err)
	}
}
