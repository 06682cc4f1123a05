package regstore

import (
	"path/filepath"
	"testing"
	"time"

	"hookbridge/internal/domain"
	"hookbridge/internal/store"
)

func TestBindingUpsertPurgesStaleOwnerForSameURL(t *testing.T) {
	s, err := store.Open[domain.Binding](filepath.Join(t.TempDir(), "bindings.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bs := NewBindingStore(s)

	if err := bs.Upsert(domain.Binding{OwnerID: "ou_old", CallbackURL: "https://a.example/cb"}); err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	if err := bs.Upsert(domain.Binding{OwnerID: "ou_new", CallbackURL: "https://a.example/cb"}); err != nil {
		t.Fatalf("Upsert new: %v", err)
	}

	if _, ok := bs.Get("ou_old"); ok {
		t.Error("stale owner binding should have been purged")
	}
	if _, ok := bs.Get("ou_new"); !ok {
		t.Error("new owner binding should be present")
	}
}

func TestBindingUpsertLeavesDistinctURLsAlone(t *testing.T) {
	s, _ := store.Open[domain.Binding](filepath.Join(t.TempDir(), "bindings.json"))
	bs := NewBindingStore(s)

	bs.Upsert(domain.Binding{OwnerID: "ou_1", CallbackURL: "https://a.example/cb"})
	bs.Upsert(domain.Binding{OwnerID: "ou_2", CallbackURL: "https://b.example/cb"})

	if _, ok := bs.Get("ou_1"); !ok {
		t.Error("ou_1 binding should survive (different callback_url)")
	}
	if _, ok := bs.Get("ou_2"); !ok {
		t.Error("ou_2 binding should be present")
	}
}

func TestBindingAuthTokenForOwner(t *testing.T) {
	s, _ := store.Open[domain.Binding](filepath.Join(t.TempDir(), "bindings.json"))
	bs := NewBindingStore(s)
	bs.Upsert(domain.Binding{OwnerID: "ou_1", CallbackURL: "https://a.example/cb", AuthToken: "tok-1"})

	tok, ok := bs.AuthTokenForOwner("ou_1")
	if !ok || tok != "tok-1" {
		t.Errorf("AuthTokenForOwner = (%q, %v), want (tok-1, true)", tok, ok)
	}

	if _, ok := bs.AuthTokenForOwner("ou_missing"); ok {
		t.Error("AuthTokenForOwner should miss for unknown owner")
	}
}

func TestBindingPruneStale(t *testing.T) {
	s, _ := store.Open[domain.Binding](filepath.Join(t.TempDir(), "bindings.json"))
	bs := NewBindingStore(s)
	now := time.Now()

	bs.Upsert(domain.Binding{OwnerID: "ou_old", CallbackURL: "https://a.example/cb", UpdatedAt: now.Add(-40 * 24 * time.Hour)})
	bs.Upsert(domain.Binding{OwnerID: "ou_fresh", CallbackURL: "https://b.example/cb", UpdatedAt: now})

	removed, err := bs.PruneStale(now)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := bs.Get("ou_old"); ok {
		t.Error("stale binding should be pruned")
	}
	if _, ok := bs.Get("ou_fresh"); !ok {
		t.Error("fresh binding should survive")
	}
}

func TestAuthTokenStoreSetGet(t *testing.T) {
	s, _ := store.Open[domain.AuthTokenRecord](filepath.Join(t.TempDir(), "authtoken.json"))
	as := NewAuthTokenStore(s)

	if _, ok := as.Get(); ok {
		t.Error("Get should miss before any Set")
	}

	rec := domain.AuthTokenRecord{OwnerID: "ou_1", AuthToken: "tok-1", UpdatedAt: time.Now()}
	if err := as.Set(rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := as.Get()
	if !ok || got.AuthToken != "tok-1" {
		t.Errorf("Get = (%+v, %v), want tok-1", got, ok)
	}

	// A second registration overwrites the single row rather than adding one.
	as.Set(domain.AuthTokenRecord{OwnerID: "ou_1", AuthToken: "tok-2", UpdatedAt: time.Now()})
	got, _ = as.Get()
	if got.AuthToken != "tok-2" {
		t.Errorf("AuthToken = %q, want tok-2 after re-registration", got.AuthToken)
	}
}

func TestChatSessionStoreRoundTrip(t *testing.T) {
	s, _ := store.Open[domain.ChatSessionRecord](filepath.Join(t.TempDir(), "chats.json"))
	cs := NewChatSessionStore(s)

	rec := domain.ChatSessionRecord{SessionID: "sess-1", ChatID: "oc_1", UpdatedAt: time.Now()}
	if err := cs.Set(rec); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := cs.Get("sess-1")
	if !ok || got.ChatID != "oc_1" {
		t.Errorf("Get = (%+v, %v)", got, ok)
	}
}

func TestChatSessionStorePruneStale(t *testing.T) {
	s, _ := store.Open[domain.ChatSessionRecord](filepath.Join(t.TempDir(), "chats.json"))
	cs := NewChatSessionStore(s)
	now := time.Now()

	cs.Set(domain.ChatSessionRecord{SessionID: "old", ChatID: "oc_1", UpdatedAt: now.Add(-8 * 24 * time.Hour)})
	cs.Set(domain.ChatSessionRecord{SessionID: "fresh", ChatID: "oc_2", UpdatedAt: now})

	removed, err := cs.PruneStale(now)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestMessageSessionStoreRoundTrip(t *testing.T) {
	s, _ := store.Open[domain.MessageSessionRecord](filepath.Join(t.TempDir(), "msgsessions.json"))
	ms := NewMessageSessionStore(s)

	rec := domain.MessageSessionRecord{MessageID: "om_1", SessionID: "sess-1", ProjectDir: "/tmp/proj", CallbackURL: "https://a.example/cb", CreatedAt: time.Now()}
	if err := ms.Set(rec); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := ms.Get("om_1")
	if !ok || got.SessionID != "sess-1" {
		t.Errorf("Get = (%+v, %v)", got, ok)
	}
}
