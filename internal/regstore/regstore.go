// Package regstore wraps internal/store.Store for the four named maps the
// Gateway and Backend keep: bindings (Gateway), the auth token row
// (Backend), chat sessions (Backend), and message-to-session routing
// (Gateway). Each wrapper adds the keying and upsert rules spec.md assigns
// to that map; internal/store already gives atomic persistence, TTL pruning
// and a bumped version.
package regstore

import (
	"time"

	"hookbridge/internal/domain"
	"hookbridge/internal/store"
)

// bindingTTL matches spec.md's 30-day inactivity expiry for a registration.
const bindingTTL = 30 * 24 * time.Hour

// chatSessionTTL and messageSessionTTL are both spec'd at 7 days.
const (
	chatSessionTTL    = 7 * 24 * time.Hour
	messageSessionTTL = 7 * 24 * time.Hour
)

// BindingStore holds the Gateway's owner_id -> Binding map, keyed by
// owner_id. There is at most one Binding per callback_url: Upsert purges any
// other owner's row that already points at the same URL before writing the
// new one, so a re-registration from a different owner_id against the same
// Backend instance replaces rather than duplicates.
type BindingStore struct {
	store *store.Store[domain.Binding]
}

func NewBindingStore(s *store.Store[domain.Binding]) *BindingStore {
	return &BindingStore{store: s}
}

// Upsert writes b, first removing any existing binding (under a different
// owner_id) that shares b.CallbackURL.
func (bs *BindingStore) Upsert(b domain.Binding) error {
	var stale []string
	bs.store.Range(func(ownerID string, existing domain.Binding) bool {
		if ownerID != b.OwnerID && existing.CallbackURL == b.CallbackURL {
			stale = append(stale, ownerID)
		}
		return true
	})
	for _, ownerID := range stale {
		if err := bs.store.Delete(ownerID); err != nil {
			return err
		}
	}
	return bs.store.Set(b.OwnerID, b)
}

// Get returns the binding for owner_id.
func (bs *BindingStore) Get(ownerID string) (domain.Binding, bool) {
	return bs.store.Get(ownerID)
}

// Delete removes the binding for owner_id (the card Unbind action).
func (bs *BindingStore) Delete(ownerID string) error {
	return bs.store.Delete(ownerID)
}

// AuthTokenForOwner implements internal/authtoken.BindingLookup: it returns
// the token stored for owner_id so Verify can recompute and compare it
// against the header on an incoming owner-authenticated request.
func (bs *BindingStore) AuthTokenForOwner(ownerID string) (string, bool) {
	b, ok := bs.store.Get(ownerID)
	if !ok {
		return "", false
	}
	return b.AuthToken, true
}

// PruneStale removes bindings whose UpdatedAt is older than bindingTTL.
func (bs *BindingStore) PruneStale(now time.Time) (int, error) {
	return bs.store.Prune(store.OlderThan[domain.Binding](now.Add(-bindingTTL)))
}

// AuthTokenStore holds the Backend's single row recording the token it was
// last issued by the Gateway, keyed by a constant so Set always overwrites
// in place on re-registration.
type AuthTokenStore struct {
	store *store.Store[domain.AuthTokenRecord]
}

const authTokenKey = "current"

func NewAuthTokenStore(s *store.Store[domain.AuthTokenRecord]) *AuthTokenStore {
	return &AuthTokenStore{store: s}
}

// Get returns the current token row, if one has ever been set.
func (as *AuthTokenStore) Get() (domain.AuthTokenRecord, bool) {
	return as.store.Get(authTokenKey)
}

// Set overwrites the current token row.
func (as *AuthTokenStore) Set(rec domain.AuthTokenRecord) error {
	return as.store.Set(authTokenKey, rec)
}

// ChatSessionStore is the Backend's session_id -> ChatSessionRecord map.
type ChatSessionStore struct {
	store *store.Store[domain.ChatSessionRecord]
}

func NewChatSessionStore(s *store.Store[domain.ChatSessionRecord]) *ChatSessionStore {
	return &ChatSessionStore{store: s}
}

func (cs *ChatSessionStore) Get(sessionID string) (domain.ChatSessionRecord, bool) {
	return cs.store.Get(sessionID)
}

func (cs *ChatSessionStore) Set(rec domain.ChatSessionRecord) error {
	return cs.store.Set(rec.SessionID, rec)
}

// PruneStale removes session records untouched for longer than the 7-day
// TTL spec.md assigns this map.
func (cs *ChatSessionStore) PruneStale(now time.Time) (int, error) {
	return cs.store.Prune(store.OlderThan[domain.ChatSessionRecord](now.Add(-chatSessionTTL)))
}

// MessageSessionStore is the Gateway's message_id -> MessageSessionRecord
// map, letting a later /reply resolve back to the session and callback_url
// that produced the message it's replying to.
type MessageSessionStore struct {
	store *store.Store[domain.MessageSessionRecord]
}

func NewMessageSessionStore(s *store.Store[domain.MessageSessionRecord]) *MessageSessionStore {
	return &MessageSessionStore{store: s}
}

func (ms *MessageSessionStore) Get(messageID string) (domain.MessageSessionRecord, bool) {
	return ms.store.Get(messageID)
}

func (ms *MessageSessionStore) Set(rec domain.MessageSessionRecord) error {
	return ms.store.Set(rec.MessageID, rec)
}

// PruneStale removes message-session records older than the 7-day TTL.
func (ms *MessageSessionStore) PruneStale(now time.Time) (int, error) {
	return ms.store.Prune(store.OlderThan[domain.MessageSessionRecord](now.Add(-messageSessionTTL)))
}
