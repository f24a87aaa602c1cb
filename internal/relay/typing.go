package relay

import (
	"sync"
	"time"
)

// TypingTracker holds the ephemeral "who is typing" set per conversation.
// Entries expire ttl after the last signal; expired entries are pruned
// lazily on access since every observer also times them out independently.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]map[string]time.Time // conversationID -> userID -> expiresAt
	now     func() time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		ttl:     ttl,
		entries: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Start inserts or re-arms the user's typing entry.
func (t *TypingTracker) Start(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[conversationID]
	if !ok {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	users[userID] = t.now().Add(t.ttl)
}

// Stop removes the user's entry immediately. It reports whether an entry was
// present, so callers know if a stop-typing broadcast is due.
func (t *TypingTracker) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[conversationID]
	if !ok {
		return false
	}
	if _, present := users[userID]; !present {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	return true
}

// Active returns the users currently typing in the conversation, pruning
// expired entries on the way.
func (t *TypingTracker) Active(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(conversationID)

	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}
	active := make([]string, 0, len(users))
	for userID := range users {
		active = append(active, userID)
	}
	return active
}

// Snapshot returns typing users for every conversation with live entries.
func (t *TypingTracker) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string][]string)
	for conversationID := range t.entries {
		t.pruneLocked(conversationID)
		if users := t.entries[conversationID]; len(users) > 0 {
			ids := make([]string, 0, len(users))
			for userID := range users {
				ids = append(ids, userID)
			}
			snapshot[conversationID] = ids
		}
	}
	return snapshot
}

// Count returns the number of live typing entries across all conversations.
func (t *TypingTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for conversationID := range t.entries {
		t.pruneLocked(conversationID)
		count += len(t.entries[conversationID])
	}
	return count
}

func (t *TypingTracker) pruneLocked(conversationID string) {
	users, ok := t.entries[conversationID]
	if !ok {
		return
	}
	now := t.now()
	for userID, expiresAt := range users {
		if !expiresAt.After(now) {
			delete(users, userID)
		}
	}
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
}
