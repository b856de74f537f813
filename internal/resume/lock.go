package resume

import (
	"sync"
	"time"
)

// LockEntry records that a resume critical section is running for a
// conversation.
type LockEntry struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	AcquiredAt     time.Time `json:"acquiredAt"`

	token uint64
}

// LockRegistry holds at most one LockEntry per conversation.
type LockRegistry struct {
	mu       sync.Mutex
	entries  map[string]LockEntry
	next     uint64
	releases map[string]int
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		entries:  make(map[string]LockEntry),
		releases: make(map[string]int),
	}
}

// Acquire takes the conversation's lock for messageID. It returns false
// when the conversation is already locked.
func (r *LockRegistry) Acquire(conversationID, messageID string) (*LockHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.entries[conversationID]; held {
		return nil, false
	}
	r.next++
	entry := LockEntry{
		ConversationID: conversationID,
		MessageID:      messageID,
		AcquiredAt:     time.Now(),
		token:          r.next,
	}
	r.entries[conversationID] = entry
	return &LockHandle{registry: r, entry: entry}, true
}

// Release drops the conversation's lock whoever holds it.
func (r *LockRegistry) Release(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.entries[conversationID]; held {
		delete(r.entries, conversationID)
		r.releases[conversationID]++
	}
}

// Peek returns the conversation's current entry.
func (r *LockRegistry) Peek(conversationID string) (LockEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	return e, ok
}

// Releases returns how many times the conversation's lock was released.
func (r *LockRegistry) Releases(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases[conversationID]
}

// TryLock adapts the registry to the generation loop's locker.
func (r *LockRegistry) TryLock(conversationID, messageID string) (func(), bool) {
	h, ok := r.Acquire(conversationID, messageID)
	if !ok {
		return nil, false
	}
	return h.Release, true
}

// holds reports whether entry is still the current lock of its conversation.
func (r *LockRegistry) holds(entry LockEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[entry.ConversationID]
	return ok && cur.token == entry.token
}

func (r *LockRegistry) releaseEntry(entry LockEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[entry.ConversationID]
	if !ok || cur.token != entry.token {
		return
	}
	delete(r.entries, entry.ConversationID)
	r.releases[entry.ConversationID]++
}

// LockHandle is a held lock. Release may be called any number of times; only
// the first call releases, and only if the lock was not taken over.
type LockHandle struct {
	registry *LockRegistry
	entry    LockEntry
	once     sync.Once
}

// Entry returns the lock entry this handle acquired.
func (h *LockHandle) Entry() LockEntry { return h.entry }

// Held reports whether the handle still owns the conversation's lock.
func (h *LockHandle) Held() bool { return h.registry.holds(h.entry) }

// Release releases the lock.
func (h *LockHandle) Release() {
	h.once.Do(func() { h.registry.releaseEntry(h.entry) })
}
