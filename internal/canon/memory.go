package canon

import (
	"context"
	"sync"

	"storyloom/internal/errors"
	"storyloom/pkg/types"
)

// MemoryStore is the in-memory canon store. Each session carries its own
// lock so reads and writes for different sessions never contend.
type MemoryStore struct {
	mu       sync.Mutex // guards the sessions map only
	sessions map[string]*sessionState
}

type sessionState struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewMemoryStore creates an empty in-memory canon store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*sessionState)}
}

func (m *MemoryStore) session(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{snap: newSnapshot(sessionID)}
		m.sessions[sessionID] = st
	}
	return st
}

// PutLore stores a new lore entry
func (m *MemoryStore) PutLore(ctx context.Context, entry types.LoreEntry) error {
	if err := entry.Validate(); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid lore entry", err)
	}
	st := m.session(entry.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.snap.lore[entry.ID]; exists {
		return errors.Newf(errors.ErrorCodeRetroactiveConflict, "lore entry %s already exists", entry.ID)
	}
	st.snap.lore[entry.ID] = entry
	key := entry.Key()
	st.snap.loreByKey[key] = append(st.snap.loreByKey[key], entry.ID)
	return nil
}

// PutContent stores a new narrative content item
func (m *MemoryStore) PutContent(ctx context.Context, content types.NarrativeContent) error {
	if err := content.Validate(); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid narrative content", err)
	}
	st := m.session(content.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.snap.content[content.ID]; exists {
		return errors.Newf(errors.ErrorCodeRetroactiveConflict, "content %s already exists", content.ID)
	}
	st.snap.content[content.ID] = content
	return nil
}

// PutThread stores or replaces a storyline thread
func (m *MemoryStore) PutThread(ctx context.Context, thread types.StorylineThread) error {
	if err := thread.Validate(); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid storyline thread", err)
	}
	st := m.session(thread.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.snap.threads {
		if st.snap.threads[i].ID == thread.ID {
			st.snap.threads[i] = thread
			return nil
		}
	}
	st.snap.threads = append(st.snap.threads, thread)
	return nil
}

// Snapshot returns an immutable copy of the session's canon
func (m *MemoryStore) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	if sessionID == "" {
		return nil, errors.New(errors.ErrorCodeInvalidSession, "session ID is required")
	}
	st := m.session(sessionID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snap.clone(), nil
}

// ApplyChanges atomically applies a batch of retroactive changes under the
// session write lock. Changes are staged on a clone; the live snapshot is
// swapped only if every change applies, so a mid-batch failure leaves
// canon untouched.
func (m *MemoryStore) ApplyChanges(ctx context.Context, sessionID string, changes []types.RetroactiveChange) ([]string, error) {
	if sessionID == "" {
		return nil, errors.New(errors.ErrorCodeInvalidSession, "session ID is required")
	}
	st := m.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.snap.clone()
	ids := make([]string, 0, len(changes))
	for i := range changes {
		id, err := applyToSnapshot(staged, &changes[i])
		if err != nil {
			return nil, errors.Wrap(errors.ErrorCodeTransaction, "change batch aborted", err)
		}
		ids = append(ids, id)
	}

	st.snap = staged
	return ids, nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error { return nil }
