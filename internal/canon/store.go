// Package canon implements the versioned, append-only store for
// established narrative facts. Entries are never overwritten in place: a
// retroactive change supersedes the old version and links it forward, so
// concurrent readers never observe a half-written fact.
package canon

import (
	"context"
	"fmt"
	"sort"

	"storyloom/internal/errors"
	"storyloom/pkg/types"
)

// Store is the canon persistence interface. Writes for one session are
// serialized; snapshot reads may run concurrently with each other and
// with writes to other sessions.
type Store interface {
	// PutLore stores a new lore entry established by world-building
	PutLore(ctx context.Context, entry types.LoreEntry) error

	// PutContent stores a new narrative content item
	PutContent(ctx context.Context, content types.NarrativeContent) error

	// PutThread stores or replaces a storyline thread
	PutThread(ctx context.Context, thread types.StorylineThread) error

	// Snapshot returns an immutable view of the session's current canon
	Snapshot(ctx context.Context, sessionID string) (*Snapshot, error)

	// ApplyChanges atomically applies a batch of retroactive changes for
	// one session; either every change commits or none do. Returns the
	// IDs of the superseding versions it created.
	ApplyChanges(ctx context.Context, sessionID string, changes []types.RetroactiveChange) ([]string, error)

	// Close releases store resources
	Close() error
}

// Snapshot is an immutable view of one session's canon. Detection and
// convergence run against snapshots, never against live store state.
type Snapshot struct {
	sessionID string
	lore      map[string]types.LoreEntry        // all versions, by ID
	content   map[string]types.NarrativeContent // all versions, by ID
	threads   []types.StorylineThread
	loreByKey map[string][]string // subject/attribute key -> active lore IDs
}

func newSnapshot(sessionID string) *Snapshot {
	return &Snapshot{
		sessionID: sessionID,
		lore:      map[string]types.LoreEntry{},
		content:   map[string]types.NarrativeContent{},
		loreByKey: map[string][]string{},
	}
}

// SessionID returns the session this snapshot belongs to
func (s *Snapshot) SessionID() string { return s.sessionID }

// Lore returns a lore entry by ID
func (s *Snapshot) Lore(id string) (types.LoreEntry, bool) {
	e, ok := s.lore[id]
	return e, ok
}

// Content returns a content item by ID
func (s *Snapshot) Content(id string) (types.NarrativeContent, bool) {
	c, ok := s.content[id]
	return c, ok
}

// HasLore reports whether a lore entry with this ID exists
func (s *Snapshot) HasLore(id string) bool {
	_, ok := s.lore[id]
	return ok
}

// HasContent reports whether a content item with this ID exists
func (s *Snapshot) HasContent(id string) bool {
	_, ok := s.content[id]
	return ok
}

// ActiveLoreByKey returns the non-superseded lore entries sharing a
// subject+attribute key, ordered by narrative position
func (s *Snapshot) ActiveLoreByKey(key string) []types.LoreEntry {
	ids := s.loreByKey[key]
	out := make([]types.LoreEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.lore[id]; ok && e.SupersededBy == "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EstablishedAt < out[j].EstablishedAt })
	return out
}

// ActiveLore returns every non-superseded lore entry
func (s *Snapshot) ActiveLore() []types.LoreEntry {
	out := make([]types.LoreEntry, 0, len(s.lore))
	for _, e := range s.lore {
		if e.SupersededBy == "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EstablishedAt < out[j].EstablishedAt })
	return out
}

// ActiveContent returns every non-superseded content item, ordered by
// narrative position
func (s *Snapshot) ActiveContent() []types.NarrativeContent {
	out := make([]types.NarrativeContent, 0, len(s.content))
	for _, c := range s.content {
		if c.SupersededBy == "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Threads returns the session's storyline threads
func (s *Snapshot) Threads() []types.StorylineThread {
	out := make([]types.StorylineThread, len(s.threads))
	copy(out, s.threads)
	return out
}

// clone makes an independent copy that can be mutated for simulation
func (s *Snapshot) clone() *Snapshot {
	c := newSnapshot(s.sessionID)
	for id, e := range s.lore {
		c.lore[id] = e
	}
	for id, item := range s.content {
		c.content[id] = item
	}
	c.threads = append(c.threads, s.threads...)
	for k, ids := range s.loreByKey {
		c.loreByKey[k] = append([]string(nil), ids...)
	}
	return c
}

// Simulate returns a new snapshot with the changes applied, leaving the
// receiver untouched. Used by the retroactive change manager to re-run
// detection against the would-be canon before committing.
func (s *Snapshot) Simulate(changes []types.RetroactiveChange) (*Snapshot, error) {
	sim := s.clone()
	for i := range changes {
		if _, err := applyToSnapshot(sim, &changes[i]); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

// applyToSnapshot applies one change to a mutable snapshot and returns
// the ID of the version it created. The same routine backs both
// simulation and the memory store's commit path so the two can never
// drift apart.
func applyToSnapshot(s *Snapshot, change *types.RetroactiveChange) (string, error) {
	switch change.TargetKind {
	case types.TargetLore:
		return applyLoreChange(s, change)
	case types.TargetContent:
		return applyContentChange(s, change)
	default:
		return "", errors.Newf(errors.ErrorCodeValidation, "unknown target kind %q", change.TargetKind)
	}
}

func applyLoreChange(s *Snapshot, change *types.RetroactiveChange) (string, error) {
	target, ok := s.lore[change.TargetID]
	if !ok {
		return "", errors.Newf(errors.ErrorCodeNotFound, "lore entry %s not found", change.TargetID)
	}
	if target.SupersededBy != "" {
		return "", errors.Newf(errors.ErrorCodeRetroactiveConflict, "lore entry %s is already superseded", change.TargetID)
	}
	if change.ChangeType == types.ChangeModification && change.OriginalContent != target.Fact {
		return "", errors.Newf(errors.ErrorCodeRetroactiveConflict, "original snapshot for lore entry %s is stale", change.TargetID)
	}

	switch change.ChangeType {
	case types.ChangeModification:
		next := target
		next.ID = change.ID + ":v" + fmt.Sprint(target.Version+1)
		next.Fact = change.ModifiedContent
		next.Version = target.Version + 1
		next.SupersededBy = ""
		target.SupersededBy = next.ID
		s.lore[target.ID] = target
		s.lore[next.ID] = next
		s.loreByKey[next.Key()] = append(s.loreByKey[next.Key()], next.ID)
		return next.ID, nil
	case types.ChangeAddition:
		added := types.NewLoreEntry(target.SessionID, target.Category, target.Subject, target.Attribute, change.ModifiedContent, target.EstablishedAt)
		added.ID = change.ID + ":add"
		s.lore[added.ID] = added
		s.loreByKey[added.Key()] = append(s.loreByKey[added.Key()], added.ID)
		return added.ID, nil
	case types.ChangeAnnotation:
		next := target
		next.ID = change.ID + ":v" + fmt.Sprint(target.Version+1)
		next.Annotations = append(append([]string(nil), target.Annotations...), change.ModifiedContent)
		next.Version = target.Version + 1
		next.SupersededBy = ""
		target.SupersededBy = next.ID
		s.lore[target.ID] = target
		s.lore[next.ID] = next
		s.loreByKey[next.Key()] = append(s.loreByKey[next.Key()], next.ID)
		return next.ID, nil
	default:
		return "", errors.Newf(errors.ErrorCodeValidation, "unknown change type %q", change.ChangeType)
	}
}

func applyContentChange(s *Snapshot, change *types.RetroactiveChange) (string, error) {
	target, ok := s.content[change.TargetID]
	if !ok {
		return "", errors.Newf(errors.ErrorCodeNotFound, "content %s not found", change.TargetID)
	}
	if target.SupersededBy != "" {
		return "", errors.Newf(errors.ErrorCodeRetroactiveConflict, "content %s is already superseded", change.TargetID)
	}
	if change.ChangeType == types.ChangeModification && change.OriginalContent != target.Text {
		return "", errors.Newf(errors.ErrorCodeRetroactiveConflict, "original snapshot for content %s is stale", change.TargetID)
	}

	next := target
	next.ID = change.ID + ":v" + fmt.Sprint(target.Version+1)
	next.Version = target.Version + 1
	next.SupersededBy = ""

	switch change.ChangeType {
	case types.ChangeModification:
		next.Text = change.ModifiedContent
	case types.ChangeAddition:
		next.Text = target.Text + "\n" + change.ModifiedContent
	case types.ChangeAnnotation:
		next.Annotations = append(append([]string(nil), target.Annotations...), change.ModifiedContent)
	default:
		return "", errors.Newf(errors.ErrorCodeValidation, "unknown change type %q", change.ChangeType)
	}

	target.SupersededBy = next.ID
	s.content[target.ID] = target
	s.content[next.ID] = next
	return next.ID, nil
}
