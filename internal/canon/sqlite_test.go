package canon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/pkg/types"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "canon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	content := types.NewNarrativeContent("s1", "John avoided the cliff path.", 5)
	content.Themes = []string{"fear", "avoidance"}
	content.Assertions = []types.Assertion{{Subject: "John", Attribute: "fear", Value: "avoids heights", Strength: 0.8}}
	require.NoError(t, store.PutContent(ctx, content))

	thread := types.StorylineThread{ID: "t1", SessionID: "s1", Title: "The Tower", Participants: []string{"John"}, Themes: []string{"fear"}, Tension: 0.4}
	require.NoError(t, store.PutThread(ctx, thread))

	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)

	gotLore, ok := snap.Lore(lore.ID)
	require.True(t, ok)
	assert.Equal(t, lore.Fact, gotLore.Fact)
	assert.Equal(t, lore.Category, gotLore.Category)

	gotContent, ok := snap.Content(content.ID)
	require.True(t, ok)
	assert.Equal(t, content.Text, gotContent.Text)
	assert.Equal(t, content.Themes, gotContent.Themes)
	require.Len(t, gotContent.Assertions, 1)
	assert.Equal(t, "John", gotContent.Assertions[0].Subject)

	require.Len(t, snap.Threads(), 1)
}

func TestSQLiteApplyChanges(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	change := modification("s1", lore.ID, types.TargetLore, lore.Fact, "John once feared heights")
	ids, err := store.ApplyChanges(ctx, "s1", []types.RetroactiveChange{change})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)

	old, ok := snap.Lore(lore.ID)
	require.True(t, ok)
	assert.Equal(t, ids[0], old.SupersededBy)

	active := snap.ActiveLoreByKey("john/fear")
	require.Len(t, active, 1)
	assert.Equal(t, "John once feared heights", active[0].Fact)
}

func TestSQLiteApplyIsAtomic(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	good := modification("s1", lore.ID, types.TargetLore, lore.Fact, "John once feared heights")
	bad := modification("s1", "missing-id", types.TargetLore, "x", "y")

	_, err := store.ApplyChanges(ctx, "s1", []types.RetroactiveChange{good, bad})
	require.Error(t, err)

	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)
	got, ok := snap.Lore(lore.ID)
	require.True(t, ok)
	assert.Empty(t, got.SupersededBy)
	assert.Len(t, snap.ActiveLore(), 1)
}
