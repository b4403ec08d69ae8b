package coherence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/audit"
	"storyloom/internal/canon"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

func newTestValidator(t *testing.T) (*CoherenceValidator, canon.Store) {
	t.Helper()
	store := canon.NewMemoryStore()
	auditLog, err := audit.NewLogger(t.TempDir(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	v, err := New(config.DefaultConfig(), store, auditLog, logging.NewNop())
	require.NoError(t, err)
	return v, store
}

func TestValidateContentFlagsDirectContradiction(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	content := climbingContent()
	result, err := v.ValidateContent(ctx, &content)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.False(t, result.Blocked)
	require.Len(t, result.Contradictions, 1)
	assert.Equal(t, types.ContradictionDirect, result.Contradictions[0].Type)
	assert.NotEmpty(t, result.ProcessingTime)
}

func TestValidateContentCleanPass(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	content := types.NewNarrativeContent("s1", "John took the long way around the cliffs.", 10)
	result, err := v.ValidateContent(ctx, &content)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Contradictions)
}

func TestValidateContentBlocksOnCritical(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	lore.Immutability = types.ImmutabilityHardCanon
	require.NoError(t, store.PutLore(ctx, lore))

	content := types.NewNarrativeContent("s1", "John never fears heights now.", 10)
	content.Assertions = []types.Assertion{
		{Subject: "John", Attribute: "fear", Value: "never fears heights", Strength: 1.0},
	}

	result, err := v.ValidateContent(ctx, &content)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.Blocked)
	require.NotEmpty(t, result.Contradictions)
	assert.Equal(t, types.SeverityCritical, result.Contradictions[0].Severity)
}

func TestValidateContentRejectsMalformed(t *testing.T) {
	v, _ := newTestValidator(t)
	content := types.NarrativeContent{} // no ID, session, or text
	_, err := v.ValidateContent(context.Background(), &content)
	require.Error(t, err)
}

func TestResolveConflictEndToEnd(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	content := climbingContent()
	validation, err := v.ValidateContent(ctx, &content)
	require.NoError(t, err)
	require.Len(t, validation.Contradictions, 1)

	resolution, err := v.ResolveConflict(ctx, &validation.Contradictions[0])
	require.NoError(t, err)
	assert.True(t, resolution.ImplementationSuccess)
	assert.Equal(t, types.SolutionCharacterDriven, resolution.SolutionUsed.Type)
	assert.NotEmpty(t, resolution.PlayerExplanation)
	require.Len(t, resolution.NarrativeChanges, 1)

	// the lore entry carries the resolution's annotation in a new version
	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)
	active := snap.ActiveLoreByKey("john/fear")
	require.Len(t, active, 1)
	assert.Equal(t, "John fears heights", active[0].Fact)
	require.NotEmpty(t, active[0].Annotations)
	assert.Contains(t, active[0].Annotations[0], string(types.SolutionCharacterDriven))
}

func TestResolveConflictInvalidType(t *testing.T) {
	v, _ := newTestValidator(t)
	contradiction := types.NewContradiction("s1", "paradox", types.SeverityError, "?", nil, 0.5)
	_, err := v.ResolveConflict(context.Background(), &contradiction)
	require.Error(t, err)
}

func TestResolveConflictRequiresSession(t *testing.T) {
	v, _ := newTestValidator(t)
	contradiction := types.NewContradiction("", types.ContradictionDirect, types.SeverityError, "?", nil, 0.5)
	_, err := v.ResolveConflict(context.Background(), &contradiction)
	require.Error(t, err)
}

func TestValidateConvergenceThroughFacade(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	require.NoError(t, store.PutThread(ctx, types.StorylineThread{
		ID: "t1", SessionID: "s1", Title: "The Siege",
		Participants: []string{"John", "Mara"}, Themes: []string{"war", "loyalty"}, Tension: 0.6,
	}))
	require.NoError(t, store.PutThread(ctx, types.StorylineThread{
		ID: "t2", SessionID: "s1", Title: "The Betrayal",
		Participants: []string{"John", "Mara"}, Themes: []string{"war", "loyalty"}, Tension: 0.7,
	}))

	result, err := v.ValidateConvergence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.StorylineCount)
	// both participants and both themes are shared: min(1, 0.4 + 0.2*4)
	assert.Equal(t, 1.0, result.ConvergenceScore)
	assert.True(t, result.IsConvergent)
}

func TestValidateConvergenceRequiresSession(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.ValidateConvergence(context.Background(), "")
	require.Error(t, err)
}

func TestConcurrentValidation(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content := climbingContent()
			if _, err := v.ValidateContent(ctx, &content); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent validation failed: %v", err)
	}
}

func TestReverseThroughFacade(t *testing.T) {
	v, store := newTestValidator(t)
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	change := types.NewRetroactiveChange("s1", lore.ID, types.TargetLore, types.ChangeModification)
	change.OriginalContent = lore.Fact
	change.ModifiedContent = "John once feared heights"
	change.Justification = "reconcile with newer content"
	change.InWorldExplanation = "The fear faded over the years."

	resolution := &types.NarrativeResolution{ID: "res-1", ResolvedSeverity: types.SeverityError}
	result, err := v.CommitChanges(ctx, resolution, []types.RetroactiveChange{change})
	require.NoError(t, err)
	require.True(t, result.Applied)

	reversed, err := v.ReverseChange(ctx, "s1", change.ID, "editorial reversal", "The fear never truly left him.")
	require.NoError(t, err)
	assert.True(t, reversed.Applied)

	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)
	active := snap.ActiveLoreByKey("john/fear")
	require.Len(t, active, 1)
	assert.Equal(t, "John fears heights", active[0].Fact)
}
