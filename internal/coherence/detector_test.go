package coherence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/canon"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	logger := logging.NewNop()
	return NewDetector(config.DefaultConfig().Detection, NewCausalValidator(logger), logger)
}

func seedCanon(t *testing.T) (*canon.MemoryStore, *canon.Snapshot, types.LoreEntry) {
	t.Helper()
	store := canon.NewMemoryStore()
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))

	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)
	return store, snap, lore
}

func climbingContent() types.NarrativeContent {
	content := types.NewNarrativeContent("s1", "John fearlessly climbs the tower.", 10)
	content.Assertions = []types.Assertion{
		{Subject: "John", Attribute: "fear", Value: "fearlessly climbs the tower", Strength: 0.9},
	}
	return content
}

func TestDetectDirectContradiction(t *testing.T) {
	d := newTestDetector(t)
	_, snap, lore := seedCanon(t)

	content := climbingContent()
	contradictions, issues := d.Detect(context.Background(), &content, snap)

	assert.Empty(t, issues)
	require.Len(t, contradictions, 1)
	c := contradictions[0]
	assert.Equal(t, types.ContradictionDirect, c.Type)
	assert.Equal(t, types.SeverityError, c.Severity)
	assert.Contains(t, c.Elements, content.ID)
	assert.Contains(t, c.Elements, lore.ID)
	assert.GreaterOrEqual(t, c.Confidence, 0.6)
}

func TestDetectHardCanonEscalates(t *testing.T) {
	d := newTestDetector(t)
	store := canon.NewMemoryStore()
	ctx := context.Background()

	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	lore.Immutability = types.ImmutabilityHardCanon
	require.NoError(t, store.PutLore(ctx, lore))
	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)

	content := climbingContent()
	contradictions, _ := d.Detect(ctx, &content, snap)

	require.Len(t, contradictions, 1)
	// hard canon lifts the floor to ERROR even for modest confidence
	assert.GreaterOrEqual(t, contradictions[0].Severity.Weight(), types.SeverityError.Weight())
}

func TestDetectNoContradictionOnCompatibleAssertion(t *testing.T) {
	d := newTestDetector(t)
	_, snap, _ := seedCanon(t)

	content := types.NewNarrativeContent("s1", "John avoided the cliff path.", 10)
	content.Assertions = []types.Assertion{
		{Subject: "John", Attribute: "fear", Value: "avoids high places", Strength: 0.8},
	}

	contradictions, _ := d.Detect(context.Background(), &content, snap)
	assert.Empty(t, contradictions)
}

func TestDetectTemporalOrdering(t *testing.T) {
	d := newTestDetector(t)
	store := canon.NewMemoryStore()
	ctx := context.Background()

	early := types.NewNarrativeContent("s1", "The bridge collapsed.", 2)
	late := types.NewNarrativeContent("s1", "The army crossed the bridge.", 7)
	require.NoError(t, store.PutContent(ctx, early))
	require.NoError(t, store.PutContent(ctx, late))
	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)

	content := types.NewNarrativeContent("s1", "Recalling the crossing before the collapse.", 9)
	content.Orderings = []types.OrderingClaim{{BeforeID: late.ID, AfterID: early.ID}}

	contradictions, _ := d.Detect(ctx, &content, snap)
	require.Len(t, contradictions, 1)
	assert.Equal(t, types.ContradictionTemporal, contradictions[0].Type)
	assert.Equal(t, types.SeverityError, contradictions[0].Severity)
}

func TestDetectCausalUnknownCause(t *testing.T) {
	d := newTestDetector(t)
	_, snap, _ := seedCanon(t)

	content := types.NewNarrativeContent("s1", "Because of the eclipse, the gates opened.", 10)
	content.CausalLinks = []string{"no-such-event"}

	contradictions, _ := d.Detect(context.Background(), &content, snap)
	require.Len(t, contradictions, 1)
	assert.Equal(t, types.ContradictionCausal, contradictions[0].Type)
}

func TestDetectImplicitThemeDrift(t *testing.T) {
	d := newTestDetector(t)
	store := canon.NewMemoryStore()
	ctx := context.Background()

	thread := types.StorylineThread{ID: "t1", SessionID: "s1", Title: "The Siege", Participants: []string{"John"}, Themes: []string{"war", "duty"}, Tension: 0.6}
	require.NoError(t, store.PutThread(ctx, thread))
	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)

	content := types.NewNarrativeContent("s1", "A quiet picnic by the lake.", 10)
	content.Themes = []string{"leisure", "romance"}

	contradictions, _ := d.Detect(ctx, &content, snap)
	require.Len(t, contradictions, 1)
	assert.Equal(t, types.ContradictionImplicit, contradictions[0].Type)
	assert.Equal(t, types.SeverityWarning, contradictions[0].Severity)
}

func TestDetectIsIdempotent(t *testing.T) {
	d := newTestDetector(t)
	_, snap, _ := seedCanon(t)
	content := climbingContent()

	first, _ := d.Detect(context.Background(), &content, snap)
	second, _ := d.Detect(context.Background(), &content, snap)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].Severity, second[i].Severity)
		assert.Equal(t, first[i].Elements, second[i].Elements)
		assert.InDelta(t, first[i].Confidence, second[i].Confidence, 1e-9)
	}
}

func TestStrategyPanicDegradesToIssue(t *testing.T) {
	d := newTestDetector(t)
	content := climbingContent()
	_, snap, _ := seedCanon(t)

	boom := func(context.Context, *types.NarrativeContent, *canon.Snapshot) []types.Contradiction {
		panic("strategy blew up")
	}
	found, issue := d.runStrategy(context.Background(), "direct", boom, &content, snap)

	assert.Nil(t, found)
	require.NotNil(t, issue)
	assert.Equal(t, types.SeverityWarning, issue.Severity)
	assert.Equal(t, "direct", issue.Source)
	assert.Contains(t, issue.Message, "strategy blew up")
}

func TestSortContradictionsOrdering(t *testing.T) {
	cs := []types.Contradiction{
		types.NewContradiction("s1", types.ContradictionImplicit, types.SeverityWarning, "drift", []string{"a"}, 0.5),
		types.NewContradiction("s1", types.ContradictionDirect, types.SeverityCritical, "clash", []string{"b"}, 0.7),
		types.NewContradiction("s1", types.ContradictionTemporal, types.SeverityError, "order", []string{"c"}, 0.9),
	}
	sortContradictions(cs)

	assert.Equal(t, types.SeverityCritical, cs[0].Severity)
	assert.Equal(t, types.SeverityError, cs[1].Severity)
	assert.Equal(t, types.SeverityWarning, cs[2].Severity)
}

func TestJaccardSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, jaccardSimilarity("", "anything"))
	assert.Equal(t, 1.0, jaccardSimilarity("fears heights", "fears heights"))
	assert.InDelta(t, 1.0/3.0, jaccardSimilarity("fears heights", "fears depths"), 1e-9)
}

func TestMutuallyExclusive(t *testing.T) {
	d := newTestDetector(t)
	assert.True(t, d.mutuallyExclusive("fearlessly climbs the tower", "John fears heights"))
	assert.True(t, d.mutuallyExclusive("the door is locked", "the door is open"))
	assert.True(t, d.mutuallyExclusive("trusts the captain", "no longer trusts anyone"))
	assert.False(t, d.mutuallyExclusive("walks the wall", "John fears heights"))
}
