package coherence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/canon"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

func directContradiction() types.Contradiction {
	return types.NewContradiction("s1", types.ContradictionDirect, types.SeverityError,
		"content asserts fearless climbing, but canon holds John fears heights",
		[]string{"content-1", "lore-1"}, 0.73)
}

func newTestGenerator(t *testing.T) *SolutionGenerator {
	t.Helper()
	scorer, err := BuildScorer(config.DefaultConfig().Scorer, logging.NewNop())
	require.NoError(t, err)
	return NewSolutionGenerator(scorer, logging.NewNop())
}

func TestGenerateAlwaysIncludesUniversal(t *testing.T) {
	g := newTestGenerator(t)

	for _, ctype := range []types.ContradictionType{
		types.ContradictionDirect, types.ContradictionTemporal,
		types.ContradictionCausal, types.ContradictionImplicit,
	} {
		contradiction := types.NewContradiction("s1", ctype, types.SeverityError, "clash", []string{"a", "b"}, 0.7)
		candidates, err := g.Generate(context.Background(), &contradiction)
		require.NoError(t, err)
		require.Len(t, candidates, 3, "type %s", ctype)

		hasUniversal := false
		for _, c := range candidates {
			require.NoError(t, c.Validate())
			if c.Type == types.SolutionUniversal {
				hasUniversal = true
			}
		}
		assert.True(t, hasUniversal, "type %s must include the universal fallback", ctype)
	}
}

func TestGenerateRejectsUnknownType(t *testing.T) {
	g := newTestGenerator(t)
	contradiction := types.NewContradiction("s1", "paradox", types.SeverityError, "?", nil, 0.5)
	_, err := g.Generate(context.Background(), &contradiction)
	require.Error(t, err)
}

type failingScorer struct{ failFor types.SolutionType }

func (f *failingScorer) Name() string { return "failing" }

func (f *failingScorer) Score(_ context.Context, _ *types.Contradiction, s *types.CreativeSolution) (types.SolutionScores, error) {
	if s.Type == f.failFor {
		return types.SolutionScores{}, fmt.Errorf("scoring %s failed", s.Type)
	}
	return types.SolutionScores{Effectiveness: 0.6, NarrativeCost: 0.3, PlayerImpact: 0.2}, nil
}

func TestGenerateDropsFailedCandidateButKeepsUniversal(t *testing.T) {
	g := NewSolutionGenerator(&failingScorer{failFor: types.SolutionCharacterDriven}, logging.NewNop())
	contradiction := directContradiction()

	candidates, err := g.Generate(context.Background(), &contradiction)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.NotEqual(t, types.SolutionCharacterDriven, c.Type)
	}
}

func TestGenerateUniversalSurvivesScorerFailure(t *testing.T) {
	g := NewSolutionGenerator(&failingScorer{failFor: types.SolutionUniversal}, logging.NewNop())
	contradiction := directContradiction()

	candidates, err := g.Generate(context.Background(), &contradiction)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	var universal *types.CreativeSolution
	for i := range candidates {
		if candidates[i].Type == types.SolutionUniversal {
			universal = &candidates[i]
		}
	}
	require.NotNil(t, universal)
	assert.Equal(t, 0.5, universal.Scores.Effectiveness)
}

func TestSelectPrefersTargetedMechanism(t *testing.T) {
	g := newTestGenerator(t)
	selector := NewSelector(config.DefaultConfig().Selection)
	contradiction := directContradiction()

	candidates, err := g.Generate(context.Background(), &contradiction)
	require.NoError(t, err)
	selected, err := selector.Select(candidates)
	require.NoError(t, err)

	assert.Equal(t, types.SolutionCharacterDriven, selected.Type)
}

func TestSelectTieBreaksByCostThenType(t *testing.T) {
	// exactly representable weights and scores keep the composites equal
	selector := NewSelector(config.SelectionConfig{WeightEffectiveness: 0.5, WeightNarrativeCost: 0.25, WeightPlayerImpact: 0.25})

	cheap := types.CreativeSolution{Type: types.SolutionSubtext, Scores: types.SolutionScores{Effectiveness: 0.5, NarrativeCost: 0.5, PlayerImpact: 0.0}}
	costly := types.CreativeSolution{Type: types.SolutionTemporal, Scores: types.SolutionScores{Effectiveness: 0.75, NarrativeCost: 1.0, PlayerImpact: 0.0}}
	require.Equal(t, selector.Composite(cheap.Scores), selector.Composite(costly.Scores))

	selected, err := selector.Select([]types.CreativeSolution{costly, cheap})
	require.NoError(t, err)
	assert.Equal(t, types.SolutionSubtext, selected.Type)

	// equal cost falls through to lexicographic type
	costly.Scores = cheap.Scores
	selected, err = selector.Select([]types.CreativeSolution{costly, cheap})
	require.NoError(t, err)
	assert.Equal(t, types.SolutionSubtext, selected.Type) // "subtext" < "temporal"
}

func TestSelectEmptyCandidates(t *testing.T) {
	selector := NewSelector(config.DefaultConfig().Selection)
	_, err := selector.Select(nil)
	require.Error(t, err)
}

func TestBuildResolutionDerivesAnnotations(t *testing.T) {
	store := canon.NewMemoryStore()
	ctx := context.Background()
	lore := types.NewLoreEntry("s1", types.LoreCharacter, "John", "fear", "John fears heights", 3)
	require.NoError(t, store.PutLore(ctx, lore))
	snap, err := store.Snapshot(ctx, "s1")
	require.NoError(t, err)

	contradiction := types.NewContradiction("s1", types.ContradictionDirect, types.SeverityError,
		"clash", []string{"unsaved-content", lore.ID}, 0.7)
	solution := buildCandidate(types.SolutionCharacterDriven, &contradiction)
	solution.Scores = types.SolutionScores{Effectiveness: 0.8, NarrativeCost: 0.3, PlayerImpact: 0.4}

	resolution, changes := BuildResolution(&contradiction, solution, snap)

	assert.Equal(t, contradiction.ID, resolution.ConflictID)
	assert.Equal(t, contradiction.Severity, resolution.ResolvedSeverity)
	// success is only granted once the change manager accepts the batch
	assert.False(t, resolution.ImplementationSuccess)
	assert.NotEmpty(t, resolution.PlayerExplanation)

	// only the element present in canon yields a change, and it is an
	// annotation: the engine never writes prose
	require.Len(t, changes, 1)
	assert.Equal(t, lore.ID, changes[0].TargetID)
	assert.Equal(t, types.TargetLore, changes[0].TargetKind)
	assert.Equal(t, types.ChangeAnnotation, changes[0].ChangeType)
	assert.NotEmpty(t, changes[0].Justification)
	assert.NotEmpty(t, changes[0].InWorldExplanation)
}

type slowScorer struct{}

func (slowScorer) Name() string { return "slow" }

func (slowScorer) Score(ctx context.Context, _ *types.Contradiction, _ *types.CreativeSolution) (types.SolutionScores, error) {
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return types.SolutionScores{}, ctx.Err()
	}
	return types.SolutionScores{Effectiveness: 1, NarrativeCost: 0, PlayerImpact: 0}, nil
}

func TestTimeoutScorerFallsBack(t *testing.T) {
	wrapped := WrapWithTimeout(slowScorer{}, 20*time.Millisecond, logging.NewNop())
	contradiction := directContradiction()
	solution := buildCandidate(types.SolutionCharacterDriven, &contradiction)

	scores, err := wrapped.Score(context.Background(), &contradiction, &solution)
	require.NoError(t, err)
	// fallback scores come from the rule-based scorer, not the slow one
	assert.Less(t, scores.Effectiveness, 1.0)
	assert.Greater(t, scores.NarrativeCost, 0.0)
}

func TestBuildScorerRejectsUnknownStrategy(t *testing.T) {
	_, err := BuildScorer(config.ScorerConfig{Strategy: "oracle"}, logging.NewNop())
	require.Error(t, err)
}

func TestBuildScorerDecodesOptions(t *testing.T) {
	scorer, err := BuildScorer(config.ScorerConfig{
		Strategy: "rule_based",
		Options:  map[string]interface{}{"cost_bias": 0.2},
	}, logging.NewNop())
	require.NoError(t, err)

	contradiction := directContradiction()
	solution := buildCandidate(types.SolutionSubtext, &contradiction)
	biased, err := scorer.Score(context.Background(), &contradiction, &solution)
	require.NoError(t, err)

	plain, err := BuildScorer(config.ScorerConfig{}, logging.NewNop())
	require.NoError(t, err)
	unbiased, err := plain.Score(context.Background(), &contradiction, &solution)
	require.NoError(t, err)

	assert.InDelta(t, unbiased.NarrativeCost+0.2, biased.NarrativeCost, 1e-9)
}
