package coherence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/canon"
	"storyloom/internal/config"
	"storyloom/internal/errors"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// candidateTypes is the closed table mapping a contradiction type to the
// solution mechanisms worth trying for it. Every row ends with the
// universal fallback, so generation never comes back empty.
var candidateTypes = map[types.ContradictionType][]types.SolutionType{
	types.ContradictionDirect:   {types.SolutionCharacterDriven, types.SolutionPerspectiveBased, types.SolutionUniversal},
	types.ContradictionTemporal: {types.SolutionTemporal, types.SolutionMemoryBased, types.SolutionUniversal},
	types.ContradictionCausal:   {types.SolutionCausalBridge, types.SolutionHiddenFactor, types.SolutionUniversal},
	types.ContradictionImplicit: {types.SolutionRecontextualization, types.SolutionSubtext, types.SolutionUniversal},
}

// SolutionGenerator builds and scores candidate solutions for a
// contradiction using the configured scorer
type SolutionGenerator struct {
	scorer Scorer
	logger logging.Logger
}

func NewSolutionGenerator(scorer Scorer, logger logging.Logger) *SolutionGenerator {
	return &SolutionGenerator{scorer: scorer, logger: logger.WithComponent("solutions")}
}

// Generate returns the scored candidates for the contradiction. A
// scoring failure on one candidate drops that candidate, not the set;
// the universal fallback is always scored last and kept even if its
// scorer call fails (with conservative default scores).
func (g *SolutionGenerator) Generate(ctx context.Context, contradiction *types.Contradiction) ([]types.CreativeSolution, error) {
	candidates, ok := candidateTypes[contradiction.Type]
	if !ok {
		return nil, errors.Newf(errors.ErrorCodeValidation, "unknown contradiction type: %s", contradiction.Type)
	}

	out := make([]types.CreativeSolution, 0, len(candidates))
	for _, st := range candidates {
		solution := buildCandidate(st, contradiction)
		scores, err := g.scorer.Score(ctx, contradiction, &solution)
		if err != nil {
			if st != types.SolutionUniversal {
				g.logger.WarnContext(ctx, "candidate scoring failed, dropping candidate", "solution_type", string(st), "error", err.Error())
				continue
			}
			// the fallback must survive scorer failure
			scores = types.SolutionScores{Effectiveness: 0.5, NarrativeCost: 0.5, PlayerImpact: 0.5}
		}
		solution.Scores = scores.Clamped()
		out = append(out, solution)
	}
	return out, nil
}

// buildCandidate fills in the in-fiction framing for one mechanism
func buildCandidate(st types.SolutionType, contradiction *types.Contradiction) types.CreativeSolution {
	tmpl := candidateTemplates[st]
	return types.CreativeSolution{
		ID:                  uuid.New().String(),
		Type:                st,
		Description:         fmt.Sprintf(tmpl.description, contradiction.Description),
		ImplementationSteps: tmpl.steps,
		InWorldExplanation:  tmpl.inWorld,
	}
}

type candidateTemplate struct {
	description string
	steps       []string
	inWorld     string
}

var candidateTemplates = map[types.SolutionType]candidateTemplate{
	types.SolutionCharacterDriven: {
		description: "Frame the clash as genuine character growth: %s",
		steps: []string{
			"Identify the trait both statements touch",
			"Annotate the earlier canon with the turning point that changed it",
			"Reference the growth explicitly in upcoming narration",
		},
		inWorld: "People change. What was true of them once is no longer the whole story.",
	},
	types.SolutionPerspectiveBased: {
		description: "Attribute one account to a limited or unreliable viewpoint: %s",
		steps: []string{
			"Pick which statement becomes the subjective account",
			"Annotate it with whose perspective it reflects",
			"Let later narration reveal the fuller picture",
		},
		inWorld: "Nobody in this story sees everything. One of these accounts is how it looked from where someone stood.",
	},
	types.SolutionTemporal: {
		description: "Stretch or reorder the timeline in-fiction: %s",
		steps: []string{
			"Establish how much unnarrated time separates the two events",
			"Annotate the earlier event with its revised placement",
			"Anchor the new ordering with an in-world reference",
		},
		inWorld: "More time passed between those moments than the telling suggested.",
	},
	types.SolutionMemoryBased: {
		description: "Attribute the clash to imperfect recollection: %s",
		steps: []string{
			"Choose the account that becomes a misremembering",
			"Annotate it as recollection rather than record",
			"Give a character a moment of doubt about the memory",
		},
		inWorld: "Memory bends. The event and its retelling were never quite the same thing.",
	},
	types.SolutionCausalBridge: {
		description: "Insert an unseen event that repairs the causal chain: %s",
		steps: []string{
			"Identify the missing link between cause and effect",
			"Annotate the gap with the off-page event that fills it",
			"Foreshadow the bridge event in upcoming narration",
		},
		inWorld: "Something happened off the page that connects what seemed disconnected.",
	},
	types.SolutionHiddenFactor: {
		description: "Reveal a previously unknown actor or force at work: %s",
		steps: []string{
			"Name the hidden factor and its motive",
			"Annotate the affected canon with the factor's influence",
			"Plan the reveal so it lands as discovery, not correction",
		},
		inWorld: "An influence no one had seen was shaping events all along.",
	},
	types.SolutionRecontextualization: {
		description: "Reframe the scene so the clashing tones align: %s",
		steps: []string{
			"Identify the context that makes both readings compatible",
			"Annotate the scene with the reframing",
			"Echo the new framing in the next narration beat",
		},
		inWorld: "Seen in its full context, the scene means something different than it first appeared.",
	},
	types.SolutionSubtext: {
		description: "Treat the mismatch as deliberate undercurrent: %s",
		steps: []string{
			"Decide what the surface contradiction is really signalling",
			"Annotate the content as intentional subtext",
			"Pay the undercurrent off in a later scene",
		},
		inWorld: "The dissonance is the point. Something beneath the surface is pulling against the telling.",
	},
	types.SolutionUniversal: {
		description: "Acknowledge the tension inside the fiction and carry it forward: %s",
		steps: []string{
			"Have the narration notice the inconsistency in-world",
			"Annotate both elements as an open question of the story",
			"Commit to resolving the question within the next narrative arc",
		},
		inWorld: "The story itself notices the contradiction and holds it as an unanswered question.",
	},
}

// Selector picks the best candidate by composite score
type Selector struct {
	weights config.SelectionConfig
}

func NewSelector(weights config.SelectionConfig) *Selector {
	return &Selector{weights: weights}
}

// Composite computes effectiveness*w1 - cost*w2 - impact*w3
func (s *Selector) Composite(scores types.SolutionScores) float64 {
	return scores.Effectiveness*s.weights.WeightEffectiveness -
		scores.NarrativeCost*s.weights.WeightNarrativeCost -
		scores.PlayerImpact*s.weights.WeightPlayerImpact
}

// Select returns the candidate with the highest composite score. Ties
// break toward lower narrative cost, then lexicographic solution type,
// so selection is deterministic for a fixed candidate set.
func (s *Selector) Select(candidates []types.CreativeSolution) (types.CreativeSolution, error) {
	if len(candidates) == 0 {
		return types.CreativeSolution{}, errors.New(errors.ErrorCodeInternal, "no candidates to select from")
	}

	ranked := append([]types.CreativeSolution(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := s.Composite(ranked[i].Scores), s.Composite(ranked[j].Scores)
		if ci != cj {
			return ci > cj
		}
		if ranked[i].Scores.NarrativeCost != ranked[j].Scores.NarrativeCost {
			return ranked[i].Scores.NarrativeCost < ranked[j].Scores.NarrativeCost
		}
		return ranked[i].Type < ranked[j].Type
	})
	return ranked[0], nil
}

// BuildResolution wraps a selected solution into a resolution, deriving
// the retroactive annotations the solution implies. The engine writes no
// prose: every derived change is an annotation on an element already in
// canon, and the upstream generator is expected to act on the
// implementation steps. Elements not yet persisted, such as the content
// under validation, get no change here.
func BuildResolution(contradiction *types.Contradiction, solution types.CreativeSolution, snap *canon.Snapshot) (types.NarrativeResolution, []types.RetroactiveChange) {
	resolution := types.NarrativeResolution{
		ID:                    uuid.New().String(),
		ConflictID:            contradiction.ID,
		ResolvedSeverity:      contradiction.Severity,
		SolutionUsed:          solution,
		ImplementationSuccess: false,
		PlayerExplanation:     solution.InWorldExplanation,
		CreatedAt:             time.Now().UTC(),
	}

	changes := make([]types.RetroactiveChange, 0, len(contradiction.Elements))
	for _, elementID := range contradiction.Elements {
		var kind types.TargetKind
		switch {
		case snap.HasLore(elementID):
			kind = types.TargetLore
		case snap.HasContent(elementID):
			kind = types.TargetContent
		default:
			continue
		}
		change := types.NewRetroactiveChange(contradiction.SessionID, elementID, kind, types.ChangeAnnotation)
		change.ModifiedContent = fmt.Sprintf("[%s] %s", solution.Type, solution.InWorldExplanation)
		change.Justification = fmt.Sprintf("resolves %s contradiction %s", contradiction.Type, contradiction.ID)
		change.InWorldExplanation = solution.InWorldExplanation
		changes = append(changes, change)
		resolution.NarrativeChanges = append(resolution.NarrativeChanges, change.ID)
	}
	return resolution, changes
}
