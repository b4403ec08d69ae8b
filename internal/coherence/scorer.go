package coherence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// Scorer rates a candidate solution against the contradiction it would
// resolve. Implementations must be side-effect free; scores are clamped
// to [0,1] by the caller regardless of what they return.
type Scorer interface {
	Score(ctx context.Context, contradiction *types.Contradiction, solution *types.CreativeSolution) (types.SolutionScores, error)
	Name() string
}

// ruleBasedScorer is the default deterministic scorer. It rates
// effectiveness from how well the solution type fits the contradiction
// type, narrative cost from the intrusiveness of the mechanism, and
// player impact from severity.
type ruleBasedScorer struct {
	// CostBias shifts every narrative cost; positive values make the
	// selector more conservative
	CostBias float64 `mapstructure:"cost_bias"`
	// ImpactBias shifts every player impact the same way
	ImpactBias float64 `mapstructure:"impact_bias"`
}

// fit maps solution type to effectiveness per contradiction type. The
// universal fallback is deliberately mediocre everywhere: always
// applicable, never the best answer when a targeted mechanism exists.
var fit = map[types.ContradictionType]map[types.SolutionType]float64{
	types.ContradictionDirect: {
		types.SolutionCharacterDriven:  0.85,
		types.SolutionPerspectiveBased: 0.75,
		types.SolutionUniversal:        0.5,
	},
	types.ContradictionTemporal: {
		types.SolutionTemporal:    0.85,
		types.SolutionMemoryBased: 0.7,
		types.SolutionUniversal:   0.5,
	},
	types.ContradictionCausal: {
		types.SolutionCausalBridge: 0.85,
		types.SolutionHiddenFactor: 0.7,
		types.SolutionUniversal:    0.5,
	},
	types.ContradictionImplicit: {
		types.SolutionRecontextualization: 0.8,
		types.SolutionSubtext:             0.7,
		types.SolutionUniversal:           0.5,
	},
}

// cost reflects how much established text each mechanism disturbs
var cost = map[types.SolutionType]float64{
	types.SolutionCharacterDriven:     0.3,
	types.SolutionPerspectiveBased:    0.35,
	types.SolutionTemporal:            0.4,
	types.SolutionMemoryBased:         0.35,
	types.SolutionCausalBridge:        0.4,
	types.SolutionHiddenFactor:        0.45,
	types.SolutionRecontextualization: 0.3,
	types.SolutionSubtext:             0.25,
	types.SolutionUniversal:           0.5,
}

func (s *ruleBasedScorer) Name() string { return "rule_based" }

func (s *ruleBasedScorer) Score(_ context.Context, contradiction *types.Contradiction, solution *types.CreativeSolution) (types.SolutionScores, error) {
	effectiveness, ok := fit[contradiction.Type][solution.Type]
	if !ok {
		// type outside the contradiction's candidate set: usable, but weak
		effectiveness = 0.3
	}
	// stronger evidence makes a fitting solution more decisive
	effectiveness = effectiveness * (0.7 + 0.3*contradiction.Confidence)

	narrativeCost := cost[solution.Type] + s.CostBias

	// players notice fixes for loud contradictions more than quiet ones
	playerImpact := 0.15 + 0.2*float64(contradiction.Severity.Weight()-1) + s.ImpactBias

	return types.SolutionScores{
		Effectiveness: effectiveness,
		NarrativeCost: narrativeCost,
		PlayerImpact:  playerImpact,
	}.Clamped(), nil
}

// timeoutScorer wraps any scorer with a deadline; on timeout or error it
// falls back to the rule-based scorer so selection always completes
type timeoutScorer struct {
	inner    Scorer
	fallback Scorer
	timeout  time.Duration
	logger   logging.Logger
}

func (t *timeoutScorer) Name() string { return t.inner.Name() }

func (t *timeoutScorer) Score(ctx context.Context, contradiction *types.Contradiction, solution *types.CreativeSolution) (types.SolutionScores, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		scores types.SolutionScores
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		scores, err := t.inner.Score(ctx, contradiction, solution)
		ch <- result{scores, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.scores, nil
		}
		t.logger.WarnContext(ctx, "scorer failed, using rule-based fallback", "scorer", t.inner.Name(), "error", r.err.Error())
	case <-ctx.Done():
		t.logger.WarnContext(ctx, "scorer timed out, using rule-based fallback", "scorer", t.inner.Name(), "timeout", t.timeout.String())
	}
	return t.fallback.Score(context.Background(), contradiction, solution)
}

// BuildScorer constructs the configured scorer. Unknown strategies are an
// error rather than a silent fallback; a misconfigured deployment should
// fail at startup, not at resolution time.
func BuildScorer(cfg config.ScorerConfig, logger logging.Logger) (Scorer, error) {
	rule := &ruleBasedScorer{}
	if len(cfg.Options) > 0 {
		if err := mapstructure.Decode(cfg.Options, rule); err != nil {
			return nil, fmt.Errorf("invalid scorer options: %w", err)
		}
	}

	switch cfg.Strategy {
	case "", "rule_based":
		return rule, nil
	default:
		return nil, fmt.Errorf("unknown scorer strategy: %s", cfg.Strategy)
	}
}

// WrapWithTimeout bounds a scorer's calls and falls back to rule-based
// scoring when they overrun. Used when plugging in external scorers.
func WrapWithTimeout(inner Scorer, timeout time.Duration, logger logging.Logger) Scorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &timeoutScorer{
		inner:    inner,
		fallback: &ruleBasedScorer{},
		timeout:  timeout,
		logger:   logger.WithComponent("scorer"),
	}
}
