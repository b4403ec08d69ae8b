package coherence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// ConvergenceValidator analyzes whether a session's active storyline
// threads are converging toward a shared resolution. With P the count of
// participants and T the count of themes appearing in more than one
// thread, score = min(1, base + weight*(P+T)); convergent at >= the
// threshold.
type ConvergenceValidator struct {
	base      float64
	weight    float64
	threshold float64
	logger    logging.Logger
}

func NewConvergenceValidator(cfg config.ConvergenceConfig, logger logging.Logger) *ConvergenceValidator {
	return &ConvergenceValidator{
		base:      cfg.Base,
		weight:    cfg.Weight,
		threshold: cfg.Threshold,
		logger:    logger.WithComponent("convergence"),
	}
}

// Validate computes the convergence analysis for the given threads
func (v *ConvergenceValidator) Validate(ctx context.Context, sessionID string, threads []types.StorylineThread) types.ConvergenceValidation {
	result := types.ConvergenceValidation{
		SessionID:      sessionID,
		StorylineCount: len(threads),
		AnalyzedAt:     time.Now().UTC(),
	}

	result.ConvergencePoints = sharedAcrossThreads(threads)

	score := v.base + v.weight*float64(len(result.ConvergencePoints))
	if score > 1 {
		score = 1
	}
	result.ConvergenceScore = score
	result.IsConvergent = score >= v.threshold

	if !result.IsConvergent {
		result.IntegrationIssues = isolatedThreads(threads)
		result.RecommendedAdjustments = recommendAdjustments(threads, result.ConvergencePoints)
	}

	v.logger.DebugContext(ctx, "convergence analyzed",
		"session_id", sessionID, "threads", len(threads),
		"points", len(result.ConvergencePoints),
		"score", fmt.Sprintf("%.2f", score), "convergent", result.IsConvergent)
	return result
}

// sharedAcrossThreads names participants and themes appearing in more
// than one thread; one entry per shared element, so the slice length is
// the P+T term of the score
func sharedAcrossThreads(threads []types.StorylineThread) []string {
	seen := make(map[string]int)
	for _, t := range threads {
		keys := make(map[string]bool)
		for _, p := range t.Participants {
			keys["participant:"+strings.ToLower(p)] = true
		}
		for _, th := range t.Themes {
			keys["theme:"+strings.ToLower(th)] = true
		}
		for k := range keys {
			seen[k]++
		}
	}
	var out []string
	for k, n := range seen {
		if n > 1 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// isolatedThreads reports threads sharing no participant or theme with
// any other thread
func isolatedThreads(threads []types.StorylineThread) []string {
	var out []string
	for i := range threads {
		isolated := true
		for j := range threads {
			if i == j {
				continue
			}
			if setOverlap(threads[i].Participants, threads[j].Participants) > 0 ||
				setOverlap(threads[i].Themes, threads[j].Themes) > 0 {
				isolated = false
				break
			}
		}
		if isolated {
			out = append(out, fmt.Sprintf("thread %s (%s) shares no participants or themes with any other thread", threads[i].ID, threads[i].Title))
		}
	}
	return out
}

func recommendAdjustments(threads []types.StorylineThread, points []string) []string {
	sharedParticipants := 0
	sharedThemes := 0
	for _, p := range points {
		if strings.HasPrefix(p, "participant:") {
			sharedParticipants++
		} else {
			sharedThemes++
		}
	}

	var out []string
	if sharedParticipants == 0 && len(threads) > 1 {
		out = append(out, "introduce a scene bringing participants from separate threads together")
	}
	if sharedThemes == 0 && len(threads) > 1 {
		out = append(out, "echo a dominant theme of one thread inside another")
	}
	for i := range threads {
		if threads[i].Tension < 0.2 && threads[i].ResolutionTarget == "" {
			out = append(out, fmt.Sprintf("thread %s has low tension and no resolution target; either raise its stakes or fold it into another thread", threads[i].ID))
		}
	}
	return out
}
