// Package coherence implements the narrative coherence and conflict
// resolution engine: contradiction detection against established canon,
// creative solution search, transactional retroactive changes, and
// storyline convergence analysis.
package coherence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"storyloom/internal/canon"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// Detector finds contradictions between new narrative content and the
// current canon snapshot. Detection is a pure function of content and
// snapshot: identical inputs yield the same multiset of
// (type, elements, severity), though IDs differ per pass.
type Detector struct {
	minConfidence         float64
	implicitThemeOverlap  float64
	directSimilarityFloor float64

	causal *CausalValidator
	logger logging.Logger

	// exclusive value pairs for mutual-exclusion checks
	exclusivePairs [][2]string
}

// NewDetector creates a detector with the given thresholds
func NewDetector(cfg config.DetectionConfig, causal *CausalValidator, logger logging.Logger) *Detector {
	return &Detector{
		minConfidence:         cfg.MinConfidence,
		implicitThemeOverlap:  cfg.ImplicitThemeOverlap,
		directSimilarityFloor: cfg.DirectSimilarityFloor,
		causal:                causal,
		logger:                logger.WithComponent("detector"),
		exclusivePairs: [][2]string{
			{"fears", "fearless"},
			{"fears", "fearlessly"},
			{"fears", "unafraid"},
			{"afraid", "fearless"},
			{"afraid", "fearlessly"},
			{"alive", "dead"},
			{"living", "dead"},
			{"blind", "sees"},
			{"mute", "speaks"},
			{"ally", "enemy"},
			{"friend", "enemy"},
			{"destroyed", "intact"},
			{"ruined", "pristine"},
			{"locked", "open"},
			{"always", "never"},
			{"loves", "hates"},
			{"trusts", "distrusts"},
			{"rich", "penniless"},
			{"young", "ancient"},
		},
	}
}

// Detect runs every detection strategy against the snapshot and returns
// contradictions ordered by severity then confidence, plus any non-fatal
// issues raised along the way. An internal failure in one strategy
// degrades to a WARNING issue; the remaining strategies still run.
func (d *Detector) Detect(ctx context.Context, content *types.NarrativeContent, snap *canon.Snapshot) ([]types.Contradiction, []types.ConsistencyIssue) {
	var contradictions []types.Contradiction
	var issues []types.ConsistencyIssue

	strategies := []struct {
		name string
		run  func(context.Context, *types.NarrativeContent, *canon.Snapshot) []types.Contradiction
	}{
		{"direct", d.detectDirect},
		{"temporal", d.detectTemporal},
		{"causal", d.detectCausal},
		{"implicit", d.detectImplicit},
	}

	for _, s := range strategies {
		found, issue := d.runStrategy(ctx, s.name, s.run, content, snap)
		if issue != nil {
			issues = append(issues, *issue)
			continue
		}
		contradictions = append(contradictions, found...)
	}

	filtered := contradictions[:0]
	for i := range contradictions {
		if contradictions[i].Confidence >= d.minConfidence {
			filtered = append(filtered, contradictions[i])
		}
	}

	sortContradictions(filtered)
	return filtered, issues
}

// runStrategy isolates a single strategy so a panic inside it cannot
// abort the whole detection pass
func (d *Detector) runStrategy(ctx context.Context, name string,
	run func(context.Context, *types.NarrativeContent, *canon.Snapshot) []types.Contradiction,
	content *types.NarrativeContent, snap *canon.Snapshot) (found []types.Contradiction, issue *types.ConsistencyIssue) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WarnContext(ctx, "detection strategy failed", "strategy", name, "panic", fmt.Sprintf("%v", r))
			issue = &types.ConsistencyIssue{
				Severity: types.SeverityWarning,
				Source:   name,
				Message:  fmt.Sprintf("strategy %s failed internally and was skipped: %v", name, r),
			}
			found = nil
		}
	}()
	return run(ctx, content, snap), nil
}

// sortContradictions orders by severity desc, confidence desc, then by
// stable tiebreakers so repeated passes produce identical orderings
func sortContradictions(cs []types.Contradiction) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Severity != cs[j].Severity {
			return cs[i].Severity.Weight() > cs[j].Severity.Weight()
		}
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		if cs[i].Type != cs[j].Type {
			return cs[i].Type < cs[j].Type
		}
		return strings.Join(cs[i].Elements, ",") < strings.Join(cs[j].Elements, ",")
	})
}

// detectDirect matches the content's assertions against lore entries
// sharing the same subject+attribute key
func (d *Detector) detectDirect(ctx context.Context, content *types.NarrativeContent, snap *canon.Snapshot) []types.Contradiction {
	var out []types.Contradiction
	for i := range content.Assertions {
		a := &content.Assertions[i]
		for _, entry := range snap.ActiveLoreByKey(a.Key()) {
			if !d.mutuallyExclusive(a.Value, entry.Fact) {
				continue
			}

			overlap := jaccardSimilarity(a.Value, entry.Fact)
			if overlap < d.directSimilarityFloor {
				overlap = d.directSimilarityFloor
			}
			confidence := types.Clamp01(a.Strength*0.7 + overlap*0.3)
			severity := directSeverity(entry.Immutability, confidence)
			out = append(out, types.NewContradiction(
				content.SessionID,
				types.ContradictionDirect,
				severity,
				fmt.Sprintf("content asserts %q about %s/%s, but canon holds %q", a.Value, a.Subject, a.Attribute, entry.Fact),
				[]string{content.ID, entry.ID},
				confidence,
			))
		}
	}
	return out
}

func directSeverity(level types.Immutability, confidence float64) types.Severity {
	if level == types.ImmutabilityHardCanon {
		if confidence >= 0.8 {
			return types.SeverityCritical
		}
		return types.SeverityError
	}
	if confidence >= 0.6 {
		return types.SeverityError
	}
	return types.SeverityWarning
}

// detectTemporal checks asserted event orderings against recorded
// narrative positions
func (d *Detector) detectTemporal(ctx context.Context, content *types.NarrativeContent, snap *canon.Snapshot) []types.Contradiction {
	var out []types.Contradiction
	for _, claim := range content.Orderings {
		beforePos, beforeOK := positionOf(snap, claim.BeforeID)
		afterPos, afterOK := positionOf(snap, claim.AfterID)
		if !beforeOK || !afterOK {
			continue // unknown references are the causal validator's concern
		}
		if beforePos >= afterPos {
			out = append(out, types.NewContradiction(
				content.SessionID,
				types.ContradictionTemporal,
				types.SeverityError,
				fmt.Sprintf("content places %s before %s, but canon records positions %d and %d", claim.BeforeID, claim.AfterID, beforePos, afterPos),
				[]string{content.ID, claim.BeforeID, claim.AfterID},
				0.9,
			))
		}
	}
	return out
}

// positionOf resolves an ID to its narrative position, accepting either
// content items or event lore entries
func positionOf(snap *canon.Snapshot, id string) (int64, bool) {
	if c, ok := snap.Content(id); ok {
		return c.Position, true
	}
	if e, ok := snap.Lore(id); ok {
		return e.EstablishedAt, true
	}
	return 0, false
}

func (d *Detector) detectCausal(ctx context.Context, content *types.NarrativeContent, snap *canon.Snapshot) []types.Contradiction {
	return d.causal.ValidateLinks(ctx, content, snap)
}

// detectImplicit compares the content's themes against the active
// storyline threads; weak overlap is heuristic evidence of drift, so it
// surfaces at WARNING severity rather than as a factual clash
func (d *Detector) detectImplicit(ctx context.Context, content *types.NarrativeContent, snap *canon.Snapshot) []types.Contradiction {
	threads := snap.Threads()
	if len(content.Themes) == 0 || len(threads) == 0 {
		return nil
	}

	best := -1.0
	bestThread := ""
	for i := range threads {
		overlap := setOverlap(content.Themes, threads[i].Themes)
		if overlap > best {
			best = overlap
			bestThread = threads[i].ID
		}
	}

	if best >= d.implicitThemeOverlap {
		return nil
	}

	confidence := types.Clamp01(0.5 + (d.implicitThemeOverlap - best))
	return []types.Contradiction{types.NewContradiction(
		content.SessionID,
		types.ContradictionImplicit,
		types.SeverityWarning,
		fmt.Sprintf("content themes %v overlap active storylines at %.2f, below the %.2f threshold (closest thread %s)", content.Themes, best, d.implicitThemeOverlap, bestThread),
		[]string{content.ID, bestThread},
		confidence,
	)}
}

// mutuallyExclusive reports whether two statements cannot both hold,
// using a negation check plus a table of exclusive value pairs
func (d *Detector) mutuallyExclusive(a, b string) bool {
	aLower := " " + strings.ToLower(a) + " "
	bLower := " " + strings.ToLower(b) + " "

	for _, pair := range d.exclusivePairs {
		if strings.Contains(aLower, " "+pair[0]+" ") && strings.Contains(bLower, " "+pair[1]+" ") {
			return true
		}
		if strings.Contains(aLower, " "+pair[1]+" ") && strings.Contains(bLower, " "+pair[0]+" ") {
			return true
		}
	}

	// "X" vs "not X" / "no longer X"
	for _, neg := range []string{"not ", "never ", "no longer "} {
		if negatedForm(aLower, bLower, neg) || negatedForm(bLower, aLower, neg) {
			return true
		}
	}
	return false
}

func negatedForm(plain, negated, marker string) bool {
	idx := strings.Index(negated, " "+marker)
	if idx < 0 {
		return false
	}
	rest := strings.TrimSpace(negated[idx+1+len(marker):])
	if rest == "" {
		return false
	}
	head := strings.Fields(rest)
	if len(head) == 0 {
		return false
	}
	return strings.Contains(plain, " "+head[0]+" ")
}

// jaccardSimilarity computes word-set overlap between two statements
func jaccardSimilarity(a, b string) float64 {
	wordsA := strings.Fields(strings.ToLower(a))
	wordsB := strings.Fields(strings.ToLower(b))
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wordsB))
	intersection := 0
	for _, w := range wordsB {
		if setB[w] {
			continue
		}
		setB[w] = true
		if setA[w] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// setOverlap computes Jaccard overlap between two string sets
func setOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[strings.ToLower(s)] = true
	}
	setB := make(map[string]bool, len(b))
	intersection := 0
	for _, s := range b {
		k := strings.ToLower(s)
		if setB[k] {
			continue
		}
		setB[k] = true
		if setA[k] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
