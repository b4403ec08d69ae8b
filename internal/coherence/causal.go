package coherence

import (
	"context"
	"fmt"
	"sort"

	"storyloom/internal/canon"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// CausalValidator checks cause-and-effect claims: every cause the content
// cites must be established in canon, causes must precede their effects,
// and the combined dependency graph must stay acyclic.
type CausalValidator struct {
	logger logging.Logger
}

func NewCausalValidator(logger logging.Logger) *CausalValidator {
	return &CausalValidator{logger: logger.WithComponent("causal")}
}

// ValidateLinks validates the content's causal links against the
// snapshot. Each link names prior content the new content depends on. It
// backs the causal detection strategy and is also callable on its own.
func (v *CausalValidator) ValidateLinks(ctx context.Context, content *types.NarrativeContent, snap *canon.Snapshot) []types.Contradiction {
	var out []types.Contradiction

	for _, causeID := range content.CausalLinks {
		causePos, known := positionOf(snap, causeID)
		if !known {
			out = append(out, types.NewContradiction(
				content.SessionID,
				types.ContradictionCausal,
				types.SeverityError,
				fmt.Sprintf("content depends on %s, which is established nowhere in canon", causeID),
				[]string{content.ID, causeID},
				0.85,
			))
			continue
		}
		if causePos >= content.Position {
			out = append(out, types.NewContradiction(
				content.SessionID,
				types.ContradictionCausal,
				types.SeverityError,
				fmt.Sprintf("cause %s (position %d) does not precede the content it explains (position %d)", causeID, causePos, content.Position),
				[]string{content.ID, causeID},
				0.9,
			))
		}
	}

	if cycle := findCycle(content, snap); len(cycle) > 0 {
		out = append(out, types.NewContradiction(
			content.SessionID,
			types.ContradictionCausal,
			types.SeverityCritical,
			fmt.Sprintf("causal dependencies form a cycle: %v", cycle),
			append([]string{content.ID}, cycle...),
			0.95,
		))
	}

	return out
}

// ValidateChain walks a proposed event chain and reports the first
// break: an unknown event or a backwards step
func (v *CausalValidator) ValidateChain(ctx context.Context, snap *canon.Snapshot, eventIDs []string) error {
	if len(eventIDs) < 2 {
		return nil
	}
	var prevPos int64
	for i, id := range eventIDs {
		pos, ok := positionOf(snap, id)
		if !ok {
			return fmt.Errorf("chain event %s is not established in canon", id)
		}
		if i > 0 && pos <= prevPos {
			return fmt.Errorf("chain event %s (position %d) does not follow %s (position %d)", id, pos, eventIDs[i-1], prevPos)
		}
		prevPos = pos
	}
	return nil
}

// findCycle runs a depth-first search over the union of the snapshot's
// causal dependencies and the content's new ones. Edges point from cause
// to dependent content. Returns the node IDs on the first cycle found,
// sorted for determinism, or nil.
func findCycle(content *types.NarrativeContent, snap *canon.Snapshot) []string {
	edges := make(map[string][]string)
	for _, c := range snap.ActiveContent() {
		for _, causeID := range c.CausalLinks {
			edges[causeID] = append(edges[causeID], c.ID)
		}
	}
	for _, causeID := range content.CausalLinks {
		edges[causeID] = append(edges[causeID], content.ID)
	}

	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int)
	var cycle []string

	var visit func(node string, stack []string) bool
	visit = func(node string, stack []string) bool {
		state[node] = inStack
		stack = append(stack, node)
		for _, next := range edges[node] {
			switch state[next] {
			case inStack:
				for i, s := range stack {
					if s == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case unvisited:
				if visit(next, stack) {
					return true
				}
			}
		}
		state[node] = finished
		return false
	}

	roots := make([]string, 0, len(edges))
	for node := range edges {
		roots = append(roots, node)
	}
	sort.Strings(roots)
	for _, node := range roots {
		if state[node] == unvisited && visit(node, nil) {
			sort.Strings(cycle)
			return cycle
		}
	}
	return nil
}
