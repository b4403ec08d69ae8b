package coherence

import (
	"context"
	"sync"
	"time"

	"storyloom/internal/audit"
	"storyloom/internal/canon"
	"storyloom/internal/config"
	"storyloom/internal/errors"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// CoherenceValidator is the façade the rest of the platform talks to. It
// owns detection, resolution, retroactive commits, and convergence
// analysis for every session. Validation and convergence calls run
// concurrently; resolutions for one session run one at a time in arrival
// order.
type CoherenceValidator struct {
	store       canon.Store
	detector    *Detector
	causal      *CausalValidator
	generator   *SolutionGenerator
	selector    *Selector
	retro       *RetroManager
	convergence *ConvergenceValidator
	logger      logging.Logger

	mu         sync.Mutex
	resolveSeq map[string]*sync.Mutex
}

// New wires the engine together from configuration
func New(cfg *config.Config, store canon.Store, auditLog *audit.Logger, logger logging.Logger) (*CoherenceValidator, error) {
	scorer, err := BuildScorer(cfg.Scorer, logger)
	if err != nil {
		return nil, err
	}
	causal := NewCausalValidator(logger)
	detector := NewDetector(cfg.Detection, causal, logger)
	return &CoherenceValidator{
		store:       store,
		detector:    detector,
		causal:      causal,
		generator:   NewSolutionGenerator(scorer, logger),
		selector:    NewSelector(cfg.Selection),
		retro:       NewRetroManager(store, detector, auditLog, logger),
		convergence: NewConvergenceValidator(cfg.Convergence, logger),
		logger:      logger.WithComponent("coherence"),
	}, nil
}

// Store exposes the canon store for ingestion surfaces
func (v *CoherenceValidator) Store() canon.Store { return v.store }

// Causal exposes the causal validator for standalone chain checks
func (v *CoherenceValidator) Causal() *CausalValidator { return v.causal }

// ValidateContent checks proposed content against the session's canon.
// The content is not persisted; storing accepted content is the
// caller's decision.
func (v *CoherenceValidator) ValidateContent(ctx context.Context, content *types.NarrativeContent) (*types.ValidationResult, error) {
	start := time.Now()
	if err := content.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrorCodeValidation, "invalid content", err)
	}

	snap, err := v.store.Snapshot(ctx, content.SessionID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorCodeInternal, "failed to load canon snapshot", err)
	}

	contradictions, issues := v.detector.Detect(ctx, content, snap)

	result := &types.ValidationResult{
		ContentID:      content.ID,
		SessionID:      content.SessionID,
		Contradictions: contradictions,
		Issues:         issues,
		AnalyzedAt:     time.Now().UTC(),
		ProcessingTime: time.Since(start).String(),
	}
	result.Valid = true
	for i := range contradictions {
		if contradictions[i].Severity.Weight() >= types.SeverityError.Weight() {
			result.Valid = false
		}
		if contradictions[i].Severity == types.SeverityCritical {
			result.Blocked = true
		}
	}

	v.logger.InfoContext(ctx, "content validated",
		"session_id", content.SessionID, "content_id", content.ID,
		"contradictions", len(contradictions), "valid", result.Valid, "blocked", result.Blocked)
	return result, nil
}

// ResolveConflict finds, selects, and commits an in-fiction resolution
// for a contradiction. If the best candidate's derived changes are
// rejected at commit, the universal fallback is tried before giving up.
// Resolutions within one session are serialized in arrival order.
func (v *CoherenceValidator) ResolveConflict(ctx context.Context, contradiction *types.Contradiction) (*types.NarrativeResolution, error) {
	if !contradiction.Type.Valid() {
		return nil, errors.Newf(errors.ErrorCodeValidation, "invalid contradiction type: %s", contradiction.Type)
	}
	if contradiction.SessionID == "" {
		return nil, errors.New(errors.ErrorCodeInvalidSession, "contradiction has no session")
	}

	seq := v.resolveLock(contradiction.SessionID)
	seq.Lock()
	defer seq.Unlock()

	candidates, err := v.generator.Generate(ctx, contradiction)
	if err != nil {
		return nil, err
	}
	selected, err := v.selector.Select(candidates)
	if err != nil {
		return nil, err
	}

	snap, err := v.store.Snapshot(ctx, contradiction.SessionID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorCodeInternal, "failed to load canon snapshot", err)
	}

	resolution, commitErr := v.tryResolve(ctx, contradiction, selected, snap)
	if commitErr == nil {
		return resolution, nil
	}

	if selected.Type != types.SolutionUniversal {
		for i := range candidates {
			if candidates[i].Type == types.SolutionUniversal {
				v.logger.WarnContext(ctx, "selected solution rejected, retrying with universal fallback",
					"session_id", contradiction.SessionID, "conflict_id", contradiction.ID,
					"rejected_type", string(selected.Type))
				if fallback, err := v.tryResolve(ctx, contradiction, candidates[i], snap); err == nil {
					return fallback, nil
				}
				break
			}
		}
	}

	resolution.ImplementationSuccess = false
	return resolution, errors.Wrap(errors.ErrorCodeResolutionRejected, "no candidate solution could be committed", commitErr)
}

func (v *CoherenceValidator) tryResolve(ctx context.Context, contradiction *types.Contradiction, solution types.CreativeSolution, snap *canon.Snapshot) (*types.NarrativeResolution, error) {
	resolution, changes := BuildResolution(contradiction, solution, snap)
	if _, err := v.retro.Commit(ctx, &resolution, changes); err != nil {
		return &resolution, err
	}
	resolution.ImplementationSuccess = true
	v.logger.InfoContext(ctx, "conflict resolved",
		"session_id", contradiction.SessionID, "conflict_id", contradiction.ID,
		"solution_type", string(solution.Type), "changes", len(changes))
	return &resolution, nil
}

// CommitChanges applies caller-supplied retroactive changes through the
// full validation pipeline
func (v *CoherenceValidator) CommitChanges(ctx context.Context, resolution *types.NarrativeResolution, changes []types.RetroactiveChange) (types.CommitResult, error) {
	return v.retro.Commit(ctx, resolution, changes)
}

// ReverseChange undoes a previously committed modification
func (v *CoherenceValidator) ReverseChange(ctx context.Context, sessionID, changeID, justification, inWorldExplanation string) (types.CommitResult, error) {
	return v.retro.Reverse(ctx, sessionID, changeID, justification, inWorldExplanation)
}

// ValidateConvergence analyzes the session's active storyline threads
func (v *CoherenceValidator) ValidateConvergence(ctx context.Context, sessionID string) (*types.ConvergenceValidation, error) {
	if sessionID == "" {
		return nil, errors.New(errors.ErrorCodeInvalidSession, "session ID is required")
	}
	snap, err := v.store.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorCodeInternal, "failed to load canon snapshot", err)
	}
	result := v.convergence.Validate(ctx, sessionID, snap.Threads())
	return &result, nil
}

func (v *CoherenceValidator) resolveLock(sessionID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.resolveSeq[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		if v.resolveSeq == nil {
			v.resolveSeq = make(map[string]*sync.Mutex)
		}
		v.resolveSeq[sessionID] = lock
	}
	return lock
}
