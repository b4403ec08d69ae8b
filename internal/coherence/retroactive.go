package coherence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"storyloom/internal/audit"
	"storyloom/internal/canon"
	"storyloom/internal/errors"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// RetroManager commits retroactive changes through a three-phase
// pipeline: structural validation, simulated re-detection, then atomic
// application. Commits for the same session are serialized; canon is
// never left holding a partial batch.
type RetroManager struct {
	store    canon.Store
	detector *Detector
	audit    *audit.Logger
	logger   logging.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

func NewRetroManager(store canon.Store, detector *Detector, auditLog *audit.Logger, logger logging.Logger) *RetroManager {
	return &RetroManager{
		store:    store,
		detector: detector,
		audit:    auditLog,
		logger:   logger.WithComponent("retro"),
		sessions: make(map[string]*sync.Mutex),
	}
}

func (m *RetroManager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessions[sessionID] = lock
	}
	return lock
}

// Commit validates and applies a batch of retroactive changes on behalf
// of a resolution. The batch is all-or-nothing: a rejection at any phase
// leaves canon untouched and is recorded in the audit log.
func (m *RetroManager) Commit(ctx context.Context, resolution *types.NarrativeResolution, changes []types.RetroactiveChange) (types.CommitResult, error) {
	if len(changes) == 0 {
		return types.CommitResult{Applied: true}, nil
	}
	sessionID := changes[0].SessionID

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// phase 1: structural validation
	for i := range changes {
		if changes[i].SessionID != sessionID {
			return m.reject(ctx, sessionID, resolution, "changes in one batch must share a session")
		}
		if err := changes[i].Validate(); err != nil {
			return m.reject(ctx, sessionID, resolution, fmt.Sprintf("change %s: %v", changes[i].ID, err))
		}
	}

	snap, err := m.store.Snapshot(ctx, sessionID)
	if err != nil {
		return types.CommitResult{}, errors.Wrap(errors.ErrorCodeInternal, "failed to load canon snapshot", err)
	}

	// hard canon may only be annotated, never rewritten
	for i := range changes {
		if changes[i].ChangeType == types.ChangeAnnotation || changes[i].TargetKind != types.TargetLore {
			continue
		}
		if entry, ok := snap.Lore(changes[i].TargetID); ok && entry.Immutability == types.ImmutabilityHardCanon {
			return m.reject(ctx, sessionID, resolution, fmt.Sprintf("target %s is hard canon and cannot be rewritten", changes[i].TargetID))
		}
	}

	// phase 2: simulate and re-detect. Any contradiction at or above the
	// severity being resolved that exists in the simulated canon but not
	// in the current one rejects the batch; pre-existing contradictions
	// the batch does not touch never block it.
	simulated, err := snap.Simulate(changes)
	if err != nil {
		return m.reject(ctx, sessionID, resolution, fmt.Sprintf("simulation failed: %v", err))
	}
	floor := resolution.ResolvedSeverity
	if !floor.Valid() {
		floor = types.SeverityError
	}
	if introduced := m.newContradiction(ctx, snap, simulated, floor); introduced != nil {
		return m.reject(ctx, sessionID, resolution,
			fmt.Sprintf("simulated canon introduces a new %s contradiction at or above %s: %s", introduced.Type, floor, introduced.Description))
	}

	// phase 3: atomic apply
	createdIDs, err := m.store.ApplyChanges(ctx, sessionID, changes)
	if err != nil {
		result, _ := m.reject(ctx, sessionID, resolution, fmt.Sprintf("apply failed: %v", err))
		return result, errors.Wrap(errors.ErrorCodeTransaction, "failed to apply retroactive changes", err)
	}

	if m.audit != nil {
		for i := range changes {
			createdID := ""
			if i < len(createdIDs) {
				createdID = createdIDs[i]
			}
			m.audit.RecordApplied(sessionID, resolution.ID, &changes[i], createdID)
		}
	}
	m.logger.InfoContext(ctx, "retroactive changes applied",
		"session_id", sessionID, "resolution_id", resolution.ID, "changes", len(changes))

	ids := make([]string, 0, len(changes))
	for i := range changes {
		ids = append(ids, changes[i].ID)
	}
	return types.CommitResult{Applied: true, ChangeIDs: ids}, nil
}

func (m *RetroManager) reject(ctx context.Context, sessionID string, resolution *types.NarrativeResolution, reason string) (types.CommitResult, error) {
	if m.audit != nil {
		m.audit.RecordRejected(sessionID, resolution.ID, reason)
	}
	m.logger.WarnContext(ctx, "retroactive change batch rejected",
		"session_id", sessionID, "resolution_id", resolution.ID, "reason", reason)
	return types.CommitResult{Applied: false, RejectedReason: reason},
		errors.New(errors.ErrorCodeRetroactiveConflict, reason)
}

// newContradiction re-detects both snapshots and returns the first
// contradiction at or above the floor present in the simulated canon but
// absent from the current one, comparing by (type, elements, severity)
// since IDs differ per detection pass. Returns nil when the batch
// introduces nothing new.
func (m *RetroManager) newContradiction(ctx context.Context, current, simulated *canon.Snapshot, floor types.Severity) *types.Contradiction {
	existing := make(map[string]int)
	for _, c := range m.detectAll(ctx, current) {
		existing[contradictionKey(&c)]++
	}

	for _, c := range m.detectAll(ctx, simulated) {
		if c.Severity.Weight() < floor.Weight() {
			continue
		}
		key := contradictionKey(&c)
		if existing[key] > 0 {
			existing[key]--
			continue
		}
		found := c
		return &found
	}
	return nil
}

func (m *RetroManager) detectAll(ctx context.Context, snap *canon.Snapshot) []types.Contradiction {
	var out []types.Contradiction
	for _, content := range snap.ActiveContent() {
		c := content
		found, _ := m.detector.Detect(ctx, &c, snap)
		out = append(out, found...)
	}
	return out
}

func contradictionKey(c *types.Contradiction) string {
	return string(c.Type) + "|" + string(c.Severity) + "|" + strings.Join(c.Elements, ",")
}

// Reverse undoes a previously applied modification by reconstructing its
// inverse from the audit log and committing it through the same
// pipeline. Only modifications can be reversed; annotations and
// additions carry no original state to restore.
func (m *RetroManager) Reverse(ctx context.Context, sessionID, changeID, justification, inWorldExplanation string) (types.CommitResult, error) {
	if m.audit == nil {
		return types.CommitResult{}, errors.New(errors.ErrorCodeInternal, "reversal requires the audit log")
	}
	event, found, err := m.audit.LookupChange(changeID)
	if err != nil {
		return types.CommitResult{}, errors.Wrap(errors.ErrorCodeInternal, "audit lookup failed", err)
	}
	if !found {
		return types.CommitResult{}, errors.Newf(errors.ErrorCodeNotFound, "change %s has no audit record", changeID)
	}
	if event.SessionID != sessionID {
		return types.CommitResult{}, errors.Newf(errors.ErrorCodeInvalidSession, "change %s belongs to another session", changeID)
	}
	if event.Change.ChangeType != types.ChangeModification {
		return types.CommitResult{}, errors.Newf(errors.ErrorCodeValidation, "only modifications can be reversed, change %s is %s", changeID, event.Change.ChangeType)
	}

	inverse := event.Change.Inverse(justification, inWorldExplanation)
	// the inverse targets the version the original change created
	if event.CreatedID != "" {
		inverse.TargetID = event.CreatedID
	}

	resolution := &types.NarrativeResolution{
		ID:               "reversal:" + changeID,
		ResolvedSeverity: types.SeverityError,
	}
	result, err := m.Commit(ctx, resolution, []types.RetroactiveChange{inverse})
	if err != nil {
		return result, err
	}
	m.audit.RecordReversed(sessionID, event.Change, &inverse)
	return result, nil
}
