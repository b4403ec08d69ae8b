// Package types provides core data structures and type definitions for the
// narrative coherence engine: canon entries, narrative content, detected
// contradictions, creative solutions, and retroactive changes.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetKind identifies which kind of canon entity a retroactive change mutates.
type TargetKind string

const (
	// TargetLore targets a LoreEntry
	TargetLore TargetKind = "lore"
	// TargetContent targets a NarrativeContent item
	TargetContent TargetKind = "content"
)

// Valid returns true if the target kind is valid
func (tk TargetKind) Valid() bool {
	return tk == TargetLore || tk == TargetContent
}

// LoreCategory represents the category of a canonical lore entry
type LoreCategory string

const (
	// LoreCharacter covers facts about a character
	LoreCharacter LoreCategory = "character"
	// LoreLocation covers facts about a place
	LoreLocation LoreCategory = "location"
	// LoreRule covers world rules (magic systems, physics, law)
	LoreRule LoreCategory = "rule"
	// LoreEvent covers events that happened in the fiction
	LoreEvent LoreCategory = "event"
)

// Valid returns true if the lore category is valid
func (lc LoreCategory) Valid() bool {
	switch lc {
	case LoreCharacter, LoreLocation, LoreRule, LoreEvent:
		return true
	}
	return false
}

// Immutability represents how strongly a lore entry is locked into canon
type Immutability string

const (
	// ImmutabilityHardCanon marks facts that only a retcon may touch
	ImmutabilityHardCanon Immutability = "hard_canon"
	// ImmutabilitySoft marks facts that may bend to new content
	ImmutabilitySoft Immutability = "soft"
)

// Valid returns true if the immutability level is valid
func (im Immutability) Valid() bool {
	return im == ImmutabilityHardCanon || im == ImmutabilitySoft
}

// ContradictionType represents the detection strategy that produced a contradiction
type ContradictionType string

const (
	// ContradictionDirect is a factual clash with an established lore entry
	ContradictionDirect ContradictionType = "direct"
	// ContradictionTemporal is an event-ordering clash with recorded positions
	ContradictionTemporal ContradictionType = "temporal"
	// ContradictionCausal is a broken or backwards causal link
	ContradictionCausal ContradictionType = "causal"
	// ContradictionImplicit is a heuristic theme/tone mismatch with active storylines
	ContradictionImplicit ContradictionType = "implicit"
)

// Valid returns true if the contradiction type is valid
func (ct ContradictionType) Valid() bool {
	switch ct {
	case ContradictionDirect, ContradictionTemporal, ContradictionCausal, ContradictionImplicit:
		return true
	}
	return false
}

// Severity represents how badly a contradiction damages coherence
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid returns true if the severity is valid
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Weight returns the ordering weight of a severity, higher is worse
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// SolutionType represents the narrative device a creative solution uses
type SolutionType string

const (
	// SolutionCharacterDriven explains the clash through character growth or hidden motive
	SolutionCharacterDriven SolutionType = "character_driven"
	// SolutionPerspectiveBased reframes one account as a limited or unreliable viewpoint
	SolutionPerspectiveBased SolutionType = "perspective_based"
	// SolutionTemporal reorders or stretches the timeline in-fiction
	SolutionTemporal SolutionType = "temporal"
	// SolutionMemoryBased attributes the clash to imperfect recollection
	SolutionMemoryBased SolutionType = "memory_based"
	// SolutionCausalBridge inserts an unseen event that repairs the causal chain
	SolutionCausalBridge SolutionType = "causal_bridge"
	// SolutionHiddenFactor reveals a previously unknown actor or force
	SolutionHiddenFactor SolutionType = "hidden_factor"
	// SolutionRecontextualization reframes the scene so the tones align
	SolutionRecontextualization SolutionType = "recontextualization"
	// SolutionSubtext treats the mismatch as deliberate undercurrent
	SolutionSubtext SolutionType = "subtext"
	// SolutionUniversal is the always-available fallback framing
	SolutionUniversal SolutionType = "universal"
)

// Valid returns true if the solution type is valid
func (st SolutionType) Valid() bool {
	switch st {
	case SolutionCharacterDriven, SolutionPerspectiveBased, SolutionTemporal,
		SolutionMemoryBased, SolutionCausalBridge, SolutionHiddenFactor,
		SolutionRecontextualization, SolutionSubtext, SolutionUniversal:
		return true
	}
	return false
}

// ChangeType represents how a retroactive change alters its target
type ChangeType string

const (
	// ChangeModification rewrites the target's text
	ChangeModification ChangeType = "modification"
	// ChangeAddition appends new canon alongside the target
	ChangeAddition ChangeType = "addition"
	// ChangeAnnotation attaches a clarifying note without altering the text
	ChangeAnnotation ChangeType = "annotation"
)

// Valid returns true if the change type is valid
func (ct ChangeType) Valid() bool {
	switch ct {
	case ChangeModification, ChangeAddition, ChangeAnnotation:
		return true
	}
	return false
}

// Clamp01 bounds a score or confidence to [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// LoreEntry is a single canonical fact about the fictional world.
// Entries are append-only: a retcon supersedes an entry and links the
// replacement through SupersededBy rather than overwriting it.
type LoreEntry struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	Category      LoreCategory `json:"category"`
	Fact          string       `json:"fact"`
	Subject       string       `json:"subject"`
	Attribute     string       `json:"attribute"`
	EstablishedAt int64        `json:"established_at"` // narrative position
	Immutability  Immutability `json:"immutability"`
	Annotations   []string     `json:"annotations,omitempty"`
	Version       int          `json:"version"`
	SupersededBy  string       `json:"superseded_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewLoreEntry creates a version-1 lore entry with a fresh ID
func NewLoreEntry(sessionID string, category LoreCategory, subject, attribute, fact string, position int64) LoreEntry {
	return LoreEntry{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Category:      category,
		Fact:          fact,
		Subject:       subject,
		Attribute:     attribute,
		EstablishedAt: position,
		Immutability:  ImmutabilitySoft,
		Version:       1,
		CreatedAt:     time.Now().UTC(),
	}
}

// Key returns the subject+attribute lookup key used for direct
// contradiction matching
func (l *LoreEntry) Key() string {
	return strings.ToLower(strings.TrimSpace(l.Subject)) + "/" + strings.ToLower(strings.TrimSpace(l.Attribute))
}

// Validate checks the lore entry is well formed
func (l *LoreEntry) Validate() error {
	if l.ID == "" {
		return errors.New("lore entry ID is required")
	}
	if l.SessionID == "" {
		return errors.New("lore entry session ID is required")
	}
	if !l.Category.Valid() {
		return fmt.Errorf("invalid lore category: %s", l.Category)
	}
	if strings.TrimSpace(l.Fact) == "" {
		return errors.New("lore entry fact is required")
	}
	if strings.TrimSpace(l.Subject) == "" {
		return errors.New("lore entry subject is required")
	}
	if !l.Immutability.Valid() {
		return fmt.Errorf("invalid immutability level: %s", l.Immutability)
	}
	return nil
}

// Assertion is one subject/attribute/value claim extracted from narrative
// content by the upstream generator. Strength reflects how definite the
// phrasing is (hedged claims score lower).
type Assertion struct {
	Subject   string  `json:"subject"`
	Attribute string  `json:"attribute"`
	Value     string  `json:"value"`
	Strength  float64 `json:"strength"`
}

// Key returns the subject+attribute lookup key, matching LoreEntry.Key
func (a *Assertion) Key() string {
	return strings.ToLower(strings.TrimSpace(a.Subject)) + "/" + strings.ToLower(strings.TrimSpace(a.Attribute))
}

// OrderingClaim states that the content presents one event as happening
// before another
type OrderingClaim struct {
	BeforeID string `json:"before_id"`
	AfterID  string `json:"after_id"`
}

// NarrativeContent is one turn of generated narrative. Immutable once
// stored except through a retroactive change.
type NarrativeContent struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Text         string          `json:"text"`
	Position     int64           `json:"position"` // monotonic within a session
	Entities     []string        `json:"entities,omitempty"`
	CausalLinks  []string        `json:"causal_links,omitempty"` // IDs of prior content this depends on
	Themes       []string        `json:"themes,omitempty"`
	Assertions   []Assertion     `json:"assertions,omitempty"`
	Orderings    []OrderingClaim `json:"orderings,omitempty"`
	Annotations  []string        `json:"annotations,omitempty"`
	Version      int             `json:"version"`
	SupersededBy string          `json:"superseded_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewNarrativeContent creates a version-1 content item with a fresh ID
func NewNarrativeContent(sessionID, text string, position int64) NarrativeContent {
	return NarrativeContent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Text:      text,
		Position:  position,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the content is well formed
func (nc *NarrativeContent) Validate() error {
	if nc.ID == "" {
		return errors.New("content ID is required")
	}
	if nc.SessionID == "" {
		return errors.New("content session ID is required")
	}
	if strings.TrimSpace(nc.Text) == "" {
		return errors.New("content text is required")
	}
	if nc.Position < 0 {
		return errors.New("content position must be non-negative")
	}
	for i := range nc.Assertions {
		if strings.TrimSpace(nc.Assertions[i].Subject) == "" {
			return fmt.Errorf("assertion %d has no subject", i)
		}
	}
	return nil
}

// Contradiction is a detected inconsistency between new content and canon
// or active storylines. Ephemeral: recomputed per detection pass, never
// persisted as canon.
type Contradiction struct {
	ID          string            `json:"id"`
	Type        ContradictionType `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Elements    []string          `json:"elements"` // IDs of the conflicting canon entries / content
	Confidence  float64           `json:"confidence"`
	SessionID   string            `json:"session_id"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// NewContradiction creates a contradiction with a fresh ID and clamped confidence
func NewContradiction(sessionID string, ctype ContradictionType, severity Severity, description string, elements []string, confidence float64) Contradiction {
	return Contradiction{
		ID:          uuid.New().String(),
		Type:        ctype,
		Severity:    severity,
		Description: description,
		Elements:    elements,
		Confidence:  Clamp01(confidence),
		SessionID:   sessionID,
		DetectedAt:  time.Now().UTC(),
	}
}

func (c *Contradiction) Validate() error {
	if c.ID == "" {
		return errors.New("contradiction ID is required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("invalid contradiction type: %s", c.Type)
	}
	if !c.Severity.Valid() {
		return fmt.Errorf("invalid severity: %s", c.Severity)
	}
	return nil
}

// ConsistencyIssue is a non-fatal problem raised during validation, such
// as a detection strategy that failed internally and was skipped.
type ConsistencyIssue struct {
	Severity Severity `json:"severity"`
	Source   string   `json:"source"` // strategy or component name
	Message  string   `json:"message"`
}

// ValidationResult is the façade's answer for one content item
type ValidationResult struct {
	ContentID      string             `json:"content_id"`
	SessionID      string             `json:"session_id"`
	Valid          bool               `json:"valid"`
	Blocked        bool               `json:"blocked"` // unresolved CRITICAL contradiction present
	Contradictions []Contradiction    `json:"contradictions"`
	Issues         []ConsistencyIssue `json:"issues,omitempty"`
	AnalyzedAt     time.Time          `json:"analyzed_at"`
	ProcessingTime string             `json:"processing_time"`
}

// SolutionScores carries the three scoring axes for a creative solution,
// each bounded to [0,1]
type SolutionScores struct {
	Effectiveness float64 `json:"effectiveness"`
	NarrativeCost float64 `json:"narrative_cost"`
	PlayerImpact  float64 `json:"player_impact"`
}

// Clamped returns a copy with every axis bounded to [0,1]
func (s SolutionScores) Clamped() SolutionScores {
	return SolutionScores{
		Effectiveness: Clamp01(s.Effectiveness),
		NarrativeCost: Clamp01(s.NarrativeCost),
		PlayerImpact:  Clamp01(s.PlayerImpact),
	}
}

// CreativeSolution is one candidate in-fiction way to reconcile a
// contradiction
type CreativeSolution struct {
	ID                  string         `json:"id"`
	Type                SolutionType   `json:"type"`
	Description         string         `json:"description"`
	ImplementationSteps []string       `json:"implementation_steps"`
	InWorldExplanation  string         `json:"in_world_explanation"`
	Scores              SolutionScores `json:"scores"`
}

// Validate checks the candidate carries the fields generation must never
// leave empty
func (cs *CreativeSolution) Validate() error {
	if !cs.Type.Valid() {
		return fmt.Errorf("invalid solution type: %s", cs.Type)
	}
	if len(cs.ImplementationSteps) == 0 {
		return errors.New("solution has no implementation steps")
	}
	if strings.TrimSpace(cs.InWorldExplanation) == "" {
		return errors.New("solution has no in-world explanation")
	}
	return nil
}

// NarrativeResolution is the outcome of resolving one contradiction.
// ImplementationSuccess is set only after the retroactive change manager
// accepts the derived changes.
type NarrativeResolution struct {
	ID                    string           `json:"id"`
	ConflictID            string           `json:"conflict_id"`
	ResolvedSeverity      Severity         `json:"resolved_severity"`
	SolutionUsed          CreativeSolution `json:"solution_used"`
	ImplementationSuccess bool             `json:"implementation_success"`
	PlayerExplanation     string           `json:"player_explanation"`
	NarrativeChanges      []string         `json:"narrative_changes"`
	CreatedAt             time.Time        `json:"created_at"`
}

// RetroactiveChange is a justified, explained revision of previously
// established content or lore. Justification and InWorldExplanation must
// be non-empty before commit.
type RetroactiveChange struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	TargetID           string     `json:"target_id"`
	TargetKind         TargetKind `json:"target_kind"`
	ChangeType         ChangeType `json:"change_type"`
	OriginalContent    string     `json:"original_content"`
	ModifiedContent    string     `json:"modified_content"`
	Justification      string     `json:"justification"`
	InWorldExplanation string     `json:"in_world_explanation"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewRetroactiveChange creates a retroactive change with a fresh ID
func NewRetroactiveChange(sessionID, targetID string, kind TargetKind, ctype ChangeType) RetroactiveChange {
	return RetroactiveChange{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		TargetID:   targetID,
		TargetKind: kind,
		ChangeType: ctype,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the structural invariants required before commit
func (rc *RetroactiveChange) Validate() error {
	if rc.ID == "" {
		return errors.New("change ID is required")
	}
	if rc.TargetID == "" {
		return errors.New("change target ID is required")
	}
	if !rc.TargetKind.Valid() {
		return fmt.Errorf("invalid target kind: %s", rc.TargetKind)
	}
	if !rc.ChangeType.Valid() {
		return fmt.Errorf("invalid change type: %s", rc.ChangeType)
	}
	if strings.TrimSpace(rc.Justification) == "" {
		return errors.New("change justification is required")
	}
	if strings.TrimSpace(rc.InWorldExplanation) == "" {
		return errors.New("change in-world explanation is required")
	}
	return nil
}

// Inverse builds the reversal of an applied change by swapping original
// and modified content. The reversal is itself a new change, not an
// in-place undo.
func (rc *RetroactiveChange) Inverse(justification, inWorld string) RetroactiveChange {
	inv := NewRetroactiveChange(rc.SessionID, rc.TargetID, rc.TargetKind, rc.ChangeType)
	inv.OriginalContent = rc.ModifiedContent
	inv.ModifiedContent = rc.OriginalContent
	inv.Justification = justification
	inv.InWorldExplanation = inWorld
	return inv
}

// CommitResult reports whether a batch of retroactive changes was applied
type CommitResult struct {
	Applied        bool     `json:"applied"`
	RejectedReason string   `json:"rejected_reason,omitempty"`
	ChangeIDs      []string `json:"change_ids,omitempty"`
}

// StorylineThread is an independently tracked narrative arc. Read-only to
// the coherence engine except for tension adjustments it may suggest.
type StorylineThread struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	Title            string   `json:"title"`
	Participants     []string `json:"participants"`
	Themes           []string `json:"themes"`
	Tension          float64  `json:"tension"`
	ResolutionTarget string   `json:"resolution_target,omitempty"`
}

// Validate checks the thread is well formed
func (st *StorylineThread) Validate() error {
	if st.ID == "" {
		return errors.New("thread ID is required")
	}
	if strings.TrimSpace(st.Title) == "" {
		return errors.New("thread title is required")
	}
	if st.Tension < 0 || st.Tension > 1 {
		return fmt.Errorf("thread tension out of range: %f", st.Tension)
	}
	return nil
}

// ConvergenceValidation is the ephemeral result of analyzing whether
// active storylines are converging toward a shared resolution
type ConvergenceValidation struct {
	SessionID              string    `json:"session_id"`
	StorylineCount         int       `json:"storyline_count"`
	IsConvergent           bool      `json:"is_convergent"`
	ConvergenceScore       float64   `json:"convergence_score"`
	ConvergencePoints      []string  `json:"convergence_points"`
	IntegrationIssues      []string  `json:"integration_issues,omitempty"`
	RecommendedAdjustments []string  `json:"recommended_adjustments,omitempty"`
	AnalyzedAt             time.Time `json:"analyzed_at"`
}
