package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"storyloom/internal/errors"
	"storyloom/pkg/types"
)

type healthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, http.StatusOK, healthStatus{
		Status:  "ok",
		Version: r.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

type putLoreRequest struct {
	Category     types.LoreCategory `json:"category"`
	Subject      string             `json:"subject"`
	Attribute    string             `json:"attribute"`
	Fact         string             `json:"fact"`
	Position     int64              `json:"position"`
	Immutability types.Immutability `json:"immutability,omitempty"`
}

func (r *Router) handlePutLore(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	var body putLoreRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}

	entry := types.NewLoreEntry(sessionID, body.Category, body.Subject, body.Attribute, body.Fact, body.Position)
	if body.Immutability.Valid() {
		entry.Immutability = body.Immutability
	}
	if err := entry.Validate(); err != nil {
		writeError(w, errors.Wrap(errors.ErrorCodeValidation, "invalid lore entry", err))
		return
	}
	if err := r.validator.Store().PutLore(req.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, entry)
}

type putContentRequest struct {
	Text        string                `json:"text"`
	Position    int64                 `json:"position"`
	Entities    []string              `json:"entities,omitempty"`
	CausalLinks []string              `json:"causal_links,omitempty"`
	Themes      []string              `json:"themes,omitempty"`
	Assertions  []types.Assertion     `json:"assertions,omitempty"`
	Orderings   []types.OrderingClaim `json:"orderings,omitempty"`
}

func (body *putContentRequest) toContent(sessionID string) types.NarrativeContent {
	content := types.NewNarrativeContent(sessionID, body.Text, body.Position)
	content.Entities = body.Entities
	content.CausalLinks = body.CausalLinks
	content.Themes = body.Themes
	content.Assertions = body.Assertions
	content.Orderings = body.Orderings
	return content
}

func (r *Router) handlePutContent(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	var body putContentRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}

	content := body.toContent(sessionID)
	if err := content.Validate(); err != nil {
		writeError(w, errors.Wrap(errors.ErrorCodeValidation, "invalid content", err))
		return
	}
	if err := r.validator.Store().PutContent(req.Context(), content); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, content)
}

func (r *Router) handlePutThread(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	var thread types.StorylineThread
	if err := decodeBody(req, &thread); err != nil {
		writeError(w, err)
		return
	}
	thread.SessionID = sessionID
	if err := thread.Validate(); err != nil {
		writeError(w, errors.Wrap(errors.ErrorCodeValidation, "invalid thread", err))
		return
	}
	if err := r.validator.Store().PutThread(req.Context(), thread); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, thread)
}

// handleValidate checks proposed content against canon without storing it
func (r *Router) handleValidate(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	var body putContentRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}

	content := body.toContent(sessionID)
	result, err := r.validator.ValidateContent(req.Context(), &content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

func (r *Router) handleResolve(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	var contradiction types.Contradiction
	if err := decodeBody(req, &contradiction); err != nil {
		writeError(w, err)
		return
	}
	contradiction.SessionID = sessionID
	contradiction.Confidence = types.Clamp01(contradiction.Confidence)
	if err := contradiction.Validate(); err != nil {
		writeError(w, errors.Wrap(errors.ErrorCodeValidation, "invalid contradiction", err))
		return
	}

	resolution, err := r.validator.ResolveConflict(req.Context(), &contradiction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, resolution)
}

func (r *Router) handleConvergence(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	result, err := r.validator.ValidateConvergence(req.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

type commitChangesRequest struct {
	Resolution types.NarrativeResolution `json:"resolution"`
	Changes    []types.RetroactiveChange `json:"changes"`
}

func (r *Router) handleCommitChanges(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	var body commitChangesRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}
	for i := range body.Changes {
		body.Changes[i].SessionID = sessionID
	}

	result, err := r.validator.CommitChanges(req.Context(), &body.Resolution, body.Changes)
	if err != nil {
		if result.RejectedReason != "" {
			writeErrorCode(w, http.StatusConflict, errors.CodeOf(err), result.RejectedReason)
			return
		}
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

type reverseChangeRequest struct {
	Justification      string `json:"justification"`
	InWorldExplanation string `json:"in_world_explanation"`
}

func (r *Router) handleReverseChange(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")
	changeID := chi.URLParam(req, "changeID")

	var body reverseChangeRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}

	result, err := r.validator.ReverseChange(req.Context(), sessionID, changeID, body.Justification, body.InWorldExplanation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}
