package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
)

// Handlers contains the control API handlers.
type Handlers struct {
	engine Engine
}

// NewHandlers creates a Handlers instance over the engine.
func NewHandlers(eng Engine) *Handlers {
	return &Handlers{engine: eng}
}

type errorResponse struct {
	Error string `json:"error"`
}

type sourceResponse struct {
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Key        string `json:"key,omitempty"`
	PositionMs int64  `json:"position_ms"`
	Playing    bool   `json:"playing"`
	Device     string `json:"device,omitempty"`
}

type candidateResponse struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Artist     string   `json:"artist"`
	Album      string   `json:"album,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Tiers      []string `json:"tiers,omitempty"`
	Available  bool     `json:"available"`
	Explicit   bool     `json:"explicit,omitempty"`
}

type targetResponse struct {
	State      string `json:"state"`
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
	Muted      bool   `json:"muted"`
}

type statusResponse struct {
	Session       string             `json:"session"`
	SessionID     string             `json:"session_id,omitempty"`
	Source        sourceResponse     `json:"source"`
	Candidate     *candidateResponse `json:"candidate,omitempty"`
	Tier          string             `json:"tier,omitempty"`
	Attempts      int                `json:"attempts"`
	AuthExpired   bool               `json:"auth_expired"`
	SourceIdle    bool               `json:"source_idle"`
	Target        targetResponse     `json:"target"`
	FavoriteMs    int64              `json:"favorite_ms"`
	FavoriteFired bool               `json:"favorite_fired"`
}

type overrideResponse struct {
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	CandidateID string    `json:"candidate_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type overrideRequest struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	DurationMs  int64  `json:"duration_ms"`
	CandidateID string `json:"candidate_id"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Msgf("failed to encode api response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

func convertCandidate(c catalog.Candidate) candidateResponse {
	tiers := make([]string, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, t.String())
	}
	return candidateResponse{
		ID:         c.ID,
		Title:      c.Title,
		Artist:     c.Artist,
		Album:      c.Album,
		DurationMs: c.DurationMs,
		Tiers:      tiers,
		Available:  c.Available,
		Explicit:   c.Explicit,
	}
}

func convertSource(s track.SourceState) sourceResponse {
	resp := sourceResponse{
		PositionMs: s.PositionMs,
		Playing:    s.Playing,
		Device:     s.Device,
	}
	if !s.Identity.IsZero() {
		resp.Title = s.Identity.Title
		resp.Artist = s.Identity.Artist
		resp.Album = s.Identity.Album
		resp.DurationMs = s.Identity.DurationMs
		resp.Key = s.Identity.Key()
	}
	return resp
}

// Status returns a snapshot of the engine (GET /api/status).
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	st := h.engine.CurrentStatus(r.Context())

	resp := statusResponse{
		Session:     st.Session,
		SessionID:   st.SessionID,
		Source:      convertSource(st.Source),
		Attempts:    st.Attempts,
		AuthExpired: st.AuthExpired,
		SourceIdle:  st.SourceIdle,
		Target: targetResponse{
			State:      st.Target.State.String(),
			PositionMs: st.Target.PositionMs,
			DurationMs: st.Target.DurationMs,
			Muted:      st.Target.Muted,
		},
		FavoriteMs:    st.FavoriteMs,
		FavoriteFired: st.FavoriteFired,
	}
	if st.Candidate.ID != "" {
		cand := convertCandidate(st.Candidate)
		resp.Candidate = &cand
		resp.Tier = st.Tier.String()
	}

	respondJSON(w, http.StatusOK, resp)
}

// ListOverrides returns all persisted pins (GET /api/overrides).
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.engine.Overrides(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]overrideResponse, 0, len(overrides))
	for _, o := range overrides {
		resp = append(resp, overrideResponse{
			Key:         o.Key,
			Title:       o.Title,
			Artist:      o.Artist,
			CandidateID: o.CandidateID,
			UpdatedAt:   o.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// SetOverride pins an identity to a candidate (PUT /api/overrides).
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Artist) == "" {
		respondError(w, http.StatusBadRequest, "title and artist are required")
		return
	}
	if strings.TrimSpace(req.CandidateID) == "" {
		respondError(w, http.StatusBadRequest, "candidate_id is required")
		return
	}

	id := track.NewIdentity(req.Title, req.Artist, req.Album, req.DurationMs)
	if err := h.engine.SetOverride(r.Context(), id, req.CandidateID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, overrideResponse{
		Key:         id.Key(),
		Title:       id.Title,
		Artist:      id.Artist,
		CandidateID: req.CandidateID,
		UpdatedAt:   time.Now().UTC(),
	})
}

// ClearOverride removes a pin by identity key (DELETE /api/overrides/{key}).
func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	removed, err := h.engine.ClearOverride(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "no override for key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reset wipes all pins and favorite marks (POST /api/reset).
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetAll(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search queries the catalog for override candidates (GET /api/search).
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			respondError(w, http.StatusBadRequest, "limit must be 1-50")
			return
		}
		limit = parsed
	}

	candidates, err := h.engine.Search(r.Context(), query, limit)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := make([]candidateResponse, 0, len(candidates))
	for _, c := range candidates {
		resp = append(resp, convertCandidate(c))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Transport forwards a transport action to the source
// (POST /api/transport/{action}).
func (h *Handlers) Transport(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	if err := h.engine.SourceCommand(r.Context(), action); err != nil {
		if strings.Contains(err.Error(), "unsupported transport action") {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
