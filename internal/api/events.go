package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/app/engine"
)

const heartbeatInterval = 25 * time.Second

type eventPayload struct {
	Type           string    `json:"type"`
	Title          string    `json:"title,omitempty"`
	Artist         string    `json:"artist,omitempty"`
	Key            string    `json:"key,omitempty"`
	CandidateID    string    `json:"candidate_id,omitempty"`
	CandidateTitle string    `json:"candidate_title,omitempty"`
	FromTier       string    `json:"from_tier,omitempty"`
	Tier           string    `json:"tier,omitempty"`
	DeltaMs        int64     `json:"delta_ms,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

func convertEvent(ev engine.Event) eventPayload {
	p := eventPayload{
		Type:    ev.Type.String(),
		DeltaMs: ev.DeltaMs,
		Reason:  ev.Reason,
		At:      ev.At,
	}
	if !ev.Identity.IsZero() {
		p.Title = ev.Identity.Title
		p.Artist = ev.Identity.Artist
		p.Key = ev.Identity.Key()
	}
	if ev.Candidate.ID != "" {
		p.CandidateID = ev.Candidate.ID
		p.CandidateTitle = ev.Candidate.Title
	}
	switch ev.Type {
	case engine.EventQualityTierChanged:
		p.FromTier = ev.FromTier.String()
		p.Tier = ev.Tier.String()
	case engine.EventPlaybackStarted:
		p.Tier = ev.Tier.String()
	}
	return p
}

// Events streams engine events as server-sent events (GET /api/events).
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := h.engine.Subscribe(32)
	defer cancel()

	clientID := uuid.New().String()
	zlog.Info().Msgf("event stream opened: client=%s remote=%s", clientID, r.RemoteAddr)
	defer zlog.Info().Msgf("event stream closed: client=%s", clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(convertEvent(ev))
			if err != nil {
				zlog.Warn().Msgf("failed to marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
