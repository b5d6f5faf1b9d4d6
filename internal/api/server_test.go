package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hifisync/hifisync/internal/app/engine"
	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/player"
	"github.com/hifisync/hifisync/internal/store"
)

type fakeEngine struct {
	mu sync.Mutex

	status        engine.Status
	overrides     []store.Override
	overridesErr  error
	setID         track.Identity
	setCandidate  string
	setErr        error
	clearedKey    string
	clearFound    bool
	resetCalls    int
	searchResults []catalog.Candidate
	searchErr     error
	searchQuery   string
	searchLimit   int
	actions       []string
	actionErr     error
	events        chan engine.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan engine.Event, 16), clearFound: true}
}

func (f *fakeEngine) CurrentStatus(ctx context.Context) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) Overrides(ctx context.Context) ([]store.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrides, f.overridesErr
}

func (f *fakeEngine) SetOverride(ctx context.Context, id track.Identity, candidateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setID = id
	f.setCandidate = candidateID
	return nil
}

func (f *fakeEngine) ClearOverride(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedKey = key
	return f.clearFound, nil
}

func (f *fakeEngine) ResetAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

func (f *fakeEngine) Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchQuery = query
	f.searchLimit = limit
	return f.searchResults, f.searchErr
}

func (f *fakeEngine) SourceCommand(ctx context.Context, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeEngine) Subscribe(buffer int) (<-chan engine.Event, func()) {
	return f.events, func() {}
}

func newTestServer(fe *fakeEngine) *Server {
	return NewServer(config.APIConfig{Addr: "127.0.0.1:0"}, fe)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	fe := newFakeEngine()
	fe.status = engine.Status{
		Session:   "playing",
		SessionID: "3f2c9a6e-8d41-4f0b-9c7d-2a5e1b8f4c03",
		Source: track.SourceState{
			Identity:   track.NewIdentity("Halcyon", "Test Artist", "Test Album", 200000),
			PositionMs: 42000,
			Playing:    true,
			Device:     "office speaker",
		},
		Candidate: catalog.Candidate{
			ID:         "cand-1",
			Title:      "Halcyon",
			Artist:     "Test Artist",
			DurationMs: 200000,
			Tiers:      []catalog.QualityTier{catalog.TierLossless},
			Available:  true,
		},
		Tier:     catalog.TierLossless,
		Attempts: 2,
		Target:   player.Status{State: player.StatePlaying, PositionMs: 41000, DurationMs: 200000},
	}

	rec := doRequest(t, newTestServer(fe), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "playing", resp.Session)
	assert.Equal(t, "3f2c9a6e-8d41-4f0b-9c7d-2a5e1b8f4c03", resp.SessionID)
	assert.Equal(t, "halcyon", resp.Source.Title)
	assert.Equal(t, int64(42000), resp.Source.PositionMs)
	require.NotNil(t, resp.Candidate)
	assert.Equal(t, "cand-1", resp.Candidate.ID)
	assert.Equal(t, []string{"Lossless"}, resp.Candidate.Tiers)
	assert.Equal(t, "Lossless", resp.Tier)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, "playing", resp.Target.State)
}

func TestStatusEndpoint_NoSession(t *testing.T) {
	fe := newFakeEngine()
	fe.status = engine.Status{Session: "idle"}

	rec := doRequest(t, newTestServer(fe), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.Session)
	assert.Nil(t, resp.Candidate)
	assert.Empty(t, resp.Tier)
}

func TestSetOverride(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{
			name: "valid",
			body: overrideRequest{
				Title:       "Halcyon",
				Artist:      "Test Artist",
				DurationMs:  200000,
				CandidateID: "cand-9",
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing title",
			body:       overrideRequest{Artist: "Test Artist", CandidateID: "cand-9"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing candidate id",
			body:       overrideRequest{Title: "Halcyon", Artist: "Test Artist"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       "not json at all",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := newFakeEngine()
			s := newTestServer(fe)

			var rec *httptest.ResponseRecorder
			if raw, ok := tt.body.(string); ok {
				req := httptest.NewRequest(http.MethodPut, "/api/overrides", strings.NewReader(raw))
				rec = httptest.NewRecorder()
				s.Handler().ServeHTTP(rec, req)
			} else {
				rec = doRequest(t, s, http.MethodPut, "/api/overrides", tt.body)
			}

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "halcyon", fe.setID.Title)
				assert.Equal(t, "cand-9", fe.setCandidate)

				var resp overrideResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, fe.setID.Key(), resp.Key)
			}
		})
	}
}

func TestClearOverride(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe)

	rec := doRequest(t, s, http.MethodDelete, "/api/overrides/abcd1234", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "abcd1234", fe.clearedKey)

	fe.clearFound = false
	rec = doRequest(t, s, http.MethodDelete, "/api/overrides/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOverrides(t *testing.T) {
	fe := newFakeEngine()
	fe.overrides = []store.Override{
		{Key: "k1", Title: "halcyon", Artist: "test artist", CandidateID: "cand-1"},
	}

	rec := doRequest(t, newTestServer(fe), http.MethodGet, "/api/overrides", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []overrideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "k1", resp[0].Key)
	assert.Equal(t, "cand-1", resp[0].CandidateID)
}

func TestReset(t *testing.T) {
	fe := newFakeEngine()

	rec := doRequest(t, newTestServer(fe), http.MethodPost, "/api/reset", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, fe.resetCalls)
}

func TestSearch(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		results    []catalog.Candidate
		searchErr  error
		wantStatus int
		wantCount  int
	}{
		{
			name: "results",
			path: "/api/search?q=halcyon&limit=5",
			results: []catalog.Candidate{
				{ID: "cand-1", Title: "Halcyon", Artist: "Test Artist", Tiers: []catalog.QualityTier{catalog.TierMax}},
			},
			wantStatus: http.StatusOK,
			wantCount:  1,
		},
		{
			name:       "missing query",
			path:       "/api/search",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad limit",
			path:       "/api/search?q=halcyon&limit=900",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "catalog down",
			path:       "/api/search?q=halcyon",
			searchErr:  errors.New("gateway timeout"),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := newFakeEngine()
			fe.searchResults = tt.results
			fe.searchErr = tt.searchErr

			rec := doRequest(t, newTestServer(fe), http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusOK {
				var resp []candidateResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Len(t, resp, tt.wantCount)
				assert.Equal(t, 5, fe.searchLimit)
			}
		})
	}
}

func TestTransport(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe)

	rec := doRequest(t, s, http.MethodPost, "/api/transport/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"next"}, fe.actions)

	fe.actionErr = errors.New("unsupported transport action: shuffle")
	rec = doRequest(t, s, http.MethodPost, "/api/transport/shuffle", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fe.actionErr = errors.New("network down")
	rec = doRequest(t, s, http.MethodPost, "/api/transport/pause", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEventsStream(t *testing.T) {
	fe := newFakeEngine()
	srv := httptest.NewServer(newTestServer(fe).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	fe.events <- engine.Event{
		Type:      engine.EventPlaybackStarted,
		Identity:  track.NewIdentity("Halcyon", "Test Artist", "", 200000),
		Candidate: catalog.Candidate{ID: "cand-1", Title: "Halcyon"},
		Tier:      catalog.TierLossless,
		At:        time.Now(),
	}

	reader := bufio.NewReader(resp.Body)
	var eventName, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if line == "" && data != "" {
			break
		}
	}

	assert.Equal(t, "playback_started", eventName)

	var payload eventPayload
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "playback_started", payload.Type)
	assert.Equal(t, "cand-1", payload.CandidateID)
	assert.Equal(t, "Lossless", payload.Tier)
	assert.Equal(t, "halcyon", payload.Title)
}
