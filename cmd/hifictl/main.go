// Package main provides the hifictl control CLI entry point.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
)

var (
	app    = kingpin.New("hifictl", "hifisync control client")
	server = app.Flag("server", "Daemon address").Envar("HIFISYNC_SERVER").Default("http://127.0.0.1:8080").String()

	// status command
	statusCmd = app.Command("status", "Get sync status")

	// list-overrides command
	listCmd = app.Command("list-overrides", "List all pinned overrides").Alias("list")

	// set-override command
	setCmd         = app.Command("set-override", "Pin a catalog candidate for a source track").Alias("set")
	setTitle       = setCmd.Arg("title", "Source track title").Required().String()
	setArtist      = setCmd.Arg("artist", "Source track artist").Required().String()
	setCandidateID = setCmd.Arg("candidate-id", "Catalog track ID to pin").Required().String()
	setAlbum       = setCmd.Flag("album", "Source album name").String()
	setDurationMs  = setCmd.Flag("duration-ms", "Source track duration in milliseconds").Int64()

	// clear-override command
	clearCmd = app.Command("clear-override", "Remove a pinned override").Alias("clear")
	clearKey = clearCmd.Arg("key", "Identity key (see list-overrides)").Required().String()

	// reset command
	resetCmd = app.Command("reset", "Clear all overrides and favorite markers")

	// search command
	searchCmd   = app.Command("search", "Search the catalog")
	searchQuery = searchCmd.Arg("query", "Search query (title and artist)").Required().String()
	searchLimit = searchCmd.Flag("limit", "Maximum results").Default("10").Int()

	// transport commands
	playCmd  = app.Command("play", "Resume source playback")
	pauseCmd = app.Command("pause", "Pause source playback")
	nextCmd  = app.Command("next", "Skip to the next source track")
	prevCmd  = app.Command("previous", "Return to the previous source track").Alias("prev")

	// watch command
	watchCmd = app.Command("watch", "Stream engine events until interrupted")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Create client
	client := &apiClient{
		baseURL: strings.TrimRight(*server, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
	}

	ctx := context.Background()

	// Execute command
	switch command {
	case statusCmd.FullCommand():
		status(ctx, client)
	case listCmd.FullCommand():
		listOverrides(ctx, client)
	case setCmd.FullCommand():
		setOverride(ctx, client)
	case clearCmd.FullCommand():
		clearOverride(ctx, client, *clearKey)
	case resetCmd.FullCommand():
		reset(ctx, client)
	case searchCmd.FullCommand():
		search(ctx, client, *searchQuery, *searchLimit)
	case playCmd.FullCommand():
		transport(ctx, client, "play", "Source playback resumed")
	case pauseCmd.FullCommand():
		transport(ctx, client, "pause", "Source playback paused")
	case nextCmd.FullCommand():
		transport(ctx, client, "next", "Skipped to next source track")
	case prevCmd.FullCommand():
		transport(ctx, client, "previous", "Returned to previous source track")
	case watchCmd.FullCommand():
		watch(ctx, client)
	}
}

// Response shapes, matching the daemon's control API.
type sourceInfo struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	DurationMs int64  `json:"duration_ms"`
	Key        string `json:"key"`
	PositionMs int64  `json:"position_ms"`
	Playing    bool   `json:"playing"`
	Device     string `json:"device"`
}

type candidateInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Artist     string   `json:"artist"`
	Album      string   `json:"album"`
	DurationMs int64    `json:"duration_ms"`
	Tiers      []string `json:"tiers"`
	Available  bool     `json:"available"`
	Explicit   bool     `json:"explicit"`
}

type targetInfo struct {
	State      string `json:"state"`
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
	Muted      bool   `json:"muted"`
}

type statusInfo struct {
	Session       string         `json:"session"`
	SessionID     string         `json:"session_id"`
	Source        sourceInfo     `json:"source"`
	Candidate     *candidateInfo `json:"candidate"`
	Tier          string         `json:"tier"`
	Attempts      int            `json:"attempts"`
	AuthExpired   bool           `json:"auth_expired"`
	SourceIdle    bool           `json:"source_idle"`
	Target        targetInfo     `json:"target"`
	FavoriteMs    int64          `json:"favorite_ms"`
	FavoriteFired bool           `json:"favorite_fired"`
}

type overrideInfo struct {
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	CandidateID string    `json:"candidate_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func status(ctx context.Context, client *apiClient) {
	var s statusInfo
	if err := client.getJSON(ctx, "/api/status", &s); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n=== CURRENT SYNC STATUS ===")
	fmt.Printf("Session: %s\n", s.Session)
	if s.SessionID != "" {
		fmt.Printf("Session ID: %s\n", s.SessionID)
	}
	if s.Tier != "" {
		fmt.Printf("Quality Tier: %s\n", s.Tier)
	}
	if s.Attempts > 0 {
		fmt.Printf("Tier Attempts: %d\n", s.Attempts)
	}
	if s.AuthExpired {
		fmt.Println("Source Auth: EXPIRED (re-authorization required)")
	}
	if s.SourceIdle {
		fmt.Println("Source: idle (nothing playing)")
	}

	if s.Source.Title != "" {
		fmt.Println("\nSource Track:")
		fmt.Printf("  Title: %s\n", s.Source.Title)
		fmt.Printf("  Artist: %s\n", s.Source.Artist)
		if s.Source.Album != "" {
			fmt.Printf("  Album: %s\n", s.Source.Album)
		}
		fmt.Printf("  Position: %s / %s\n", formatMs(s.Source.PositionMs), formatMs(s.Source.DurationMs))
		fmt.Printf("  Playing: %v\n", s.Source.Playing)
		if s.Source.Device != "" {
			fmt.Printf("  Device: %s\n", s.Source.Device)
		}
		fmt.Printf("  Key: %s\n", s.Source.Key)
	} else {
		fmt.Println("\nNo source track")
	}

	if s.Candidate != nil {
		fmt.Println("\nMatched Candidate:")
		fmt.Printf("  ID: %s\n", s.Candidate.ID)
		fmt.Printf("  Title: %s\n", s.Candidate.Title)
		fmt.Printf("  Artist: %s\n", s.Candidate.Artist)
		if s.Candidate.Album != "" {
			fmt.Printf("  Album: %s\n", s.Candidate.Album)
		}
		fmt.Printf("  Duration: %s\n", formatMs(s.Candidate.DurationMs))
		fmt.Printf("  Tiers: %s\n", strings.Join(s.Candidate.Tiers, ", "))
	}

	fmt.Println("\nTarget Player:")
	fmt.Printf("  State: %s\n", s.Target.State)
	fmt.Printf("  Position: %s / %s\n", formatMs(s.Target.PositionMs), formatMs(s.Target.DurationMs))
	fmt.Printf("  Muted Source: %v\n", s.Target.Muted)

	if s.FavoriteMs > 0 || s.FavoriteFired {
		fmt.Printf("\nFavorite Progress: %s (fired: %v)\n", formatMs(s.FavoriteMs), s.FavoriteFired)
	}
	fmt.Println()
}

func listOverrides(ctx context.Context, client *apiClient) {
	var overrides []overrideInfo
	if err := client.getJSON(ctx, "/api/overrides", &overrides); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Overrides (%d):\n", len(overrides))
	for _, o := range overrides {
		fmt.Printf("  %s: %s - %s -> %s (updated: %s)\n",
			o.Key, o.Artist, o.Title, o.CandidateID, o.UpdatedAt.Format(time.RFC3339))
	}
}

func setOverride(ctx context.Context, client *apiClient) {
	body := map[string]any{
		"title":        *setTitle,
		"artist":       *setArtist,
		"candidate_id": *setCandidateID,
	}
	if *setAlbum != "" {
		body["album"] = *setAlbum
	}
	if *setDurationMs > 0 {
		body["duration_ms"] = *setDurationMs
	}

	var o overrideInfo
	if err := client.send(ctx, http.MethodPut, "/api/overrides", body, &o); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Override pinned: %s - %s -> %s (key: %s)\n", o.Artist, o.Title, o.CandidateID, o.Key)
}

func clearOverride(ctx context.Context, client *apiClient, key string) {
	if err := client.send(ctx, http.MethodDelete, "/api/overrides/"+url.PathEscape(key), nil, nil); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Override cleared")
}

func reset(ctx context.Context, client *apiClient) {
	if err := client.send(ctx, http.MethodPost, "/api/reset", nil, nil); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("All overrides and favorite markers cleared")
}

func search(ctx context.Context, client *apiClient, query string, limit int) {
	path := "/api/search?q=" + url.QueryEscape(query) + "&limit=" + strconv.Itoa(limit)

	var candidates []candidateInfo
	if err := client.getJSON(ctx, path, &candidates); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Results (%d):\n", len(candidates))
	for _, c := range candidates {
		marker := ""
		if !c.Available {
			marker = " [UNAVAILABLE]"
		}
		fmt.Printf("  %s: %s - %s (%s) [%s]%s\n",
			c.ID, c.Artist, c.Title, formatMs(c.DurationMs), strings.Join(c.Tiers, ", "), marker)
	}
}

func transport(ctx context.Context, client *apiClient, action, success string) {
	if err := client.send(ctx, http.MethodPost, "/api/transport/"+action, nil, nil); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(success)
}

func watch(ctx context.Context, client *apiClient) {
	fmt.Printf("Watching events from %s (Ctrl-C to stop)...\n", client.baseURL)
	if err := client.stream(ctx, "/api/events", func(event, data string) {
		fmt.Printf("%-21s %s\n", event, data)
	}); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// formatMs renders a millisecond count as m:ss.
func formatMs(ms int64) string {
	if ms <= 0 {
		return "0:00"
	}
	total := ms / 1000
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// apiClient is a thin JSON client for the daemon's control API.
type apiClient struct {
	baseURL string
	hc      *http.Client
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readError(resp.Body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// stream consumes the daemon's event stream, invoking fn once per event.
// It uses a client without a timeout since the connection stays open.
func (c *apiClient) stream(ctx context.Context, path string, fn func(event, data string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readError(resp.Body))
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fn(event, strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

// readError extracts the error message from an error response body.
func readError(body io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
