// Package tidal provides a client for the alternate catalog API.
package tidal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/hifisync/hifisync/internal/domain/catalog"
)

// Sentinels for catalog error classification. Wrapped errors keep these
// marks, so callers branch with the Is* predicates.
var (
	ErrNotFound         = errors.New("catalog track not found")
	ErrTierUnavailable  = errors.New("quality tier unavailable")
	ErrTierUnauthorized = errors.New("quality tier not authorized")
	ErrTransient        = errors.New("transient catalog error")
)

// Client is the alternate catalog API client.
type Client struct {
	baseURL    string
	token      string
	userID     string
	country    string
	httpClient *http.Client
	limiter    *rate.Limiter

	// Cache for search results, keyed by query
	searchCache map[string][]catalog.Candidate
	cacheMu     sync.RWMutex
}

// Config represents catalog client configuration.
type Config struct {
	BaseURL         string
	Token           string
	TokenFile       string
	UserID          string
	Country         string
	RateLimitPerSec float64
}

// New creates a new catalog client. When TokenFile is set, the session file
// overrides Token, UserID and Country.
func New(cfg Config) (*Client, error) {
	token := cfg.Token
	userID := cfg.UserID
	country := cfg.Country

	if cfg.TokenFile != "" {
		session, err := loadSessionFile(cfg.TokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load catalog session file")
		}
		token = session.AccessToken
		if session.UserID != 0 {
			userID = strconv.FormatInt(session.UserID, 10)
		}
		if session.CountryCode != "" {
			country = session.CountryCode
		}
	}

	if token == "" {
		return nil, errors.New("catalog access token is required")
	}
	if country == "" {
		country = "US"
	}

	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 5
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.tidal.com/v1"
	}

	return &Client{
		baseURL:     baseURL,
		token:       token,
		userID:      userID,
		country:     country,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(perSec), burst),
		searchCache: make(map[string][]catalog.Candidate),
	}, nil
}

// trackItem is the catalog API's track representation.
type trackItem struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Duration int64  `json:"duration"` // seconds
	Explicit bool   `json:"explicit"`
	Artist   struct {
		Name string `json:"name"`
	} `json:"artist"`
	Album struct {
		Title string `json:"title"`
	} `json:"album"`
	AudioQuality   string `json:"audioQuality"`
	AllowStreaming bool   `json:"allowStreaming"`
	StreamReady    bool   `json:"streamReady"`
	MediaMetadata  struct {
		Tags []string `json:"tags"`
	} `json:"mediaMetadata"`
}

// searchResponse is the response from the track search endpoint.
type searchResponse struct {
	Items []trackItem `json:"items"`
}

// playbackInfo is the response from the playback info endpoint.
type playbackInfo struct {
	TrackID          int64  `json:"trackId"`
	AudioQuality     string `json:"audioQuality"`
	ManifestMimeType string `json:"manifestMimeType"`
	Manifest         string `json:"manifest"`
}

// btsManifest is the decoded manifest for direct-URL streams.
type btsManifest struct {
	MimeType string   `json:"mimeType"`
	URLs     []string `json:"urls"`
}

// apiError is the catalog API's error body.
type apiError struct {
	Status      int    `json:"status"`
	SubStatus   int    `json:"subStatus"`
	UserMessage string `json:"userMessage"`
}

// SearchTracks searches the catalog and returns candidates in catalog order.
func (c *Client) SearchTracks(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	if query == "" {
		return nil, errors.New("search query is required")
	}

	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	cacheKey := fmt.Sprintf("%s:%d", query, limit)
	c.cacheMu.RLock()
	if cached, ok := c.searchCache[cacheKey]; ok {
		c.cacheMu.RUnlock()
		zlog.Debug().Msgf("using cached search results: query=%q", query)
		return cached, nil
	}
	c.cacheMu.RUnlock()

	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("countryCode", c.country)

	body, err := c.get(ctx, "/search/tracks?"+params.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "failed to search catalog")
	}

	var response searchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrap(err, "failed to parse search response")
	}

	candidates := make([]catalog.Candidate, 0, len(response.Items))
	for _, item := range response.Items {
		candidates = append(candidates, convertTrack(item))
	}

	c.cacheMu.Lock()
	c.searchCache[cacheKey] = candidates
	c.cacheMu.Unlock()
	zlog.Debug().Msgf("cached search results: query=%q count=%d", query, len(candidates))

	return candidates, nil
}

// GetTrack fetches a single track by catalog id.
func (c *Client) GetTrack(ctx context.Context, id string) (catalog.Candidate, error) {
	if id == "" {
		return catalog.Candidate{}, errors.New("track id is required")
	}

	params := url.Values{}
	params.Set("countryCode", c.country)

	body, err := c.get(ctx, "/tracks/"+url.PathEscape(id)+"?"+params.Encode())
	if err != nil {
		return catalog.Candidate{}, errors.Wrapf(err, "failed to get catalog track %s", id)
	}

	var item trackItem
	if err := json.Unmarshal(body, &item); err != nil {
		return catalog.Candidate{}, errors.Wrap(err, "failed to parse track response")
	}

	return convertTrack(item), nil
}

// StreamURL resolves a playable stream URL for the track at the given tier.
// The catalog silently serves a lower quality when the requested one is not
// entitled; that case is reported as ErrTierUnavailable so the fallback
// controller descends explicitly instead of playing a mislabeled stream.
func (c *Client) StreamURL(ctx context.Context, id string, tier catalog.QualityTier) (string, error) {
	if id == "" {
		return "", errors.New("track id is required")
	}

	params := url.Values{}
	params.Set("audioquality", tier.Label())
	params.Set("playbackmode", "STREAM")
	params.Set("assetpresentation", "FULL")

	body, err := c.get(ctx, "/tracks/"+url.PathEscape(id)+"/playbackinfopostpaywall?"+params.Encode())
	if err != nil {
		return "", errors.Wrapf(err, "failed to get playback info for track %s", id)
	}

	var info playbackInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", errors.Wrap(err, "failed to parse playback info")
	}

	if served := catalog.ParseTier(info.AudioQuality); served != catalog.TierUnknown && served < tier {
		return "", errors.Mark(
			errors.Newf("requested %s but catalog served %s", tier, served),
			ErrTierUnavailable)
	}

	return decodeManifest(info)
}

// AddFavorite adds the track to the catalog user's favorites.
func (c *Client) AddFavorite(ctx context.Context, id string) error {
	if c.userID == "" {
		return errors.New("catalog user id is required for favorites")
	}

	form := url.Values{}
	form.Set("trackId", id)

	endpoint := fmt.Sprintf("%s/users/%s/favorites/tracks?countryCode=%s",
		c.baseURL, url.PathEscape(c.userID), url.QueryEscape(c.country))

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to send request"), ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.Wrapf(classifyStatus(resp.StatusCode, body), "failed to add favorite for track %s", id)
	}

	return nil
}

// get performs a rate-limited GET and classifies non-2xx responses.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to send request"), ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read response body"), ErrTransient)
	}

	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	return body, nil
}

// classifyStatus maps an error response onto the package sentinels.
func classifyStatus(status int, body []byte) error {
	var ae apiError
	msg := ""
	if err := json.Unmarshal(body, &ae); err == nil && ae.UserMessage != "" {
		msg = ": " + ae.UserMessage
	}

	base := errors.Newf("catalog API error %d%s", status, msg)
	switch {
	case status == http.StatusNotFound:
		return errors.Mark(base, ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Mark(base, ErrTierUnauthorized)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Mark(base, ErrTransient)
	default:
		return base
	}
}

var dashBaseURL = regexp.MustCompile(`<BaseURL>([^<]+)</BaseURL>`)

// decodeManifest extracts a stream URL from the playback manifest. Direct
// (bts) manifests carry URLs as JSON; DASH manifests carry a BaseURL element.
func decodeManifest(info playbackInfo) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(info.Manifest)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode manifest")
	}

	switch {
	case strings.Contains(info.ManifestMimeType, "vnd.tidal.bts"):
		var manifest btsManifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return "", errors.Wrap(err, "failed to parse bts manifest")
		}
		if len(manifest.URLs) == 0 {
			return "", errors.Mark(errors.New("manifest carries no stream URLs"), ErrTierUnavailable)
		}
		return manifest.URLs[0], nil

	case strings.Contains(info.ManifestMimeType, "dash+xml"):
		if m := dashBaseURL.FindSubmatch(raw); m != nil {
			return string(m[1]), nil
		}
		return "", errors.Mark(errors.New("dash manifest carries no base URL"), ErrTierUnavailable)

	default:
		return "", errors.Mark(
			errors.Newf("unsupported manifest type %q", info.ManifestMimeType),
			ErrTierUnavailable)
	}
}

// convertTrack converts a catalog track item to a domain candidate.
func convertTrack(item trackItem) catalog.Candidate {
	return catalog.Candidate{
		ID:         strconv.FormatInt(item.ID, 10),
		Title:      item.Title,
		Artist:     item.Artist.Name,
		Album:      item.Album.Title,
		DurationMs: item.Duration * 1000,
		Tiers:      buildTiers(item.MediaMetadata.Tags, item.AudioQuality),
		Available:  item.AllowStreaming && item.StreamReady,
		Explicit:   item.Explicit,
	}
}

// buildTiers derives the available tier list from media metadata tags,
// falling back to the top audioQuality label. The compressed tiers are
// always streamable, so they are appended below whatever the metadata
// advertises.
func buildTiers(tags []string, audioQuality string) []catalog.QualityTier {
	tiers := make([]catalog.QualityTier, 0, len(tags)+2)
	for _, tag := range tags {
		tiers = append(tiers, catalog.ParseTier(tag))
	}
	if len(catalog.NormalizeTiers(tiers)) == 0 && audioQuality != "" {
		tiers = append(tiers, catalog.ParseTier(audioQuality))
	}
	tiers = append(tiers, catalog.TierHigh, catalog.TierLow)
	return catalog.NormalizeTiers(tiers)
}

// IsNotFound reports whether the track does not exist in the catalog.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTierUnavailable reports whether the requested tier cannot be served.
func IsTierUnavailable(err error) bool {
	return errors.Is(err, ErrTierUnavailable)
}

// IsTierUnauthorized reports whether the session is not entitled to the tier.
func IsTierUnauthorized(err error) bool {
	return errors.Is(err, ErrTierUnauthorized)
}

// IsTransient reports whether the call is worth retrying after a backoff.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
