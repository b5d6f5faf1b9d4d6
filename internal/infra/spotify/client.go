// Package spotify provides the source service client.
package spotify

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/hifisync/hifisync/internal/domain/track"
)

// ErrAuthExpired marks credential failures that require re-authentication.
var ErrAuthExpired = errors.New("source auth expired")

// Client is the source service API client. It reads the "now playing"
// signal and issues transport commands back to the source device.
type Client struct {
	client     *spotify.Client
	maxRetries int
	retryDelay time.Duration
}

// Config represents source client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// New creates a new source client from a refresh token. The underlying
// oauth2 transport refreshes the access token silently.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.New("source credentials are required")
	}

	auth := spotifyauth.New(
		spotifyauth.WithClientID(cfg.ClientID),
		spotifyauth.WithClientSecret(cfg.ClientSecret),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadPlaybackState,
			spotifyauth.ScopeUserModifyPlaybackState,
		),
	)

	token := &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}

	httpClient := auth.Client(ctx, token)
	client := spotify.New(httpClient)

	return &Client{
		client:     client,
		maxRetries: 2,
		retryDelay: 250 * time.Millisecond,
	}, nil
}

// Validate verifies the credentials by fetching the current user profile.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.client.CurrentUser(ctx)
	return c.classify(err, "failed to validate source credentials")
}

// CurrentPlayback returns a snapshot of the source player. An empty
// SourceState (zero identity) means the source reports nothing playing.
func (c *Client) CurrentPlayback(ctx context.Context) (track.SourceState, error) {
	var ps *spotify.PlayerState
	err := c.retry(func() error {
		s, err := c.client.PlayerState(ctx)
		if err != nil {
			return err
		}
		ps = s
		return nil
	})
	if err != nil {
		return track.SourceState{}, c.classify(err, "failed to get player state")
	}

	return c.convertState(ps), nil
}

// Play resumes playback on the source device.
func (c *Client) Play(ctx context.Context) error {
	return c.classify(c.retry(func() error { return c.client.Play(ctx) }), "failed to resume source")
}

// Pause pauses playback on the source device.
func (c *Client) Pause(ctx context.Context) error {
	return c.classify(c.retry(func() error { return c.client.Pause(ctx) }), "failed to pause source")
}

// Next skips the source to the next track.
func (c *Client) Next(ctx context.Context) error {
	return c.classify(c.retry(func() error { return c.client.Next(ctx) }), "failed to skip source")
}

// Previous moves the source to the previous track.
func (c *Client) Previous(ctx context.Context) error {
	return c.classify(c.retry(func() error { return c.client.Previous(ctx) }), "failed to rewind source")
}

// SeekTo moves the source playback position.
func (c *Client) SeekTo(ctx context.Context, positionMs int64) error {
	return c.classify(c.retry(func() error { return c.client.Seek(ctx, int(positionMs)) }), "failed to seek source")
}

// SetVolume sets the source device volume percent. Used by the mute policy.
func (c *Client) SetVolume(ctx context.Context, percent int) error {
	return c.classify(c.retry(func() error { return c.client.Volume(ctx, percent) }), "failed to set source volume")
}

// convertState converts a player state response to a domain snapshot.
func (c *Client) convertState(ps *spotify.PlayerState) track.SourceState {
	state := track.SourceState{ObservedAt: time.Now()}
	if ps == nil || ps.Item == nil {
		return state
	}

	var artist string
	if len(ps.Item.Artists) > 0 {
		artist = ps.Item.Artists[0].Name
	}

	identity := track.NewIdentity(ps.Item.Name, artist, ps.Item.Album.Name, int64(ps.Item.Duration))
	identity.Explicit = ps.Item.Explicit

	state.Identity = identity
	state.PositionMs = int64(ps.Progress)
	state.Playing = ps.Playing
	state.VolumePct = int(ps.Device.Volume)
	state.Device = ps.Device.Name
	return state
}

// classify wraps an error and marks auth failures so callers can branch
// with IsAuthExpired.
func (c *Client) classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isAuthError(err) {
		return errors.Mark(errors.Wrap(err, msg), ErrAuthExpired)
	}
	return errors.Wrap(err, msg)
}

// IsAuthExpired reports whether the error came from expired or revoked
// source credentials.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// isAuthError checks for credential failures in API and token responses.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "access token expired") ||
		strings.Contains(errStr, "invalid access token")
}

// retry retries an operation a few times with linear delay. Only rate limit
// and server errors are retried; the watcher's backoff owns everything else.
func (c *Client) retry(fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelay * time.Duration(i+1))
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

