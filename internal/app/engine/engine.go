// Package engine coordinates source watching, catalog resolution, quality
// fallback and transport mirroring for one mirror session at a time.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hifisync/hifisync/internal/app/fallback"
	"github.com/hifisync/hifisync/internal/app/favorite"
	"github.com/hifisync/hifisync/internal/app/resolver"
	"github.com/hifisync/hifisync/internal/app/syncer"
	"github.com/hifisync/hifisync/internal/app/watcher"
	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/player"
	"github.com/hifisync/hifisync/internal/store"
)

// opTimeout bounds every outbound call made from a session task.
const opTimeout = 10 * time.Second

// Source is the playback service being mirrored.
type Source interface {
	CurrentPlayback(ctx context.Context) (track.SourceState, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SetVolume(ctx context.Context, percent int) error
}

// Catalog is the alternate service tracks are mirrored onto.
type Catalog interface {
	SearchTracks(ctx context.Context, query string, limit int) ([]catalog.Candidate, error)
	GetTrack(ctx context.Context, id string) (catalog.Candidate, error)
	StreamURL(ctx context.Context, id string, tier catalog.QualityTier) (string, error)
	AddFavorite(ctx context.Context, id string) error
}

type msgKind int

const (
	msgWatcher msgKind = iota
	msgResolved
	msgAttemptDone
	msgAdapter
	msgFavoriteDone
	msgCommand
)

// message is one entry on the coordinator channel. Results of session tasks
// carry the generation they were started under so stale arrivals can be
// discarded.
type message struct {
	kind msgKind

	watcher watcher.Event
	adapter player.Event

	gen       uint64
	identity  track.Identity
	candidate catalog.Candidate
	tier      catalog.QualityTier
	err       error

	run func()
}

// Engine owns all mutable session state. A single goroutine consumes the
// message channel and is the only writer; slow work runs in task goroutines
// whose results rejoin the channel.
type Engine struct {
	cfg     *config.Config
	source  Source
	catalog Catalog
	store   *store.Store
	adapter player.Adapter

	resolver *resolver.Resolver
	fallback *fallback.Controller
	syncer   *syncer.Syncer
	favorite *favorite.Tracker
	watcher  *watcher.Watcher

	msgCh  chan message
	runCtx context.Context

	// Session state, touched only by the coordinator goroutine.
	gen        uint64
	sessionID  string
	current    track.Identity
	lastState  track.SourceState
	deferred   *watcher.Event
	authDown   bool
	sourceIdle bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New wires an engine over its collaborators. Run must be called before the
// engine does anything.
func New(cfg *config.Config, src Source, cat Catalog, st *store.Store, adapter player.Adapter) *Engine {
	e := &Engine{
		cfg:     cfg,
		source:  src,
		catalog: cat,
		store:   st,
		adapter: adapter,
		msgCh:   make(chan message, 64),
		subs:    make(map[int]chan Event),
	}

	e.resolver = resolver.New(cat, st, cfg.Resolver)
	e.fallback = fallback.New(time.Duration(cfg.Sync.TierRetryCooldownSec) * time.Second)
	e.syncer = syncer.New(src, adapter, cfg.Sync, e.onDriftCorrected)
	e.favorite = favorite.New(cfg.Favorite)
	e.watcher = watcher.New(src, e, cfg.Sync, e.onWatcherEvent)

	return e
}

// Run drives the engine until ctx ends. It owns the watcher goroutine, the
// coordinator loop and the adapter event pump.
func (e *Engine) Run(ctx context.Context) error {
	zlog.Info().Msg("engine started")

	g, ctx := errgroup.WithContext(ctx)
	e.runCtx = ctx
	g.Go(func() error {
		return e.watcher.Run(ctx)
	})
	g.Go(func() error {
		for !e.runLoop(ctx) {
		}
		return nil
	})
	g.Go(func() error {
		e.pumpAdapterEvents(ctx)
		return nil
	})

	err := g.Wait()
	e.shutdown()
	return err
}

// runLoop consumes the coordinator channel until ctx ends. A panic in a
// handler aborts the loop; the caller restarts it.
func (e *Engine) runLoop(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("engine loop panicked: %v", r)
			zlog.Info().Msg("restarting engine loop")
			done = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case msg := <-e.msgCh:
			e.handleMessage(ctx, msg)
		}
	}
}

func (e *Engine) handleMessage(ctx context.Context, msg message) {
	switch msg.kind {
	case msgWatcher:
		e.handleWatcherEvent(ctx, msg.watcher)
	case msgResolved:
		e.handleResolved(ctx, msg)
	case msgAttemptDone:
		e.handleAttemptDone(ctx, msg)
	case msgAdapter:
		e.handleAdapterEvent(ctx, msg.adapter)
	case msgFavoriteDone:
		e.handleFavoriteDone(msg)
	case msgCommand:
		msg.run()
	}
}

// pumpAdapterEvents forwards adapter callbacks onto the coordinator channel.
func (e *Engine) pumpAdapterEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.adapter.Events():
			if !ok {
				return
			}
			e.send(ctx, message{kind: msgAdapter, adapter: ev})
		}
	}
}

// onWatcherEvent runs on the watcher goroutine.
func (e *Engine) onWatcherEvent(ev watcher.Event) {
	e.send(e.runCtx, message{kind: msgWatcher, watcher: ev})
}

// AuthExpired implements watcher.AuthNotifier. It runs on the watcher
// goroutine and publishes directly so the notification is not delayed behind
// queued messages.
func (e *Engine) AuthExpired(err error) {
	e.publish(Event{Type: EventAuthExpired, Reason: err.Error()})
}

// send delivers a message to the coordinator, giving up when ctx ends.
func (e *Engine) send(ctx context.Context, msg message) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case e.msgCh <- msg:
	case <-ctx.Done():
	}
}

func (e *Engine) handleWatcherEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.EventTrackChanged:
		e.onTrackChanged(ctx, ev)
	case watcher.EventStateChanged:
		zlog.Debug().Msgf("source transport changed: playing=%t position_ms=%d", ev.State.Playing, ev.State.PositionMs)
	case watcher.EventSourceIdle:
		e.onSourceIdle(ctx)
	case watcher.EventAuthExpired:
		e.authDown = true
	case watcher.EventTick:
		e.onTick(ctx, ev.State)
	}
}

func (e *Engine) onTrackChanged(ctx context.Context, ev watcher.Event) {
	// When the source skips ahead while the target still has a long tail,
	// the new session waits until the target winds down.
	if e.fallback.State() == fallback.StatePlaying && e.syncer.TargetNearEnd(ctx) {
		zlog.Info().Msgf("deferring track change until target finishes: identity=%s", ev.State.Identity)
		e.deferred = &ev
		return
	}
	e.startSession(ctx, ev.State)
}

func (e *Engine) onTick(ctx context.Context, st track.SourceState) {
	e.authDown = false
	e.lastState = st

	if e.deferred != nil {
		if !e.syncer.TargetNearEnd(ctx) {
			e.deferred = nil
			zlog.Info().Msgf("target finished, starting deferred session: identity=%s", st.Identity)
			e.startSession(ctx, st)
		}
		return
	}

	if e.fallback.State() != fallback.StatePlaying {
		return
	}

	e.syncer.OnTick(ctx, st)
	if e.favorite.OnTick(st) {
		e.runFavoriteTask(ctx, e.gen, e.fallback.Candidate(), st.Identity)
	}
}

func (e *Engine) onSourceIdle(ctx context.Context) {
	zlog.Info().Msg("source idle, ending mirror session")
	e.gen++
	e.sessionID = ""
	e.current = track.Identity{}
	e.lastState = track.SourceState{}
	e.deferred = nil
	e.sourceIdle = true

	e.fallback.Cancel()
	e.adapterStop(ctx)
	e.syncer.OnSessionEnd(ctx)
	e.favorite.OnTrackChanged(track.Identity{})

	e.publish(Event{Type: EventSourceIdle})
}

// startSession announces a new track and begins matching it.
func (e *Engine) startSession(ctx context.Context, st track.SourceState) {
	if e.sourceIdle {
		e.publish(Event{Type: EventSourceResumed})
	}
	e.sessionID = uuid.New().String()
	zlog.Info().Msgf("mirror session started: session=%s identity=%s", e.sessionID, st.Identity)
	e.favorite.OnTrackChanged(st.Identity)
	e.publish(Event{Type: EventTrackChanged, Identity: st.Identity})
	e.beginResolution(ctx, st)
}

// beginResolution (re)starts the match pipeline for the track in st under a
// fresh generation. Results of earlier generations die on arrival.
func (e *Engine) beginResolution(ctx context.Context, st track.SourceState) {
	e.gen++
	e.current = st.Identity
	e.lastState = st
	e.deferred = nil
	e.sourceIdle = false

	e.fallback.Cancel()
	e.adapterStop(ctx)

	gen := e.gen
	id := st.Identity
	go e.resolveTask(ctx, gen, id)
}

func (e *Engine) resolveTask(ctx context.Context, gen uint64, id track.Identity) {
	taskCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cand, err := e.resolver.Resolve(taskCtx, id)
	e.send(ctx, message{kind: msgResolved, gen: gen, identity: id, candidate: cand, err: err})
}

func (e *Engine) handleResolved(ctx context.Context, msg message) {
	if msg.gen != e.gen {
		zlog.Debug().Msgf("discarding stale resolution: generation=%d current=%d", msg.gen, e.gen)
		return
	}

	if msg.err != nil {
		if resolver.IsNoMatch(msg.err) {
			zlog.Warn().Msgf("no catalog match: identity=%s", e.current)
			e.publish(Event{Type: EventMatchFailed, Identity: e.current, Reason: "no catalog match"})
			e.syncer.OnSessionEnd(ctx)
			return
		}
		e.retryResolution(ctx, msg)
		return
	}

	tier, ok := e.fallback.Begin(msg.candidate, e.gen)
	if !ok {
		zlog.Warn().Msgf("candidate has no playable tier: identity=%s candidate=%s", e.current, msg.candidate.ID)
		e.publish(Event{Type: EventMatchFailed, Identity: e.current, Reason: "no playable quality tier"})
		e.syncer.OnSessionEnd(ctx)
		return
	}
	e.launchAttempt(ctx, e.gen, msg.candidate, tier)
}

// retryResolution relaunches a transiently failed resolution after a short
// delay. One retry is in flight at a time; a track change makes it stale.
func (e *Engine) retryResolution(ctx context.Context, msg message) {
	delay := 2 * time.Duration(e.cfg.Sync.PollIntervalMs) * time.Millisecond
	zlog.Warn().Msgf("resolution failed, retrying: identity=%s delay=%s err=%v", msg.identity, delay, msg.err)

	gen := msg.gen
	id := msg.identity
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		e.resolveTask(ctx, gen, id)
	}()
}

func (e *Engine) launchAttempt(ctx context.Context, gen uint64, cand catalog.Candidate, tier catalog.QualityTier) {
	go func() {
		attemptCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		err := e.playAttempt(attemptCtx, cand, tier)
		e.send(ctx, message{kind: msgAttemptDone, gen: gen, candidate: cand, tier: tier, err: err})
	}()
}

// playAttempt fetches the stream for one tier and hands it to the adapter.
func (e *Engine) playAttempt(ctx context.Context, cand catalog.Candidate, tier catalog.QualityTier) error {
	url, err := e.catalog.StreamURL(ctx, cand.ID, tier)
	if err != nil {
		return errors.Wrapf(err, "failed to get stream for tier %s", tier)
	}
	if err := e.adapter.Play(ctx, url, tier); err != nil {
		return errors.Wrapf(err, "failed to start playback at tier %s", tier)
	}
	return nil
}

func (e *Engine) handleAttemptDone(ctx context.Context, msg message) {
	decision, tier := e.fallback.OnResult(msg.gen, msg.tier, msg.err)
	switch decision {
	case fallback.DecisionNone:
		// A superseded attempt that reached the adapter anyway gets silenced,
		// unless the live session already owns the stream.
		if msg.err == nil && msg.gen != e.gen && e.fallback.State() != fallback.StatePlaying {
			e.adapterStop(ctx)
		}
	case fallback.DecisionPlaying:
		e.onPlaybackStarted(ctx, msg.candidate, tier)
	case fallback.DecisionRetry:
		e.publish(Event{
			Type:      EventQualityTierChanged,
			Identity:  e.current,
			Candidate: msg.candidate,
			FromTier:  msg.tier,
			Tier:      tier,
		})
		e.launchAttempt(ctx, msg.gen, msg.candidate, tier)
	case fallback.DecisionExhausted:
		zlog.Warn().Msgf("all quality tiers failed: identity=%s candidate=%s", e.current, msg.candidate.ID)
		e.publish(Event{Type: EventMatchFailed, Identity: e.current, Reason: "all quality tiers failed"})
		e.syncer.OnSessionEnd(ctx)
	}
}

func (e *Engine) onPlaybackStarted(ctx context.Context, cand catalog.Candidate, tier catalog.QualityTier) {
	e.publish(Event{
		Type:      EventPlaybackStarted,
		Identity:  e.current,
		Candidate: cand,
		Tier:      tier,
	})
	e.syncer.OnSessionStart(ctx, e.lastState)
}

func (e *Engine) handleAdapterEvent(ctx context.Context, ev player.Event) {
	switch ev.Kind {
	case player.EventFinished:
		e.onTargetFinished(ctx)
	case player.EventFailed:
		e.onTargetFailed(ctx, ev.Err)
	}
}

func (e *Engine) onTargetFinished(ctx context.Context) {
	if e.deferred != nil {
		st := e.deferred.State
		if !e.lastState.IsEmpty() && e.lastState.Identity.Equal(st.Identity, int64(e.cfg.Sync.DurationToleranceMs)) {
			st = e.lastState
		}
		e.deferred = nil
		zlog.Info().Msgf("target finished, starting deferred session: identity=%s", st.Identity)
		e.startSession(ctx, st)
		return
	}

	if e.fallback.State() != fallback.StatePlaying {
		return
	}
	e.syncer.OnTargetFinished(ctx)
}

// onTargetFailed restarts the match pipeline when the stream dies mid-play.
// The tier hint keeps the retry at the tier that was just working.
func (e *Engine) onTargetFailed(ctx context.Context, err error) {
	if e.fallback.State() != fallback.StatePlaying {
		return
	}
	zlog.Warn().Msgf("target playback failed mid-stream: %v", err)
	if e.lastState.IsEmpty() {
		e.syncer.OnSessionEnd(ctx)
		return
	}
	e.beginResolution(ctx, e.lastState)
}

func (e *Engine) onDriftCorrected(deltaMs int64) {
	e.publish(Event{Type: EventDriftCorrected, Identity: e.current, DeltaMs: deltaMs})
}

// runFavoriteTask performs the favorite action off-loop. The progress latch
// already fired; a failure here is logged and not retried.
func (e *Engine) runFavoriteTask(ctx context.Context, gen uint64, cand catalog.Candidate, id track.Identity) {
	go func() {
		taskCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		key := id.Key()
		done, err := e.store.IsFavorited(taskCtx, key)
		if err != nil {
			zlog.Warn().Msgf("failed to check favorite state: %v", err)
			return
		}
		if done {
			zlog.Debug().Msgf("already favorited: identity=%s", id)
			return
		}

		if err := e.catalog.AddFavorite(taskCtx, cand.ID); err != nil {
			zlog.Warn().Msgf("failed to add favorite: identity=%s candidate=%s err=%v", id, cand.ID, err)
			return
		}
		if err := e.store.MarkFavorited(taskCtx, key); err != nil {
			zlog.Warn().Msgf("failed to persist favorite flag: %v", err)
		}

		e.send(ctx, message{kind: msgFavoriteDone, gen: gen, identity: id, candidate: cand})
	}()
}

func (e *Engine) handleFavoriteDone(msg message) {
	// The favorite belongs to the identity it was earned for, even when the
	// source moved on while the request ran.
	zlog.Info().Msgf("favorited: identity=%s candidate=%s", msg.identity, msg.candidate.ID)
	e.publish(Event{Type: EventFavoriteAdded, Identity: msg.identity, Candidate: msg.candidate})
}

func (e *Engine) adapterStop(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := e.adapter.Stop(stopCtx); err != nil {
		zlog.Warn().Msgf("failed to stop target: %v", err)
	}
}

// shutdown releases the source after the loop has stopped.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.syncer.OnSessionEnd(ctx)
	if err := e.adapter.Stop(ctx); err != nil {
		zlog.Warn().Msgf("failed to stop target on shutdown: %v", err)
	}
	if err := e.adapter.Close(); err != nil {
		zlog.Warn().Msgf("failed to close player adapter: %v", err)
	}
	zlog.Info().Msg("engine stopped")
}
