package code

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/realtime"
)

// CodeRepository defines what the engine needs from the data layer.
type CodeRepository interface {
	GetCurrent(ctx context.Context) (*models.SharedCode, error)
	InsertInitial(ctx context.Context, now time.Time) (*models.SharedCode, error)
	Update(ctx context.Context, value string, now time.Time) (*models.SharedCode, error)
}

// CodeUpdateFunc receives the new shared value after a change notification.
type CodeUpdateFunc func(value string, updatedAt time.Time)

// ConnectionFunc receives connection status transitions.
type ConnectionFunc func(connected bool)

// PresenceEventFunc receives raw presence-table change events. The engine
// owns the only subscription, so presence consumers register here instead
// of opening a second channel.
type PresenceEventFunc func(ev realtime.ChangeEvent)

// Config holds sync engine settings.
type Config struct {
	// ReconnectDelay is the fixed delay before a failed channel is
	// reopened. No exponential growth, no retry limit.
	ReconnectDelay time.Duration
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 5 * time.Second,
	}
}

// SyncEngine keeps one shared code value consistently visible to all
// clients. It owns the single realtime channel, re-derives local state
// from change notifications, and fans events out to registered listeners.
//
// Writes never touch the local cache directly: the self-notification
// delivered back through the channel is the sole update path, so every
// client, including the writer, observes the same value history.
type SyncEngine struct {
	repo       CodeRepository
	newChannel realtime.Factory
	clock      clockwork.Clock
	cfg        Config

	mu               sync.Mutex
	channel          realtime.Channel
	current          models.SharedCode
	connected        bool
	reconnectPending bool
	lifeCtx          context.Context
	cancel           context.CancelFunc

	codeSubs     map[uuid.UUID]CodeUpdateFunc
	connSubs     map[uuid.UUID]ConnectionFunc
	presenceSubs map[uuid.UUID]PresenceEventFunc
}

// NewSyncEngine creates a sync engine. The channel factory is invoked for
// every (re)subscribe so a torn-down channel is never reused.
func NewSyncEngine(repo CodeRepository, factory realtime.Factory, clock clockwork.Clock, cfg Config) *SyncEngine {
	return &SyncEngine{
		repo:         repo,
		newChannel:   factory,
		clock:        clock,
		cfg:          cfg,
		codeSubs:     make(map[uuid.UUID]CodeUpdateFunc),
		connSubs:     make(map[uuid.UUID]ConnectionFunc),
		presenceSubs: make(map[uuid.UUID]PresenceEventFunc),
	}
}

// Initialize performs the best-effort initial fetch (creating the sentinel
// row if absent) and opens the realtime subscription. Store errors during
// the fetch are reported and surface as Disconnected, not as a failure.
func (e *SyncEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.lifeCtx != nil && e.lifeCtx.Err() == nil {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already initialized")
	}
	e.lifeCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.fetchInitial(ctx)
	return e.openChannel()
}

func (e *SyncEngine) fetchInitial(ctx context.Context) {
	cur, err := e.repo.GetCurrent(ctx)
	if err != nil {
		log.Error().Err(err).Msg("initial code fetch failed")
		e.setConnected(false)
		return
	}
	if cur == nil {
		cur, err = e.repo.InsertInitial(ctx, e.clock.Now())
		if err != nil {
			log.Error().Err(err).Msg("initial code insert failed")
			e.setConnected(false)
			return
		}
	}
	if cur != nil {
		e.mu.Lock()
		e.current = *cur
		e.mu.Unlock()
		log.Info().Str("code", cur.Value).Time("updated_at", cur.UpdatedAt).Msg("adopted current code")
	}
}

// openChannel creates and opens a channel if none is live. Idempotent.
func (e *SyncEngine) openChannel() error {
	e.mu.Lock()
	if e.lifeCtx == nil || e.lifeCtx.Err() != nil {
		e.mu.Unlock()
		return fmt.Errorf("sync engine not initialized")
	}
	if e.channel != nil {
		e.mu.Unlock()
		log.Debug().Msg("channel already exists, skipping open")
		return nil
	}
	ch := e.newChannel(e.handleEvent, e.handleStatus)
	e.channel = ch
	ctx := e.lifeCtx
	e.mu.Unlock()

	if err := ch.Open(ctx); err != nil {
		log.Error().Err(err).Msg("failed to open realtime channel")
		e.setConnected(false)
		e.scheduleReconnect()
		return err
	}
	return nil
}

// handleEvent re-derives local state from a change notification and fans
// it out.
func (e *SyncEngine) handleEvent(ev realtime.ChangeEvent) {
	switch ev.Table {
	case realtime.TableCode:
		row, err := realtime.DecodeCodeRow(ev)
		if err != nil {
			log.Error().Err(err).Msg("bad code change event")
			return
		}
		e.mu.Lock()
		e.current = models.SharedCode{Value: row.CodeValue, UpdatedAt: row.UpdatedAt}
		subs := make([]CodeUpdateFunc, 0, len(e.codeSubs))
		for _, fn := range e.codeSubs {
			subs = append(subs, fn)
		}
		e.mu.Unlock()

		log.Info().Str("code", row.CodeValue).Msg("code updated via channel")
		for _, fn := range subs {
			fn(row.CodeValue, row.UpdatedAt)
		}

	case realtime.TablePresence:
		e.mu.Lock()
		subs := make([]PresenceEventFunc, 0, len(e.presenceSubs))
		for _, fn := range e.presenceSubs {
			subs = append(subs, fn)
		}
		e.mu.Unlock()

		for _, fn := range subs {
			fn(ev)
		}

	default:
		log.Debug().Str("table", ev.Table).Msg("ignoring change event for unknown table")
	}
}

// handleStatus maps subscription statuses onto connection state:
// Subscribed marks the engine connected and triggers a resync; every
// failure marks it disconnected and retries after the fixed delay.
func (e *SyncEngine) handleStatus(status realtime.Status) {
	switch status {
	case realtime.StatusSubscribed:
		e.setConnected(true)
		e.resync()
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		log.Error().Str("status", string(status)).Msg("realtime channel failure")
		e.setConnected(false)
		e.scheduleReconnect()
	case realtime.StatusClosed:
		log.Warn().Msg("realtime channel closed")
		e.setConnected(false)
		e.scheduleReconnect()
	}
}

// resync re-reads the code row after a (re)subscribe. Writes committed
// while the subscription was down produced no notification for us, so
// the cache is re-derived from the store and a changed value fans out
// exactly like a channel event.
func (e *SyncEngine) resync() {
	e.mu.Lock()
	ctx := e.lifeCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	cur, err := e.repo.GetCurrent(ctx)
	if err != nil {
		log.Error().Err(err).Msg("resync fetch failed")
		return
	}
	if cur == nil {
		return
	}

	e.mu.Lock()
	changed := cur.Value != e.current.Value || !cur.UpdatedAt.Equal(e.current.UpdatedAt)
	e.current = *cur
	var subs []CodeUpdateFunc
	if changed {
		subs = make([]CodeUpdateFunc, 0, len(e.codeSubs))
		for _, fn := range e.codeSubs {
			subs = append(subs, fn)
		}
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	log.Info().Str("code", cur.Value).Msg("code updated via resync")
	for _, fn := range subs {
		fn(cur.Value, cur.UpdatedAt)
	}
}

func (e *SyncEngine) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	subs := make([]ConnectionFunc, 0, len(e.connSubs))
	for _, fn := range e.connSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(connected)
	}
}

// scheduleReconnect arms at most one pending reconnect, which tears the
// channel down through its Closed state and opens a fresh one.
func (e *SyncEngine) scheduleReconnect() {
	e.mu.Lock()
	if e.reconnectPending || e.lifeCtx == nil || e.lifeCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.reconnectPending = true
	ctx := e.lifeCtx
	e.mu.Unlock()

	go func() {
		select {
		case <-e.clock.After(e.cfg.ReconnectDelay):
		case <-ctx.Done():
			e.mu.Lock()
			e.reconnectPending = false
			e.mu.Unlock()
			return
		}
		e.reopen(ctx)
	}()
}

func (e *SyncEngine) reopen(ctx context.Context) {
	e.mu.Lock()
	e.reconnectPending = false
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	old := e.channel
	e.channel = nil
	e.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Error().Err(err).Msg("error closing channel before reconnect")
		}
	}

	log.Info().Msg("reconnecting realtime channel")
	if err := e.openChannel(); err != nil {
		// openChannel already scheduled the next attempt.
		return
	}
}

// UpdateCode writes a new shared value keyed by the fixed row identity and
// returns the written record. The local cache is not touched: the
// self-notification delivered back through the channel updates it.
func (e *SyncEngine) UpdateCode(ctx context.Context, value string) (*models.SharedCode, error) {
	rec, err := e.repo.Update(ctx, value, e.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("code", value).Msg("code update rejected")
		return nil, err
	}
	log.Info().Str("code", rec.Value).Msg("code update written")
	return rec, nil
}

// Current returns the cached value and timestamp. Possibly stale; use
// Fetch for an authoritative read.
func (e *SyncEngine) Current() (string, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Value, e.current.UpdatedAt
}

// Fetch reads the current row from the store without touching the cache.
func (e *SyncEngine) Fetch(ctx context.Context) (*models.SharedCode, error) {
	return e.repo.GetCurrent(ctx)
}

// Connected reports the last observed connection status.
func (e *SyncEngine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// OnCodeUpdate registers a code-update listener and returns its detach
// handle.
func (e *SyncEngine) OnCodeUpdate(fn CodeUpdateFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := uuid.New()
	e.codeSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.codeSubs, id)
	}
}

// OnConnectionStatusChange registers a connection-status listener.
func (e *SyncEngine) OnConnectionStatusChange(fn ConnectionFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := uuid.New()
	e.connSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.connSubs, id)
	}
}

// OnPresenceEvent registers a raw presence-change listener.
func (e *SyncEngine) OnPresenceEvent(fn PresenceEventFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := uuid.New()
	e.presenceSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.presenceSubs, id)
	}
}

// Cleanup closes the channel if open and clears every listener registry.
// Safe to call multiple times; the engine must be re-initialized before
// further use.
func (e *SyncEngine) Cleanup() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	ch := e.channel
	e.channel = nil
	e.reconnectPending = false
	e.connected = false
	e.codeSubs = make(map[uuid.UUID]CodeUpdateFunc)
	e.connSubs = make(map[uuid.UUID]ConnectionFunc)
	e.presenceSubs = make(map[uuid.UUID]PresenceEventFunc)
	e.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Error().Err(err).Msg("error during engine cleanup")
		}
	}
	log.Info().Msg("sync engine cleaned up")
}
