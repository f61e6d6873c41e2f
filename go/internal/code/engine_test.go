package code

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/realtime"
)

type fakeRepo struct {
	mu      sync.Mutex
	current *models.SharedCode
	getErr  error
	updates []string
}

func (r *fakeRepo) GetCurrent(ctx context.Context) (*models.SharedCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	if r.current == nil {
		return nil, nil
	}
	c := *r.current
	return &c, nil
}

func (r *fakeRepo) InsertInitial(ctx context.Context, now time.Time) (*models.SharedCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		r.current = &models.SharedCode{Value: models.InitialCodeValue, UpdatedAt: now}
	}
	c := *r.current
	return &c, nil
}

func (r *fakeRepo) Update(ctx context.Context, value string, now time.Time) (*models.SharedCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &models.SharedCode{Value: value, UpdatedAt: now}
	r.updates = append(r.updates, value)
	c := *r.current
	return &c, nil
}

func (r *fakeRepo) setCurrent(c *models.SharedCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = c
}

func (r *fakeRepo) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type fakeChannel struct {
	mu       sync.Mutex
	state    realtime.State
	openErr  error
	closes   int
	onStatus realtime.StatusFunc
}

func (c *fakeChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.openErr != nil {
		err := c.openErr
		c.mu.Unlock()
		return err
	}
	c.state = realtime.StateOpen
	onStatus := c.onStatus
	c.mu.Unlock()
	onStatus(realtime.StatusSubscribed)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.state = realtime.StateClosed
	return nil
}

func (c *fakeChannel) State() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeFactory records every channel it builds along with the engine's
// callbacks so tests can inject events and statuses.
type fakeFactory struct {
	mu       sync.Mutex
	channels []*fakeChannel
	onEvent  realtime.EventFunc
	onStatus realtime.StatusFunc
	nextErr  error
}

func (f *fakeFactory) build(onEvent realtime.EventFunc, onStatus realtime.StatusFunc) realtime.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{state: realtime.StateClosed, openErr: f.nextErr, onStatus: onStatus}
	f.channels = append(f.channels, ch)
	f.onEvent = onEvent
	f.onStatus = onStatus
	return ch
}

func (f *fakeFactory) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) emit(ev realtime.ChangeEvent) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeFactory) emitStatus(s realtime.Status) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	fn(s)
}

func codeEvent(t *testing.T, value string, at time.Time) realtime.ChangeEvent {
	t.Helper()
	row, err := json.Marshal(realtime.CodeRow{ID: models.SharedCodeID, CodeValue: value, UpdatedAt: at})
	require.NoError(t, err)
	return realtime.ChangeEvent{Table: realtime.TableCode, Op: realtime.OpUpdate, New: row}
}

func newTestEngine(t *testing.T, repo *fakeRepo) (*SyncEngine, *fakeFactory, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	factory := &fakeFactory{}
	engine := NewSyncEngine(repo, factory.build, clock, DefaultConfig())
	return engine, factory, clock
}

func TestInitializeCreatesSentinelRow(t *testing.T) {
	repo := &fakeRepo{}
	engine, _, _ := newTestEngine(t, repo)

	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	value, _ := engine.Current()
	assert.Equal(t, models.InitialCodeValue, value)
	assert.True(t, engine.Connected())
}

func TestInitializeAdoptsExistingRow(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{current: &models.SharedCode{Value: "EXISTING", UpdatedAt: at}}
	engine, _, _ := newTestEngine(t, repo)

	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	value, updatedAt := engine.Current()
	assert.Equal(t, "EXISTING", value)
	assert.Equal(t, at, updatedAt)
}

func TestInitializeTwiceFails(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakeRepo{})

	require.NoError(t, engine.Initialize(context.Background()))
	assert.Error(t, engine.Initialize(context.Background()))

	engine.Cleanup()
	require.NoError(t, engine.Initialize(context.Background()))
	engine.Cleanup()
}

func TestInitialFetchFailureIsNonFatal(t *testing.T) {
	repo := &fakeRepo{getErr: errors.New("store down")}
	engine, _, _ := newTestEngine(t, repo)

	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	value, _ := engine.Current()
	assert.Empty(t, value)
}

func TestUpdateCodeWaitsForSelfNotification(t *testing.T) {
	repo := &fakeRepo{}
	engine, factory, clock := newTestEngine(t, repo)
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	var gotValue string
	var mu sync.Mutex
	detach := engine.OnCodeUpdate(func(value string, updatedAt time.Time) {
		mu.Lock()
		gotValue = value
		mu.Unlock()
	})
	defer detach()

	_, err := engine.UpdateCode(context.Background(), "NEXT")
	require.NoError(t, err)

	// The write alone never moves the cache.
	value, _ := engine.Current()
	assert.Equal(t, models.InitialCodeValue, value)
	mu.Lock()
	assert.Empty(t, gotValue)
	mu.Unlock()

	// The self-notification does.
	factory.emit(codeEvent(t, "NEXT", clock.Now()))
	value, _ = engine.Current()
	assert.Equal(t, "NEXT", value)
	mu.Lock()
	assert.Equal(t, "NEXT", gotValue)
	mu.Unlock()
}

func TestPresenceEventsFanOut(t *testing.T) {
	engine, factory, _ := newTestEngine(t, &fakeRepo{})
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	var mu sync.Mutex
	var got []realtime.ChangeEvent
	detach := engine.OnPresenceEvent(func(ev realtime.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer detach()

	ev := realtime.ChangeEvent{Table: realtime.TablePresence, Op: realtime.OpUpdate, New: json.RawMessage(`{"user_id":"u1"}`)}
	factory.emit(ev)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, realtime.TablePresence, got[0].Table)
}

func TestChannelFailureReconnectsOnceAfterDelay(t *testing.T) {
	engine, factory, clock := newTestEngine(t, &fakeRepo{})
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()
	require.Equal(t, 1, factory.channelCount())

	// Two failures in a row arm exactly one reconnect.
	factory.emitStatus(realtime.StatusTimedOut)
	factory.emitStatus(realtime.StatusChannelError)
	assert.False(t, engine.Connected())

	clock.BlockUntil(1)
	clock.Advance(DefaultConfig().ReconnectDelay)

	require.Eventually(t, func() bool {
		return factory.channelCount() == 2
	}, time.Second, 5*time.Millisecond, "expected exactly one replacement channel")
	require.Eventually(t, engine.Connected, time.Second, 5*time.Millisecond)

	// The torn-down channel was closed before the replacement opened.
	factory.mu.Lock()
	first := factory.channels[0]
	factory.mu.Unlock()
	assert.Equal(t, 1, first.closeCount())
}

func TestReconnectResyncsMissedUpdates(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{current: &models.SharedCode{Value: "OLD", UpdatedAt: at}}
	engine, factory, clock := newTestEngine(t, repo)
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	var mu sync.Mutex
	var got []string
	detach := engine.OnCodeUpdate(func(value string, _ time.Time) {
		mu.Lock()
		got = append(got, value)
		mu.Unlock()
	})
	defer detach()

	factory.emitStatus(realtime.StatusTimedOut)
	require.False(t, engine.Connected())

	// A write lands while the subscription is down; its notification is
	// never delivered to this engine.
	repo.setCurrent(&models.SharedCode{Value: "NEW-WHILE-DOWN", UpdatedAt: at.Add(time.Second)})

	clock.BlockUntil(1)
	clock.Advance(DefaultConfig().ReconnectDelay)

	// The resubscribe re-derives the cache from the store and fans the
	// missed value out like a channel event.
	require.Eventually(t, func() bool {
		value, _ := engine.Current()
		return value == "NEW-WHILE-DOWN"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, engine.Connected, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"NEW-WHILE-DOWN"}, got)
}

func TestDetachStopsDelivery(t *testing.T) {
	engine, factory, clock := newTestEngine(t, &fakeRepo{})
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Cleanup()

	var mu sync.Mutex
	calls := 0
	detach := engine.OnCodeUpdate(func(string, time.Time) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	factory.emit(codeEvent(t, "A", clock.Now()))
	detach()
	factory.emit(codeEvent(t, "B", clock.Now()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestCleanupIsIdempotent(t *testing.T) {
	engine, factory, _ := newTestEngine(t, &fakeRepo{})
	require.NoError(t, engine.Initialize(context.Background()))

	engine.Cleanup()
	engine.Cleanup()

	factory.mu.Lock()
	ch := factory.channels[0]
	factory.mu.Unlock()
	assert.Equal(t, 1, ch.closeCount())
	assert.False(t, engine.Connected())
}
