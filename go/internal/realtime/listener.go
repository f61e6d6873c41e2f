package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/apperr"
)

// EventFunc receives decoded row-change notifications.
type EventFunc func(ChangeEvent)

// StatusFunc receives subscription status transitions.
type StatusFunc func(Status)

// Channel is one subscription to the store's change feed. Implementations
// enforce the Closed -> Opening -> Open -> Closing lifecycle so that at
// most one subscription is live per channel value.
type Channel interface {
	Open(ctx context.Context) error
	Close() error
	State() State
}

// Factory builds a fresh channel bound to the given callbacks. The sync
// engine creates a new channel for every (re)subscribe instead of reusing
// a torn-down one.
type Factory func(onEvent EventFunc, onStatus StatusFunc) Channel

// Config holds LISTEN/NOTIFY settings.
type Config struct {
	DSN                  string
	ChannelName          string        // Postgres NOTIFY channel to LISTEN on
	PingInterval         time.Duration // keepalive; a failed ping is a channel failure
	MinReconnectInterval time.Duration // passed through to the pq listener
	MaxReconnectInterval time.Duration
}

// DefaultConfig returns the default channel settings.
func DefaultConfig() Config {
	return Config{
		ChannelName:          "intrascan_changes",
		PingInterval:         90 * time.Second,
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
	}
}

// PGChannel subscribes to a Postgres NOTIFY channel through pq.Listener.
type PGChannel struct {
	cfg      Config
	onEvent  EventFunc
	onStatus StatusFunc

	mu       sync.Mutex
	state    State
	listener *pq.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPGChannel creates a closed channel; Open starts the subscription.
func NewPGChannel(cfg Config, onEvent EventFunc, onStatus StatusFunc) *PGChannel {
	return &PGChannel{
		cfg:      cfg,
		onEvent:  onEvent,
		onStatus: onStatus,
		state:    StateClosed,
	}
}

// NewFactory returns a Factory producing PGChannels with the given config.
func NewFactory(cfg Config) Factory {
	return func(onEvent EventFunc, onStatus StatusFunc) Channel {
		return NewPGChannel(cfg, onEvent, onStatus)
	}
}

// State reports the current lifecycle state.
func (c *PGChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open establishes the LISTEN subscription. Legal only from StateClosed.
func (c *PGChannel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrChannel, err)
	}

	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: open from state %s", apperr.ErrChannel, state)
	}
	c.state = StateOpening
	c.mu.Unlock()

	listener := pq.NewListener(
		c.cfg.DSN,
		c.cfg.MinReconnectInterval,
		c.cfg.MaxReconnectInterval,
		c.handleListenerEvent,
	)
	if err := listener.Listen(c.cfg.ChannelName); err != nil {
		listener.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("%w: listen on %q: %v", apperr.ErrChannel, c.cfg.ChannelName, err)
	}

	c.mu.Lock()
	c.listener = listener
	c.done = make(chan struct{})
	c.state = StateOpen
	c.wg.Add(1)
	go c.run(listener, c.done)
	c.mu.Unlock()

	log.Info().
		Str("channel", c.cfg.ChannelName).
		Msg("subscribed to change notifications")

	c.onStatus(StatusSubscribed)
	return nil
}

// Close tears the subscription down and confirms teardown before
// returning. Closing a channel that is not open is skipped, so Close is
// safe to call from multiple code paths.
func (c *PGChannel) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	done := c.done
	listener := c.listener
	c.mu.Unlock()

	close(done)
	c.wg.Wait()

	if err := listener.Close(); err != nil {
		log.Error().Err(err).Msg("error during channel teardown")
	}

	c.mu.Lock()
	c.listener = nil
	c.done = nil
	c.state = StateClosed
	c.mu.Unlock()

	log.Info().Str("channel", c.cfg.ChannelName).Msg("channel closed")
	return nil
}

// handleListenerEvent forwards pq connection events as statuses while the
// channel is open. A deliberate Close emits nothing.
func (c *PGChannel) handleListenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		log.Error().Err(err).Int("event", int(ev)).Msg("listener event")
	}

	status, ok := StatusForListenerEvent(ev)
	if !ok {
		return
	}

	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if open {
		c.onStatus(status)
	}
}

func (c *PGChannel) run(listener *pq.Listener, done chan struct{}) {
	defer c.wg.Done()

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return

		case n, ok := <-listener.Notify:
			if !ok {
				// Notify channel closed underneath us.
				c.onStatus(StatusClosed)
				return
			}
			if n == nil {
				// pq sends nil after an internal reconnect; a full
				// resync is driven by the status callback.
				log.Warn().Msg("notification stream interrupted")
				continue
			}
			ev, err := ParseEvent([]byte(n.Extra))
			if err != nil {
				log.Error().Err(err).Str("payload", n.Extra).Msg("bad notification payload")
				continue
			}
			c.onEvent(ev)

		case <-pingTicker.C:
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("listener ping failed")
				c.onStatus(StatusChannelError)
			}
		}
	}
}
