package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// PollerConfig holds refresh settings.
type PollerConfig struct {
	Interval time.Duration
}

// DefaultPollerConfig returns the default backstop interval.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 5 * time.Second,
	}
}

// Poller periodically recomputes the presence summary as a correctness
// backstop against missed or de-duplicated change notifications. It runs
// alongside the subscription and stops with it; Kick triggers an immediate
// refresh when a change event arrives.
type Poller struct {
	tracker *Tracker
	clock   clockwork.Clock
	cfg     PollerConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	kickChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a poller for the given tracker.
func NewPoller(tracker *Tracker, clock clockwork.Clock, cfg PollerConfig) *Poller {
	return &Poller{
		tracker:  tracker,
		clock:    clock,
		cfg:      cfg,
		kickChan: make(chan struct{}, 1),
	}
}

// Start begins the periodic refresh loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("presence poller already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	log.Info().Dur("interval", p.cfg.Interval).Msg("presence poller started")
	return nil
}

// Stop halts the refresh loop. Safe to call once per Start.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("presence poller not running")
	}
	p.running = false
	stop := p.stopChan
	p.mu.Unlock()

	close(stop)
	p.wg.Wait()

	log.Info().Msg("presence poller stopped")
	return nil
}

// Kick requests an immediate refresh. Non-blocking; a pending kick is
// enough.
func (p *Poller) Kick() {
	select {
	case p.kickChan <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Refresh immediately on start.
	p.tracker.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.tracker.Refresh(ctx)
		case <-p.kickChan:
			p.tracker.Refresh(ctx)
		}
	}
}
