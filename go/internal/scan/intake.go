// Package scan turns decoded QR payloads into shared-code updates. The
// camera and the QR decoder are external; this package only sees the
// decoded text they deliver.
package scan

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/apperr"
	"github.com/intrascan/intrascan/go/internal/models"
)

// CodeService defines what the intake needs from the sync engine.
type CodeService interface {
	Fetch(ctx context.Context) (*models.SharedCode, error)
	Current() (string, time.Time)
	UpdateCode(ctx context.Context, value string) (*models.SharedCode, error)
}

// Outcome reports what a submitted scan did.
type Outcome string

const (
	// OutcomeUpdated means the token differed and exactly one update
	// was written.
	OutcomeUpdated Outcome = "UPDATED"
	// OutcomeUnchanged means the token matched the current value.
	OutcomeUnchanged Outcome = "UNCHANGED"
	// OutcomeCoalesced means the scan arrived inside the cooldown window
	// and was silently ignored.
	OutcomeCoalesced Outcome = "COALESCED"
)

// Config holds intake settings.
type Config struct {
	// Cooldown is the minimum interval between processed scans; scans
	// arriving sooner are coalesced into the previous one.
	Cooldown time.Duration
}

// DefaultConfig returns the default intake settings.
func DefaultConfig() Config {
	return Config{
		Cooldown: 2 * time.Second,
	}
}

// Intake rate-limits decoded payloads, validates them, and converges the
// shared code onto the scanned token.
type Intake struct {
	codes CodeService
	clock clockwork.Clock
	cfg   Config

	mu       sync.Mutex
	lastScan time.Time
}

// NewIntake creates a scan intake.
func NewIntake(codes CodeService, clock clockwork.Clock, cfg Config) *Intake {
	return &Intake{
		codes: codes,
		clock: clock,
		cfg:   cfg,
	}
}

// ExtractToken parses a decoded payload as a URL and pulls out the token
// query parameter. Payloads that are not absolute URLs or lack the
// parameter are invalid input, not silently dropped.
func ExtractToken(payload string) (string, error) {
	u, err := url.Parse(payload)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: not a valid URL", apperr.ErrInvalidScanPayload)
	}
	token := u.Query().Get("token")
	if token == "" {
		return "", fmt.Errorf("%w: missing token parameter", apperr.ErrInvalidScanPayload)
	}
	return token, nil
}

// Submit processes one decoded payload. Scans inside the cooldown window
// coalesce silently; invalid payloads are reported; a token equal to the
// current value writes nothing; a differing token triggers exactly one
// update, whose effect arrives back through the self-notification.
func (i *Intake) Submit(ctx context.Context, payload string) (Outcome, error) {
	now := i.clock.Now()

	i.mu.Lock()
	if !i.lastScan.IsZero() && now.Sub(i.lastScan) < i.cfg.Cooldown {
		i.mu.Unlock()
		return OutcomeCoalesced, nil
	}
	i.lastScan = now
	i.mu.Unlock()

	token, err := ExtractToken(payload)
	if err != nil {
		log.Warn().Err(err).Msg("rejected scan payload")
		return "", err
	}

	current := i.currentValue(ctx)
	if token == current {
		log.Debug().Str("token", token).Msg("scanned token already current")
		return OutcomeUnchanged, nil
	}

	if _, err := i.codes.UpdateCode(ctx, token); err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

// currentValue prefers an authoritative read and falls back to the cached
// value when the store is unreachable.
func (i *Intake) currentValue(ctx context.Context) string {
	rec, err := i.codes.Fetch(ctx)
	if err == nil && rec != nil {
		return rec.Value
	}
	if err != nil {
		log.Warn().Err(err).Msg("authoritative code read failed, using cached value")
	}
	value, _ := i.codes.Current()
	return value
}
