package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/realtime"
)

// ParticipantRepository defines what the tracker needs from the data layer.
type ParticipantRepository interface {
	Get(ctx context.Context, userID string) (*models.Participant, error)
	Upsert(ctx context.Context, userID string, present bool, now time.Time) (*models.Participant, error)
	SetReady(ctx context.Context, userID string, ready bool, now time.Time) (*models.Participant, error)
	SetCheckedIn(ctx context.Context, userID string, checkedIn bool, now time.Time) (*models.Participant, error)
	ClearCheckIn(ctx context.Context, userID string, now time.Time) (*models.Participant, error)
	RemoteCounts(ctx context.Context) (Counts, error)
}

// Completion is the tri-state aggregate over remote participants. Zero
// remote participants is deliberately not "all checked in": the view
// layer renders it as its own condition.
type Completion string

const (
	NoRemoteParticipants Completion = "NO_REMOTE_PARTICIPANTS"
	CheckInPending       Completion = "PENDING"
	AllCheckedIn         Completion = "ALL_CHECKED_IN"
)

// CompletionFor derives the tri-state from the counts.
func CompletionFor(c Counts) Completion {
	switch {
	case c.Remote == 0:
		return NoRemoteParticipants
	case c.CheckedIn == c.Remote:
		return AllCheckedIn
	default:
		return CheckInPending
	}
}

// Summary is the aggregate snapshot pushed to summary listeners.
type Summary struct {
	Counts     Counts
	Completion Completion
}

// ChangeFunc receives raw presence change events.
type ChangeFunc func(ev realtime.ChangeEvent)

// SummaryFunc receives recomputed aggregate snapshots.
type SummaryFunc func(s Summary)

// Tracker drives the per-participant check-in workflow
// (not-ready -> ready -> checked-in -> cancelled) and aggregates counts
// across remote participants. Every transition targets one row by primary
// key and is safe to retry; none is retried automatically.
type Tracker struct {
	repo  ParticipantRepository
	clock clockwork.Clock

	mu          sync.Mutex
	changeSubs  map[uuid.UUID]ChangeFunc
	summarySubs map[uuid.UUID]SummaryFunc
}

// NewTracker creates a presence tracker.
func NewTracker(repo ParticipantRepository, clock clockwork.Clock) *Tracker {
	return &Tracker{
		repo:        repo,
		clock:       clock,
		changeSubs:  make(map[uuid.UUID]ChangeFunc),
		summarySubs: make(map[uuid.UUID]SummaryFunc),
	}
}

// SetPresence upserts the participant's location. The store-side upsert
// always clears a_pointe: a presence transition invalidates any prior
// check-in.
func (t *Tracker) SetPresence(ctx context.Context, userID string, present bool) (*models.Participant, error) {
	p, err := t.repo.Upsert(ctx, userID, present, t.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("set presence failed")
		return nil, err
	}
	log.Info().Str("user_id", userID).Bool("present", present).Msg("presence updated")
	return p, nil
}

// MarkReady moves NotReady -> Ready. A participant already ready or
// checked in is left untouched.
func (t *Tracker) MarkReady(ctx context.Context, userID string) (*models.Participant, error) {
	cur, err := t.repo.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("mark ready: read failed")
		return nil, err
	}
	if cur != nil && cur.Step() != models.StepNotReady {
		return cur, nil
	}

	p, err := t.repo.SetReady(ctx, userID, true, t.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("mark ready failed")
		return nil, err
	}
	return p, nil
}

// ConfirmCheckIn moves Ready -> CheckedIn.
func (t *Tracker) ConfirmCheckIn(ctx context.Context, userID string) (*models.Participant, error) {
	p, err := t.repo.SetCheckedIn(ctx, userID, true, t.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("confirm check-in failed")
		return nil, err
	}
	log.Info().Str("user_id", userID).Msg("checked in")
	return p, nil
}

// CancelCheckIn moves CheckedIn -> NotReady, clearing both ready and
// a_pointe in one logical operation.
func (t *Tracker) CancelCheckIn(ctx context.Context, userID string) (*models.Participant, error) {
	p, err := t.repo.ClearCheckIn(ctx, userID, t.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("cancel check-in failed")
		return nil, err
	}
	log.Info().Str("user_id", userID).Msg("check-in cancelled")
	return p, nil
}

// Status returns the authoritative checked-in flag, bypassing any cache.
func (t *Tracker) Status(ctx context.Context, userID string) (bool, error) {
	p, err := t.repo.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("status read failed")
		return false, err
	}
	return p != nil && p.CheckedIn, nil
}

// Step projects the participant's current workflow step from a plain
// read. No side effects: routine status polls must never move the state
// machine.
func (t *Tracker) Step(ctx context.Context, userID string) (models.CheckInStep, error) {
	p, err := t.repo.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("step read failed")
		return models.StepNotReady, err
	}
	if p == nil {
		return models.StepNotReady, nil
	}
	return p.Step(), nil
}

// InitialStep determines the starting workflow state on first observation
// by re-reading the store. A stale ready flag left over from a previous
// incomplete session is force-cleared server-side. Called once per
// session attach, never from routine reads.
func (t *Tracker) InitialStep(ctx context.Context, userID string) (models.CheckInStep, error) {
	p, err := t.repo.Get(ctx, userID)
	if err != nil {
		return models.StepNotReady, err
	}
	if p == nil {
		return models.StepNotReady, nil
	}
	if p.CheckedIn {
		return models.StepCheckedIn, nil
	}
	if p.Ready {
		if _, err := t.repo.SetReady(ctx, userID, false, t.clock.Now()); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("stale ready reset failed")
			return models.StepNotReady, err
		}
		log.Info().Str("user_id", userID).Msg("cleared stale ready flag")
	}
	return models.StepNotReady, nil
}

// Summary aggregates the remote participants.
func (t *Tracker) Summary(ctx context.Context) (Summary, error) {
	counts, err := t.repo.RemoteCounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("remote counts failed")
		return Summary{Completion: NoRemoteParticipants}, err
	}
	return Summary{Counts: counts, Completion: CompletionFor(counts)}, nil
}

// Refresh recomputes the summary and pushes it to summary listeners.
// Invoked reactively on change events and periodically by the poller.
func (t *Tracker) Refresh(ctx context.Context) {
	s, err := t.Summary(ctx)
	if err != nil {
		return
	}

	t.mu.Lock()
	subs := make([]SummaryFunc, 0, len(t.summarySubs))
	for _, fn := range t.summarySubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// HandleChange forwards a raw presence change event to listeners. Fed by
// the sync engine, which owns the only realtime subscription.
func (t *Tracker) HandleChange(ev realtime.ChangeEvent) {
	t.mu.Lock()
	subs := make([]ChangeFunc, 0, len(t.changeSubs))
	for _, fn := range t.changeSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// OnChange registers a raw-event listener and returns its detach handle.
func (t *Tracker) OnChange(fn ChangeFunc) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.New()
	t.changeSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.changeSubs, id)
	}
}

// OnSummary registers an aggregate listener and returns its detach handle.
func (t *Tracker) OnSummary(fn SummaryFunc) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.New()
	t.summarySubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.summarySubs, id)
	}
}
