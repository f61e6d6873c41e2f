package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/code"
	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/presence"
	"github.com/intrascan/intrascan/go/internal/realtime"
)

// Service owns the WebSocket fan-out: it subscribes to the sync engine
// and the presence tracker and rebroadcasts their updates to every
// connected viewer.
type Service struct {
	manager *ConnectionManager
	handler *Handler
	engine  *code.SyncEngine
	tracker *presence.Tracker

	detach []func()
}

// NewService creates the gateway service.
func NewService(manager *ConnectionManager, handler *Handler, engine *code.SyncEngine, tracker *presence.Tracker) *Service {
	return &Service{
		manager: manager,
		handler: handler,
		engine:  engine,
		tracker: tracker,
	}
}

// RegisterRoutes registers the gateway's HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.handler.RegisterRoutes(mux)
}

// Start runs the connection manager and attaches the broadcast
// subscriptions. It blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.attach()
	defer s.detachAll()

	log.Info().Msg("gateway service starting")
	s.manager.Start(ctx)
	log.Info().Msg("gateway service stopped")
}

func (s *Service) attach() {
	s.detach = append(s.detach,
		s.engine.OnCodeUpdate(func(value string, updatedAt time.Time) {
			s.broadcast(EventTypeCodeUpdated, updatedAt, CodeUpdatedPayload{
				Code:      value,
				UpdatedAt: updatedAt,
			})
		}),
		s.engine.OnConnectionStatusChange(func(connected bool) {
			state := models.ConnectionDisconnected
			if connected {
				state = models.ConnectionConnected
			}
			s.broadcast(EventTypeConnectionStatus, time.Now(), ConnectionStatusPayload{
				State:     state,
				Connected: state.Connected(),
			})
		}),
		s.tracker.OnChange(func(ev realtime.ChangeEvent) {
			s.broadcast(EventTypePresenceChanged, time.Now(), json.RawMessage(ev.New))
		}),
		s.tracker.OnSummary(func(sum presence.Summary) {
			s.broadcast(EventTypeCheckInSummary, time.Now(), CheckInSummaryPayload{
				Remote:     sum.Counts.Remote,
				CheckedIn:  sum.Counts.CheckedIn,
				Ready:      sum.Counts.Ready,
				NotReady:   sum.Counts.NotReady(),
				Completion: string(sum.Completion),
			})
		}),
	)
}

func (s *Service) detachAll() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
}

func (s *Service) broadcast(t EventType, at time.Time, payload any) {
	ev, err := NewEvent(t, at, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to build broadcast event")
		return
	}
	s.manager.Broadcast(ev)
}
