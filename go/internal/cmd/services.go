package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/intrascan/intrascan/go/internal/bridge"
	"github.com/intrascan/intrascan/go/internal/code"
	"github.com/intrascan/intrascan/go/internal/gateway"
	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/presence"
	"github.com/intrascan/intrascan/go/internal/realtime"
	"github.com/intrascan/intrascan/go/internal/scan"
)

type Services struct {
	Engine  *code.SyncEngine
	Tracker *presence.Tracker
	Poller  *presence.Poller
	Intake  *scan.Intake
	Gateway *gateway.Service
	Bridge  *bridge.JetStreamPublisher

	detach []func()
}

func setupServices(pool *pgxpool.Pool, dsn string, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Store layer → repository layer → engine/tracker layer → gateway layer
	clock := clockwork.NewRealClock()

	rtCfg := realtime.DefaultConfig()
	rtCfg.DSN = dsn
	if config.Realtime.Channel != "" {
		rtCfg.ChannelName = config.Realtime.Channel
	}
	factory := realtime.NewFactory(rtCfg)

	// Shared code
	codeRepo := code.NewRepository(pool)
	engineCfg := code.DefaultConfig()
	if config.Realtime.ReconnectDelay > 0 {
		engineCfg.ReconnectDelay = config.Realtime.ReconnectDelay
	}
	engine := code.NewSyncEngine(codeRepo, factory, clock, engineCfg)

	// Presence
	presenceRepo := presence.NewRepository(pool)
	tracker := presence.NewTracker(presenceRepo, clock)
	pollerCfg := presence.DefaultPollerConfig()
	if config.Presence.PollInterval > 0 {
		pollerCfg.Interval = config.Presence.PollInterval
	}
	poller := presence.NewPoller(tracker, clock, pollerCfg)

	// Scan intake
	scanCfg := scan.DefaultConfig()
	if config.Scan.Cooldown > 0 {
		scanCfg.Cooldown = config.Scan.Cooldown
	}
	intake := scan.NewIntake(engine, clock, scanCfg)

	// Gateway
	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	handler := gateway.NewHandler(manager, engine, intake, tracker)
	gatewayService := gateway.NewService(manager, handler, engine, tracker)

	services := &Services{
		Engine:  engine,
		Tracker: tracker,
		Poller:  poller,
		Intake:  intake,
		Gateway: gatewayService,
	}

	// Presence changes arrive on the engine's channel; route them to the
	// tracker and nudge the poller for an immediate summary refresh.
	services.detach = append(services.detach,
		engine.OnPresenceEvent(func(ev realtime.ChangeEvent) {
			tracker.HandleChange(ev)
			poller.Kick()
		}),
	)

	// Presence notifications missed while the channel was down leave the
	// summary stale; refresh it as soon as the subscription is back.
	services.detach = append(services.detach,
		engine.OnConnectionStatusChange(func(connected bool) {
			if connected {
				poller.Kick()
			}
		}),
	)

	// The bridge is optional: enabled by config or by NATS_URL alone.
	natsURL := os.Getenv("NATS_URL")
	if config.Bridge.Enabled || natsURL != "" {
		bridgeCfg := bridge.DefaultJetStreamConfig()
		if natsURL != "" {
			bridgeCfg.URL = natsURL
		}
		if config.Bridge.URL != "" {
			bridgeCfg.URL = config.Bridge.URL
		}
		if config.Bridge.Stream != "" {
			bridgeCfg.StreamName = config.Bridge.Stream
		}
		publisher, err := bridge.NewJetStreamPublisher(bridgeCfg)
		if err != nil {
			return nil, err
		}
		services.Bridge = publisher
		services.detach = append(services.detach,
			engine.OnPresenceEvent(func(ev realtime.ChangeEvent) {
				if err := publisher.Publish(context.Background(), ev); err != nil {
					log.Error().Err(err).Msg("failed to bridge presence event")
				}
			}),
			engine.OnCodeUpdate(func(value string, updatedAt time.Time) {
				row, err := json.Marshal(realtime.CodeRow{
					ID:        models.SharedCodeID,
					CodeValue: value,
					UpdatedAt: updatedAt,
				})
				if err != nil {
					log.Error().Err(err).Msg("failed to encode code row for bridge")
					return
				}
				ev := realtime.ChangeEvent{Table: realtime.TableCode, Op: realtime.OpUpdate, New: row}
				if err := publisher.Publish(context.Background(), ev); err != nil {
					log.Error().Err(err).Msg("failed to bridge code event")
				}
			}),
		)
	}

	return services, nil
}

// Close detaches every subscription and releases the bridge connection.
func (s *Services) Close() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	if s.Bridge != nil {
		if err := s.Bridge.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close bridge publisher")
		}
	}
}
