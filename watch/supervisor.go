package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/notify"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/telemetry"
)

// Supervisor runs the periodic health loop: probes the data store, watches
// the listener's state and drives recovery when the push path degrades.
// Escalation is bounded; once the listener is beyond saving the supervisor
// alerts once and leaves the poll path to carry the pipeline.
type Supervisor struct {
	config   cfg.WatchConfiguration
	listener *Listener
	reader   store.Store
	admins   *notify.AdminNotifier

	healthFails    int
	escalations    int
	storeDown      bool
	permanentAlert bool

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewSupervisor(config cfg.WatchConfiguration, listener *Listener, reader store.Store, admins *notify.AdminNotifier) *Supervisor {
	return &Supervisor{
		config:   config,
		listener: listener,
		reader:   reader,
		admins:   admins,
		sleep:    sleepContext,
	}
}

// Run is the health loop. It returns when ctx ends or when the listener is
// permanently failed and the alert went out.
func (s *Supervisor) Run(ctx context.Context) {
	interval := time.Duration(s.config.HealthIntervalSeconds) * time.Second
	log.Info().Dur("interval", interval).Msg("Supervisor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Supervisor stopped")
			return
		case <-ticker.C:
			if done := s.check(ctx); done {
				log.Warn().Msg("Supervisor standing down, push path is beyond recovery")
				return
			}
		}
	}
}

// check runs one health pass. It returns true when supervision should end.
func (s *Supervisor) check(ctx context.Context) bool {
	s.probeStore(ctx)

	switch {
	case s.listener.State() == StatePermanentlyFailed:
		if !s.permanentAlert {
			s.permanentAlert = true
			s.admins.AlertSafe(ctx,
				"🚨 Push listener is permanently failed. Notifications now rely on polling only.")
		}
		return true

	case !s.listener.Connected():
		return s.recover(ctx)

	case !s.listener.HealthCheck():
		s.healthFails++
		log.Warn().
			Int("consecutive", s.healthFails).
			Int("threshold", s.config.HealthFailThreshold).
			Msg("Listener connected but unhealthy")

		if s.healthFails >= s.config.HealthFailThreshold {
			s.admins.AlertSafe(ctx, fmt.Sprintf(
				"⚠️ Push listener unhealthy for %d consecutive checks, reconnecting.", s.healthFails))
			s.healthFails = 0
			return s.recover(ctx)
		}

	default:
		s.healthFails = 0
		s.escalations = 0
	}

	return false
}

// probeStore pings the relational store and alerts on the healthy-to-down
// transition only.
func (s *Supervisor) probeStore(ctx context.Context) {
	err := s.reader.Ping(ctx)
	if err == nil {
		if s.storeDown {
			log.Info().Msg("Data store reachable again")
			s.storeDown = false
		}
		return
	}

	log.Error().Err(err).Msg("Data store ping failed")
	if !s.storeDown {
		s.storeDown = true
		s.admins.AlertSafe(ctx, fmt.Sprintf("⚠️ Data store is unreachable: %v", err))
	}
}

// recover attempts one listener reconnection with escalating backoff. The
// attempt budget is bounded; exhausting it parks the listener.
func (s *Supervisor) recover(ctx context.Context) bool {
	s.escalations++
	if s.escalations > s.config.MaxSupervisorAttempts {
		s.listener.markPermanentlyFailed()
		telemetry.ListenerConnected.Set(0)

		if !s.permanentAlert {
			s.permanentAlert = true
			s.admins.AlertSafe(ctx, fmt.Sprintf(
				"🚨 Listener recovery failed %d times, giving up on the push path. Polling continues.",
				s.config.MaxSupervisorAttempts))
		}
		return true
	}

	log.Warn().
		Int("attempt", s.escalations).
		Int("max", s.config.MaxSupervisorAttempts).
		Msg("Supervisor reconnecting listener")

	if err := s.listener.Reconnect(ctx); err != nil {
		telemetry.ReconnectsTotal.With("failure").Inc()
		backoff := expBackoff(time.Second, s.escalations, 2*time.Minute)
		log.Error().Err(err).Dur("backoff", backoff).Msg("Supervisor reconnection failed")
		s.sleep(ctx, backoff)
		return false
	}

	telemetry.ReconnectsTotal.With("success").Inc()
	s.escalations = 0
	s.healthFails = 0
	return false
}
