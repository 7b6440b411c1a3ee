package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/notify"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/telemetry"
)

// State of the push listener.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateConnected
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// Sink receives detected rows. Both detection paths feed the same sink.
type Sink interface {
	HandleNewRecord(ctx context.Context, source, table string, record store.Record)
}

const (
	connectBackoffBase = time.Second
	connectBackoffCap  = 60 * time.Second

	reconnectBackoffBase = 30 * time.Second
	reconnectBackoffCap  = 5 * time.Minute
	reconnectAlertAt     = 5
)

// Listener owns the push subscription against the data store. It connects,
// opens one channel per monitored table, validates incoming payloads and
// hands rows to the sink. Connection loss is recovered by a bounded
// background retry loop; when that is exhausted the listener parks in
// StatePermanentlyFailed and only the poll scanner keeps the pipeline alive.
type Listener struct {
	config cfg.WatchConfiguration
	tables []string
	stream store.ChangeStream
	sink   Sink
	admins *notify.AdminNotifier
	tasks  *TaskGroup

	mu             sync.Mutex
	state          State
	channels       map[string]store.Channel
	reconnecting   bool
	finalAlertSent bool

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewListener(
	config cfg.WatchConfiguration,
	tables []string,
	stream store.ChangeStream,
	sink Sink,
	admins *notify.AdminNotifier,
	tasks *TaskGroup,
) *Listener {
	return &Listener{
		config:   config,
		tables:   tables,
		stream:   stream,
		sink:     sink,
		admins:   admins,
		tasks:    tasks,
		state:    StateDisconnected,
		channels: map[string]store.Channel{},
		sleep:    sleepContext,
	}
}

// Initialize brings the listener up. A failed direct connection does not
// fail the boot; recovery moves to the background retry loop so the daemon
// can keep running on the poll path.
func (l *Listener) Initialize(ctx context.Context) {
	if err := l.connect(ctx); err != nil {
		log.Error().Err(err).Msg("Push listener failed to start, retrying in background")
		l.startBackgroundReconnect()
	}
}

// connect performs the full direct bring-up: bounded connection retries
// with exponential backoff, then one subscription per table.
func (l *Listener) connect(ctx context.Context) error {
	l.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= l.config.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			backoff := expBackoff(connectBackoffBase, attempt-1, connectBackoffCap)
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying stream connection")
			if !l.sleep(ctx, backoff) {
				l.setState(StateDisconnected)
				return ctx.Err()
			}
		}

		if lastErr = l.stream.Connect(ctx); lastErr == nil {
			break
		}
		log.Error().Err(lastErr).Int("attempt", attempt).Msg("Stream connection failed")
	}

	if lastErr != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("stream connection exhausted %d attempts: %w",
			l.config.MaxConnectAttempts, lastErr)
	}

	if err := l.subscribeToTables(ctx); err != nil {
		l.setState(StateDisconnected)
		return err
	}

	l.setState(StateConnected)
	telemetry.ListenerConnected.Set(1)
	log.Info().Int("channels", l.ChannelCount()).Msg("Push listener connected")
	return nil
}

// subscribeToTables opens one channel per monitored table and waits for each
// acknowledgment. A table that fails to subscribe is skipped; subscribing
// fails only when no table came up.
func (l *Listener) subscribeToTables(ctx context.Context) error {
	l.setState(StateSubscribing)
	timeout := time.Duration(l.config.SubscribeTimeoutS) * time.Second

	subscribed := 0
	for _, table := range l.tables {
		if existing := l.channel(table); existing != nil && existing.Active() {
			subscribed++
			continue
		}

		channel, err := l.stream.Subscribe(table, l.onEvent)
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Subscription failed")
			continue
		}

		ack, err := channel.AwaitAck(ctx, timeout)
		if err == nil {
			err = store.ValidateSubscribeAck(ack)
		}
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Subscription not acknowledged")
			_ = channel.Unsubscribe()
			continue
		}

		l.mu.Lock()
		l.channels[table] = channel
		l.mu.Unlock()

		subscribed++
		log.Info().Str("table", table).Msg("Subscribed to table inserts")
	}

	if subscribed == 0 {
		return fmt.Errorf("no table subscription came up out of %d", len(l.tables))
	}
	return nil
}

// onEvent validates one raw push payload and hands the row to the sink on a
// registered task, keeping the stream callback non-blocking while shutdown
// still waits for in-flight dispatches.
func (l *Listener) onEvent(table string, payload map[string]any) {
	eventType, _ := payload["eventType"].(string)
	if eventType != store.EventInsert {
		log.Warn().
			Str("table", table).
			Str("event_type", eventType).
			Msg("Rejecting event with unexpected type")
		return
	}

	raw, ok := payload["new"].(map[string]any)
	if !ok || len(raw) == 0 {
		log.Warn().Str("table", table).Msg("Rejecting insert event without record body")
		return
	}

	record := store.Record(raw)
	l.tasks.Go("push-dispatch:"+table, func(ctx context.Context) {
		l.sink.HandleNewRecord(ctx, "push", table, record)
	})
}

// startBackgroundReconnect launches the bounded retry loop. Only one loop
// runs at a time.
func (l *Listener) startBackgroundReconnect() {
	l.mu.Lock()
	if l.reconnecting || l.state == StatePermanentlyFailed {
		l.mu.Unlock()
		return
	}
	l.reconnecting = true
	l.mu.Unlock()

	l.tasks.Go("listener-reconnect", l.backgroundReconnect)
}

func (l *Listener) backgroundReconnect(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.reconnecting = false
		l.mu.Unlock()
	}()

	for attempt := 1; attempt <= l.config.MaxReconnectAttempts; attempt++ {
		backoff := expBackoff(reconnectBackoffBase, attempt-1, reconnectBackoffCap)
		log.Info().
			Int("attempt", attempt).
			Int("max", l.config.MaxReconnectAttempts).
			Dur("backoff", backoff).
			Msg("Scheduling stream reconnection")
		if !l.sleep(ctx, backoff) {
			return
		}

		if attempt == reconnectAlertAt {
			l.admins.AlertSafe(ctx, fmt.Sprintf(
				"⚠️ Data stream still down after %d reconnection attempts, continuing to retry.", attempt-1))
		}

		l.teardown()
		if err := l.connect(ctx); err != nil {
			telemetry.ReconnectsTotal.With("failure").Inc()
			log.Error().Err(err).Int("attempt", attempt).Msg("Background reconnection failed")
			continue
		}

		telemetry.ReconnectsTotal.With("success").Inc()
		return
	}

	l.markPermanentlyFailed()
	telemetry.ListenerConnected.Set(0)

	l.mu.Lock()
	alerted := l.finalAlertSent
	l.finalAlertSent = true
	l.mu.Unlock()

	if !alerted {
		l.admins.AlertSafe(ctx, fmt.Sprintf(
			"🚨 Data stream reconnection gave up after %d attempts. Push notifications are down; polling continues.",
			l.config.MaxReconnectAttempts))
	}
	log.Error().
		Int("attempts", l.config.MaxReconnectAttempts).
		Msg("Stream reconnection permanently failed")
}

// Reconnect tears the connection down and brings it back up. Unlike the
// background loop this propagates the error, so the supervisor can apply
// its own escalation policy.
func (l *Listener) Reconnect(ctx context.Context) error {
	if l.State() == StatePermanentlyFailed {
		return fmt.Errorf("listener is permanently failed")
	}

	l.teardown()
	return l.connect(ctx)
}

// teardown drops all channels and the connection, best effort.
func (l *Listener) teardown() {
	l.mu.Lock()
	channels := l.channels
	l.channels = map[string]store.Channel{}
	l.mu.Unlock()

	for table, channel := range channels {
		if err := channel.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("table", table).Msg("Unsubscribe failed during teardown")
		}
	}

	if err := l.stream.Close(); err != nil {
		log.Debug().Err(err).Msg("Stream close failed during teardown")
	}

	l.setState(StateDisconnected)
	telemetry.ListenerConnected.Set(0)
}

// HealthCheck reports whether the listener is usable: connected with at
// least one live channel.
func (l *Listener) HealthCheck() bool {
	if !l.Connected() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, channel := range l.channels {
		if channel.Active() {
			return true
		}
	}
	return false
}

// Connected reports whether both the state machine and the underlying
// stream agree the listener is up.
func (l *Listener) Connected() bool {
	return l.State() == StateConnected && l.stream.Connected()
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setState ignores transitions out of StatePermanentlyFailed; parking there
// is terminal for the process lifetime.
func (l *Listener) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StatePermanentlyFailed {
		return
	}
	l.state = s
}

func (l *Listener) markPermanentlyFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StatePermanentlyFailed
}

func (l *Listener) channel(table string) store.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channels[table]
}

func (l *Listener) ChannelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, channel := range l.channels {
		if channel.Active() {
			count++
		}
	}
	return count
}

// Shutdown closes every channel and the stream.
func (l *Listener) Shutdown() {
	l.teardown()
	log.Info().Msg("Push listener stopped")
}

// expBackoff is base << n, capped at limit.
func expBackoff(base time.Duration, n int, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// sleepContext waits for d, returning false when ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
