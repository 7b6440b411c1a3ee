package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/messenger"
	"github.com/rowwatch/rowwatch/telemetry"
)

// AdminNotifier delivers operational alerts to the superadministrators.
// Delivery is best effort with bounded retries; callers that must never
// fail use AlertSafe.
type AdminNotifier struct {
	client   messenger.Client
	adminIDs []string
	retries  int
	delay    time.Duration

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewAdminNotifier(client messenger.Client, adminIDs []string, retries int, delay time.Duration) *AdminNotifier {
	if retries < 1 {
		retries = 1
	}
	return &AdminNotifier{
		client:   client,
		adminIDs: adminIDs,
		retries:  retries,
		delay:    delay,
		sleep:    sleepContext,
	}
}

// Alert sends one message to every administrator. It returns an error only
// when no administrator received it.
func (a *AdminNotifier) Alert(ctx context.Context, message string) error {
	return a.Broadcast(ctx, []string{message})
}

// AlertSafe is Alert with failures reduced to a log line. Used from paths
// that must not propagate errors, like panic handlers.
func (a *AdminNotifier) AlertSafe(ctx context.Context, message string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Recovered while alerting administrators")
		}
	}()

	if err := a.Alert(ctx, message); err != nil {
		log.Error().Err(err).Msg("Unable to alert administrators")
	}
}

// Broadcast sends every message, in order, to every administrator. Each
// administrator gets bounded retries with exponential backoff; a failing
// administrator does not block the rest.
func (a *AdminNotifier) Broadcast(ctx context.Context, messages []string) error {
	if len(a.adminIDs) == 0 {
		return fmt.Errorf("no administrators configured")
	}

	delivered := 0
	for i, adminID := range a.adminIDs {
		if i > 0 && !a.sleep(ctx, a.delay) {
			break
		}

		if err := a.sendWithRetry(ctx, adminID, messages); err != nil {
			log.Error().
				Err(err).
				Str("admin", adminID).
				Msg("Failed to deliver alert to administrator")
			continue
		}
		delivered++
	}

	telemetry.AdminAlertsTotal.Inc()
	if delivered == 0 {
		return fmt.Errorf("alert reached none of %d administrators", len(a.adminIDs))
	}
	return nil
}

func (a *AdminNotifier) sendWithRetry(ctx context.Context, adminID string, messages []string) error {
	var lastErr error
	for attempt := 0; attempt < a.retries; attempt++ {
		if attempt > 0 && !a.sleep(ctx, time.Duration(1<<attempt)*time.Second) {
			return ctx.Err()
		}

		lastErr = nil
		for _, msg := range messages {
			if err := a.client.SendMessage(ctx, adminID, msg); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
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
