package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Push-subscription contract against the data store.

// EventInsert is the only event type the pipeline consumes.
const EventInsert = "INSERT"

// EventHandler receives the raw decoded payload for one table's events.
// Payload validation is the caller's job; handlers must never block.
type EventHandler func(table string, payload map[string]any)

// Channel is one live per-table subscription.
type Channel interface {
	Table() string
	// AwaitAck waits for the store to acknowledge the subscription. The
	// returned value is the raw acknowledgment, validated separately with
	// ValidateSubscribeAck.
	AwaitAck(ctx context.Context, timeout time.Duration) (any, error)
	Active() bool
	Unsubscribe() error
}

// ChangeStream is the store's push API: a connected client that can open
// one insert-event channel per table.
type ChangeStream interface {
	Connect(ctx context.Context) error
	Subscribe(table string, handler EventHandler) (Channel, error)
	Connected() bool
	Close() error
}

// ErrAckTimeout is returned when a subscription acknowledgment does not
// arrive in time. It fails that table only, not the whole stream.
var ErrAckTimeout = errors.New("subscription acknowledgment timed out")

// ackErrorIndicators mark an acknowledgment string as a failure.
var ackErrorIndicators = []string{"error", "failed", "timeout", "unable"}

// ValidateSubscribeAck checks an acknowledgment payload for error shapes:
// a nil ack, a string containing an error keyword, or a map carrying an
// error field or an error status.
func ValidateSubscribeAck(ack any) error {
	switch v := ack.(type) {
	case nil:
		return fmt.Errorf("empty subscription acknowledgment")
	case string:
		lower := strings.ToLower(v)
		for _, indicator := range ackErrorIndicators {
			if strings.Contains(lower, indicator) {
				return fmt.Errorf("subscription acknowledgment reports failure: %s", v)
			}
		}
		return nil
	case map[string]any:
		if errVal, ok := v["error"]; ok && errVal != nil {
			return fmt.Errorf("subscription acknowledgment carries error: %v", errVal)
		}
		if status, ok := v["status"].(string); ok && strings.EqualFold(status, "error") {
			return fmt.Errorf("subscription acknowledgment status is error")
		}
		return nil
	default:
		// Unknown ack shapes are treated as success
		return nil
	}
}
