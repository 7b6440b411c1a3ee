package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSStreamConfig configures the NATS-backed change stream.
type NATSStreamConfig struct {
	URL                  string
	SubjectPrefix        string // Events arrive on <prefix>.<table>
	ServiceCredential    string // Elevated token, preferred
	RestrictedCredential string // Fallback token
}

// NATSStream implements ChangeStream over core NATS. The store side
// publishes one JSON payload per inserted row on <prefix>.<table> and
// answers subscription acknowledgments on <prefix>.ack.<table>.
type NATSStream struct {
	config NATSStreamConfig

	mu        sync.Mutex
	nc        *nats.Conn
	connected atomic.Bool
}

// NewNATSStream creates an unconnected stream.
func NewNATSStream(config NATSStreamConfig) *NATSStream {
	return &NATSStream{config: config}
}

// Connect dials the server with the best available credential. One
// handshake; retry policy belongs to the caller.
func (s *NATSStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc != nil && s.nc.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name("rowwatch-listener"),
		nats.MaxReconnects(0), // Reconnection is the listener's state machine, not the client's
	}

	credential := s.config.ServiceCredential
	if credential == "" {
		credential = s.config.RestrictedCredential
	}
	if credential != "" {
		opts = append(opts, nats.Token(credential))
	}

	nc, err := nats.Connect(s.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect change stream: %w", err)
	}

	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return fmt.Errorf("change stream handshake failed: %w", err)
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		s.connected.Store(false)
		log.Warn().Err(err).Msg("Change stream disconnected")
	})

	s.nc = nc
	s.connected.Store(true)
	return nil
}

// Subscribe opens the per-table channel and registers the handler. The
// acknowledgment is requested lazily via Channel.AwaitAck.
func (s *NATSStream) Subscribe(table string, handler EventHandler) (Channel, error) {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return nil, fmt.Errorf("change stream is not connected")
	}

	subject := fmt.Sprintf("%s.%s", s.config.SubjectPrefix, table)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var payload map[string]any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Dropping undecodable change event")
			return
		}
		handler(table, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return &natsChannel{
		nc:         nc,
		sub:        sub,
		table:      table,
		ackSubject: fmt.Sprintf("%s.ack.%s", s.config.SubjectPrefix, table),
	}, nil
}

// Connected reports the client's live state.
func (s *NATSStream) Connected() bool {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()
	return s.connected.Load() && nc != nil && nc.IsConnected()
}

// Close releases the client handle.
func (s *NATSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected.Store(false)
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	return nil
}

type natsChannel struct {
	nc         *nats.Conn
	sub        *nats.Subscription
	table      string
	ackSubject string
}

func (c *natsChannel) Table() string {
	return c.table
}

func (c *natsChannel) AwaitAck(ctx context.Context, timeout time.Duration) (any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, c.ackSubject, []byte(c.table))
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, ErrAckTimeout
		}
		return nil, fmt.Errorf("subscription ack request failed: %w", err)
	}

	var ack any
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		// Non-JSON acks are passed through as strings
		ack = string(msg.Data)
	}
	return ack, nil
}

func (c *natsChannel) Active() bool {
	return c.sub != nil && c.sub.IsValid()
}

func (c *natsChannel) Unsubscribe() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}
