package watch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/messenger"
	"github.com/rowwatch/rowwatch/notify"
	"github.com/rowwatch/rowwatch/store"
)

type fakeChannel struct {
	table  string
	ack    any
	ackErr error

	mu     sync.Mutex
	active bool
}

func (c *fakeChannel) Table() string { return c.table }

func (c *fakeChannel) AwaitAck(context.Context, time.Duration) (any, error) {
	return c.ack, c.ackErr
}

func (c *fakeChannel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	return nil
}

type fakeStream struct {
	mu        sync.Mutex
	connected bool
	failNext  int // Connect attempts to fail before succeeding
	acks      map[string]any
	handlers  map[string]store.EventHandler
	connects  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		acks:     map[string]any{},
		handlers: map[string]store.EventHandler{},
	}
}

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects++
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("connection refused")
	}
	s.connected = true
	return nil
}

func (s *fakeStream) Subscribe(table string, handler store.EventHandler) (store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[table] = handler
	ack, ok := s.acks[table]
	if !ok {
		ack = map[string]any{"status": "SUBSCRIBED"}
	}
	return &fakeChannel{table: table, ack: ack, active: true}, nil
}

func (s *fakeStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeStream) push(table string, payload map[string]any) {
	s.mu.Lock()
	handler := s.handlers[table]
	s.mu.Unlock()
	if handler != nil {
		handler(table, payload)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []store.Record
	sources []string
	tables  []string
}

func (r *recordingSink) HandleNewRecord(_ context.Context, source, table string, record store.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	r.sources = append(r.sources, source)
	r.tables = append(r.tables, table)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type alertCountingClient struct {
	messenger.LogClient

	mu    sync.Mutex
	texts []string
}

func (c *alertCountingClient) SendMessage(_ context.Context, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *alertCountingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func fastWatchConfig() cfg.WatchConfiguration {
	c := cfg.Default().Watch
	c.MaxConnectAttempts = 2
	c.MaxReconnectAttempts = 3
	c.MaxSupervisorAttempts = 2
	c.SubscribeTimeoutS = 1
	return c
}

func testListener(t *testing.T, stream store.ChangeStream, tables ...string) (*Listener, *recordingSink, *alertCountingClient, *TaskGroup) {
	t.Helper()

	if len(tables) == 0 {
		tables = []string{"orders_new"}
	}

	client := &alertCountingClient{}
	admins := notify.NewAdminNotifier(client, []string{"100"}, 1, 0)

	sink := &recordingSink{}
	tasks := NewTaskGroup(context.Background())
	t.Cleanup(func() { _ = tasks.Shutdown(2 * time.Second) })

	l := NewListener(fastWatchConfig(), tables, stream, sink, admins, tasks)
	l.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return l, sink, client, tasks
}

func TestListenerConnectsAndSubscribes(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream, "orders_new", "orders_archive")

	l.Initialize(context.Background())

	assert.Equal(t, StateConnected, l.State())
	assert.True(t, l.Connected())
	assert.True(t, l.HealthCheck())
	assert.Equal(t, 2, l.ChannelCount())
}

func TestListenerSkipsUnacknowledgedTable(t *testing.T) {
	stream := newFakeStream()
	stream.acks["orders_archive"] = "CHANNEL_ERROR: unable to join"
	l, _, _, _ := testListener(t, stream, "orders_new", "orders_archive")

	l.Initialize(context.Background())

	assert.Equal(t, StateConnected, l.State())
	assert.Equal(t, 1, l.ChannelCount())
}

func TestListenerRetriesConnect(t *testing.T) {
	stream := newFakeStream()
	stream.failNext = 1
	l, _, _, _ := testListener(t, stream)

	l.Initialize(context.Background())

	assert.Equal(t, StateConnected, l.State())
	assert.Equal(t, 2, stream.connects)
}

func TestListenerParksAfterReconnectExhaustion(t *testing.T) {
	stream := newFakeStream()
	stream.failNext = 1 << 20 // never succeeds
	l, _, client, _ := testListener(t, stream)

	l.Initialize(context.Background())

	require.Eventually(t, func() bool {
		return l.State() == StatePermanentlyFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly one final alert.
	require.Eventually(t, func() bool { return client.count() >= 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, client.count())

	// A parked listener stays parked.
	assert.Error(t, l.Reconnect(context.Background()))
	assert.Equal(t, StatePermanentlyFailed, l.State())
}

func TestListenerRejectsMalformedPayloads(t *testing.T) {
	stream := newFakeStream()
	l, sink, _, _ := testListener(t, stream)
	l.Initialize(context.Background())

	stream.push("orders_new", map[string]any{"new": map[string]any{"id": "1"}})                      // no eventType
	stream.push("orders_new", map[string]any{"eventType": "UPDATE", "new": map[string]any{"id": "1"}}) // wrong type
	stream.push("orders_new", map[string]any{"eventType": "INSERT"})                                 // no body
	stream.push("orders_new", map[string]any{"eventType": "INSERT", "new": "not-a-map"})             // wrong body shape

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestListenerDispatchesValidInsert(t *testing.T) {
	stream := newFakeStream()
	l, sink, _, _ := testListener(t, stream)
	l.Initialize(context.Background())

	stream.push("orders_new", map[string]any{
		"eventType": "INSERT",
		"new":       map[string]any{"id": "42", "products": "Diesel"},
	})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "push", sink.sources[0])
	assert.Equal(t, "orders_new", sink.tables[0])
	assert.Equal(t, "42", sink.records[0].ID())
}

// blockingSink holds every dispatch until released, to observe in-flight
// deliveries from the outside.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSink) HandleNewRecord(context.Context, string, string, store.Record) {
	close(s.started)
	<-s.release
}

func TestListenerShutdownAwaitsInFlightDispatch(t *testing.T) {
	stream := newFakeStream()
	l, _, _, tasks := testListener(t, stream)
	l.Initialize(context.Background())

	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	l.sink = sink

	stream.push("orders_new", map[string]any{
		"eventType": "INSERT",
		"new":       map[string]any{"id": "7", "products": "Diesel"},
	})
	<-sink.started

	assert.Contains(t, tasks.Running(), "push-dispatch:orders_new")

	err := tasks.Shutdown(50 * time.Millisecond)
	require.Error(t, err, "shutdown must wait for the in-flight dispatch")
	assert.Contains(t, err.Error(), "push-dispatch:orders_new")

	close(sink.release)
	require.NoError(t, tasks.Shutdown(time.Second))
}

func TestListenerShutdownDropsChannels(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream)
	l.Initialize(context.Background())
	require.True(t, l.Connected())

	l.Shutdown()

	assert.Equal(t, StateDisconnected, l.State())
	assert.False(t, l.Connected())
	assert.Zero(t, l.ChannelCount())
}

func TestExpBackoff(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, expBackoff(30*time.Second, tc.n, 5*time.Minute))
	}
}
