package watch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowwatch/rowwatch/notify"
)

func testSupervisor(t *testing.T, listener *Listener, reader *fakeReader, client *alertCountingClient) *Supervisor {
	t.Helper()

	admins := notify.NewAdminNotifier(client, []string{"100"}, 1, 0)
	s := NewSupervisor(fastWatchConfig(), listener, reader, admins)
	s.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return s
}

func TestSupervisorHealthyPassResetsCounters(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream)
	l.Initialize(context.Background())
	require.True(t, l.Connected())

	client := &alertCountingClient{}
	s := testSupervisor(t, l, &fakeReader{}, client)
	s.healthFails = 2
	s.escalations = 1

	assert.False(t, s.check(context.Background()))
	assert.Zero(t, s.healthFails)
	assert.Zero(t, s.escalations)
	assert.Zero(t, client.count())
}

func TestSupervisorRecoversDisconnectedListener(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream)
	l.Initialize(context.Background())
	require.True(t, l.Connected())

	// Simulate a dropped connection the listener has not noticed.
	stream.Close()
	l.setState(StateDisconnected)
	require.False(t, l.Connected())

	client := &alertCountingClient{}
	s := testSupervisor(t, l, &fakeReader{}, client)

	assert.False(t, s.check(context.Background()))
	assert.True(t, l.Connected())
	assert.Zero(t, s.escalations)
}

func TestSupervisorParksListenerAfterEscalationBudget(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream)
	l.Initialize(context.Background())
	require.True(t, l.Connected())

	stream.Close()
	stream.failNext = 1 << 20 // reconnections never succeed
	l.setState(StateDisconnected)

	client := &alertCountingClient{}
	s := testSupervisor(t, l, &fakeReader{}, client)

	// Budget is two attempts; the third pass gives up.
	assert.False(t, s.check(context.Background()))
	assert.False(t, s.check(context.Background()))
	assert.True(t, s.check(context.Background()))

	assert.Equal(t, StatePermanentlyFailed, l.State())
	assert.Equal(t, 1, client.count())

	// Later passes stay down without re-alerting.
	assert.True(t, s.check(context.Background()))
	assert.Equal(t, 1, client.count())
}

func TestSupervisorAlertsOnStoreTransition(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream)
	l.Initialize(context.Background())

	reader := &fakeReader{pingErr: fmt.Errorf("connection refused")}
	client := &alertCountingClient{}
	s := testSupervisor(t, l, reader, client)

	s.check(context.Background())
	s.check(context.Background())
	assert.Equal(t, 1, client.count(), "only the healthy-to-down transition alerts")

	reader.pingErr = nil
	s.check(context.Background())
	assert.Equal(t, 1, client.count())

	reader.pingErr = fmt.Errorf("connection refused")
	s.check(context.Background())
	assert.Equal(t, 2, client.count(), "a fresh outage alerts again")
}

func TestSupervisorDebouncesUnhealthyListener(t *testing.T) {
	stream := newFakeStream()
	l, _, _, _ := testListener(t, stream, "orders_new")
	l.Initialize(context.Background())
	require.True(t, l.HealthCheck())

	// Kill the only channel; the listener still reports connected.
	l.mu.Lock()
	for _, ch := range l.channels {
		_ = ch.Unsubscribe()
	}
	l.mu.Unlock()
	require.True(t, l.Connected())
	require.False(t, l.HealthCheck())

	client := &alertCountingClient{}
	s := testSupervisor(t, l, &fakeReader{}, client)

	// Below the threshold nothing happens.
	assert.False(t, s.check(context.Background()))
	assert.False(t, s.check(context.Background()))
	assert.Zero(t, client.count())

	// The third consecutive failure alerts and reconnects.
	assert.False(t, s.check(context.Background()))
	assert.Equal(t, 1, client.count())
	assert.True(t, l.HealthCheck())
}