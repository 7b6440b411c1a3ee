package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowwatch/rowwatch/store"
)

type fakeReader struct {
	mu      sync.Mutex
	rows    map[string][]store.Record
	queries int
	fail    error
	pingErr error
}

func (f *fakeReader) Query(_ context.Context, table string, opts store.QueryOptions) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if f.fail != nil {
		return nil, f.fail
	}

	var out []store.Record
	for _, r := range f.rows[table] {
		if !opts.CreatedAfter.IsZero() && !r.CreatedAt().After(opts.CreatedAfter) {
			continue
		}
		out = append(out, r)
	}
	// Newest first, mirroring the descending order the scan asks for.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeReader) Count(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeReader) Insert(context.Context, string, store.Record) error {
	return fmt.Errorf("read only")
}
func (f *fakeReader) Update(context.Context, string, any, map[string]any) error {
	return fmt.Errorf("read only")
}
func (f *fakeReader) Delete(context.Context, string, any) error { return fmt.Errorf("read only") }
func (f *fakeReader) Ping(context.Context) error { return f.pingErr }
func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type staticProbe bool

func (p staticProbe) Connected() bool { return bool(p) }

func testWatermarks(t *testing.T) *store.WatermarkStore {
	t.Helper()
	w, err := store.OpenWatermarks(filepath.Join(t.TempDir(), "watermarks"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func rowAt(id string, ts time.Time) store.Record {
	return store.Record{
		"id":         id,
		"created_at": ts.UTC().Format("2006-01-02 15:04:05"),
		"products":   "Diesel",
	}
}

func TestPollerDispatchesNewRowsInStoreOrderAndAdvancesWatermark(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)
	reader := &fakeReader{rows: map[string][]store.Record{
		"orders_new": {
			rowAt("1", base.Add(1*time.Minute)),
			rowAt("2", base.Add(2*time.Minute)),
			rowAt("3", base.Add(3*time.Minute)),
		},
	}}

	sink := &recordingSink{}
	config := fastWatchConfig()
	config.PollEnabled = true

	p, err := NewPoller(config, []string{"orders_new"}, reader, testWatermarks(t), staticProbe(false), sink)
	require.NoError(t, err)

	require.NoError(t, p.scanOnce(context.Background()))

	require.Equal(t, 3, sink.count())
	assert.Equal(t, []string{"poll", "poll", "poll"}, sink.sources)
	// The descending query returns newest first and rows are delivered as
	// returned, so the sink sees 3, 2, 1.
	assert.Equal(t, "3", sink.records[0].ID())
	assert.Equal(t, "2", sink.records[1].ID())
	assert.Equal(t, "1", sink.records[2].ID())

	marks := p.Watermarks()
	assert.True(t, marks["orders_new"].Equal(base.Add(3*time.Minute)))

	// A second scan past the watermark finds nothing new.
	require.NoError(t, p.scanOnce(context.Background()))
	assert.Equal(t, 3, sink.count())
}

func TestPollerWatermarkSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	open := func() *store.WatermarkStore {
		w, err := store.OpenWatermarks(filepath.Join(dir, "watermarks"))
		require.NoError(t, err)
		return w
	}

	base := time.Now().UTC().Truncate(time.Second)
	reader := &fakeReader{rows: map[string][]store.Record{
		"orders_new": {rowAt("1", base.Add(time.Minute))},
	}}

	config := fastWatchConfig()
	config.PollEnabled = true

	watermarks := open()
	sink := &recordingSink{}
	p, err := NewPoller(config, []string{"orders_new"}, reader, watermarks, staticProbe(false), sink)
	require.NoError(t, err)
	require.NoError(t, p.scanOnce(context.Background()))
	require.Equal(t, 1, sink.count())
	require.NoError(t, watermarks.Close())

	// Reopen: the row seen before the restart is not re-detected.
	watermarks = open()
	defer watermarks.Close()

	sink = &recordingSink{}
	p, err = NewPoller(config, []string{"orders_new"}, reader, watermarks, staticProbe(false), sink)
	require.NoError(t, err)
	require.NoError(t, p.scanOnce(context.Background()))
	assert.Zero(t, sink.count())
}

func TestPollerStandsDownWhilePushConnected(t *testing.T) {
	reader := &fakeReader{}
	config := fastWatchConfig()
	config.PollEnabled = false

	p, err := NewPoller(config, []string{"orders_new"}, reader, testWatermarks(t), staticProbe(true), &recordingSink{})
	require.NoError(t, err)

	p.tick(context.Background())
	assert.Zero(t, reader.queryCount())

	// poll_enabled overrides the stand-down.
	p.config.PollEnabled = true
	p.tick(context.Background())
	assert.Equal(t, 1, reader.queryCount())
}

func TestPollerCoolsDownAfterError(t *testing.T) {
	reader := &fakeReader{fail: fmt.Errorf("store unavailable")}
	config := fastWatchConfig()
	config.PollEnabled = true
	config.PollErrorCooldownS = 60

	p, err := NewPoller(config, []string{"orders_new"}, reader, testWatermarks(t), staticProbe(false), &recordingSink{})
	require.NoError(t, err)

	current := time.Now()
	p.now = func() time.Time { return current }

	p.tick(context.Background())
	require.Equal(t, 1, reader.queryCount())

	// Within the cooldown window nothing is queried.
	current = current.Add(30 * time.Second)
	p.tick(context.Background())
	assert.Equal(t, 1, reader.queryCount())

	// After the window the scan resumes.
	current = current.Add(31 * time.Second)
	p.tick(context.Background())
	assert.Equal(t, 2, reader.queryCount())
}

func TestTaskGroupShutdown(t *testing.T) {
	tasks := NewTaskGroup(context.Background())

	started := make(chan struct{})
	tasks.Go("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	assert.Equal(t, []string{"blocker"}, tasks.Running())
	require.NoError(t, tasks.Shutdown(time.Second))
	assert.Empty(t, tasks.Running())
}

func TestTaskGroupSurvivesPanic(t *testing.T) {
	tasks := NewTaskGroup(context.Background())

	tasks.Go("bomb", func(context.Context) { panic("boom") })

	require.NoError(t, tasks.Shutdown(time.Second))
}

func TestTaskGroupSharedNameStaysUntilLastReturns(t *testing.T) {
	tasks := NewTaskGroup(context.Background())

	release := make(chan struct{})
	tasks.Go("dispatch", func(context.Context) {})
	tasks.Go("dispatch", func(context.Context) { <-release })

	assert.Never(t, func() bool { return len(tasks.Running()) == 0 },
		100*time.Millisecond, 10*time.Millisecond,
		"name must stay listed while any task with it runs")
	assert.Equal(t, []string{"dispatch"}, tasks.Running())

	close(release)
	require.NoError(t, tasks.Shutdown(time.Second))
}

func TestTaskGroupReportsStragglers(t *testing.T) {
	tasks := NewTaskGroup(context.Background())

	release := make(chan struct{})
	defer close(release)
	tasks.Go("stuck", func(context.Context) { <-release })

	err := tasks.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
}
