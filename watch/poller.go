package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/telemetry"
)

// ConnectionProbe is what the poller needs to know about the push path.
type ConnectionProbe interface {
	Connected() bool
}

// Poller is the safety net behind the push listener: a periodic scan for
// rows created after the per-table watermark. Watermarks persist across
// restarts, so rows inserted while the daemon was down are picked up on the
// next tick. By default the scan stands down while the push path is
// connected; poll_enabled keeps it running regardless.
type Poller struct {
	config     cfg.WatchConfiguration
	tables     []string
	reader     store.Store
	watermarks *store.WatermarkStore
	probe      ConnectionProbe
	sink       Sink

	// In-memory mirror of the persisted watermarks, for the admin surface.
	mirror *xsync.MapOf[string, time.Time]

	cooldownUntil time.Time

	now func() time.Time
}

func NewPoller(
	config cfg.WatchConfiguration,
	tables []string,
	reader store.Store,
	watermarks *store.WatermarkStore,
	probe ConnectionProbe,
	sink Sink,
) (*Poller, error) {
	p := &Poller{
		config:     config,
		tables:     tables,
		reader:     reader,
		watermarks: watermarks,
		probe:      probe,
		sink:       sink,
		mirror:     xsync.NewMapOf[string, time.Time](),
		now:        time.Now,
	}

	// First run starts from now: pre-existing rows are history, not news.
	// Restarts keep the persisted watermark and catch up from there.
	start := p.now().UTC()
	for _, table := range tables {
		effective, err := watermarks.Seed(table, start)
		if err != nil {
			return nil, fmt.Errorf("unable to seed watermark for %s: %w", table, err)
		}
		p.mirror.Store(table, effective)
	}

	return p, nil
}

// Run is the scan loop. It returns when ctx ends.
func (p *Poller) Run(ctx context.Context) {
	interval := time.Duration(p.config.PollIntervalSeconds) * time.Second
	log.Info().
		Dur("interval", interval).
		Bool("always_on", p.config.PollEnabled).
		Msg("Poll scanner started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Poll scanner stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	telemetry.PollTicksTotal.Inc()

	if !p.config.PollEnabled && p.probe.Connected() {
		log.Debug().Msg("Skipping poll, push path is connected")
		return
	}

	if now := p.now(); now.Before(p.cooldownUntil) {
		log.Debug().Time("until", p.cooldownUntil).Msg("Poll scanner cooling down")
		return
	}

	if err := p.scanOnce(ctx); err != nil {
		telemetry.PollErrorsTotal.Inc()
		cooldown := time.Duration(p.config.PollErrorCooldownS) * time.Second
		p.cooldownUntil = p.now().Add(cooldown)
		log.Error().Err(err).Dur("cooldown", cooldown).Msg("Poll scan failed")
	}
}

// scanOnce scans every monitored table. The watermark advances only after
// the whole batch for a table was handed to the sink, so a crash mid-batch
// re-detects instead of losing rows; the sink's dedup absorbs the replay.
func (p *Poller) scanOnce(ctx context.Context) error {
	for _, table := range p.tables {
		watermark, err := p.watermark(table)
		if err != nil {
			return err
		}

		records, err := p.reader.Query(ctx, table, store.QueryOptions{
			CreatedAfter: watermark,
			OrderBy:      "created_at",
			Descending:   true,
			Limit:        p.config.PollBatchSize,
		})
		if err != nil {
			return fmt.Errorf("scan of %s failed: %w", table, err)
		}
		if len(records) == 0 {
			continue
		}

		log.Info().
			Str("table", table).
			Int("rows", len(records)).
			Time("after", watermark).
			Msg("Poll scan found new rows")

		// Rows go to the sink in store order, newest first.
		advanced := watermark
		for _, record := range records {
			p.sink.HandleNewRecord(ctx, "poll", table, record)

			if created := record.CreatedAt(); created.After(advanced) {
				advanced = created
			}
		}

		if advanced.After(watermark) {
			if err := p.watermarks.Set(table, advanced); err != nil {
				return fmt.Errorf("unable to advance watermark for %s: %w", table, err)
			}
			p.mirror.Store(table, advanced)
		}
	}

	return nil
}

func (p *Poller) watermark(table string) (time.Time, error) {
	if ts, ok := p.mirror.Load(table); ok {
		return ts, nil
	}

	ts, ok, err := p.watermarks.Get(table)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to read watermark for %s: %w", table, err)
	}
	if !ok {
		ts = p.now().UTC()
		if ts, err = p.watermarks.Seed(table, ts); err != nil {
			return time.Time{}, fmt.Errorf("unable to seed watermark for %s: %w", table, err)
		}
	}

	p.mirror.Store(table, ts)
	return ts, nil
}

// Watermarks snapshots the per-table watermarks for the admin surface.
func (p *Poller) Watermarks() map[string]time.Time {
	out := make(map[string]time.Time, len(p.tables))
	p.mirror.Range(func(table string, ts time.Time) bool {
		out[table] = ts
		return true
	})
	return out
}
