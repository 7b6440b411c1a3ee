package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/directory"
	"github.com/rowwatch/rowwatch/messenger"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/telemetry"
)

// Dispatcher turns detected rows into group notifications. It is the shared
// sink for both detection paths, so it also owns cross-path deduplication:
// the push listener and the poll scanner can both surface the same row, and
// only the first sighting within the dedup window is delivered.
type Dispatcher struct {
	config    cfg.NotifyConfiguration
	client    messenger.Client
	directory *directory.Directory
	admins    *AdminNotifier

	seen     *lru.Cache[uint64, time.Time]
	dedupTTL time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewDispatcher(
	config cfg.NotifyConfiguration,
	client messenger.Client,
	dir *directory.Directory,
	admins *AdminNotifier,
) (*Dispatcher, error) {
	size := config.DedupSize
	if size < 1 {
		size = 1
	}
	seen, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("unable to create dedup cache: %w", err)
	}

	return &Dispatcher{
		config:    config,
		client:    client,
		directory: dir,
		admins:    admins,
		seen:      seen,
		dedupTTL:  time.Duration(config.DedupTTLSeconds) * time.Second,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// HandleNewRecord is the entry point both detection paths call. It never
// propagates a failure; anything that goes wrong is logged and, where it
// matters, escalated to the administrators.
func (d *Dispatcher) HandleNewRecord(ctx context.Context, source, table string, record store.Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Any("panic", r).
				Str("table", table).
				Msg("Recovered while handling new record")
			d.admins.AlertSafe(ctx, fmt.Sprintf("⚠️ Notification handler crashed for table %s: %v", table, r))
		}
	}()

	if table == "" || len(record) == 0 {
		log.Warn().Str("table", table).Msg("Dropping empty change event")
		d.admins.AlertSafe(ctx, fmt.Sprintf("⚠️ Received an empty change event (table %q)", table))
		return
	}

	if !record.Has("id") {
		log.Warn().Str("table", table).Msg("Record has no id field")
	}
	if !record.Has("created_at") {
		log.Warn().Str("table", table).Str("record", record.ID()).Msg("Record has no created_at field")
	}

	if d.isDuplicate(table, record) {
		telemetry.DuplicatesDropped.Inc()
		log.Debug().
			Str("source", source).
			Str("table", table).
			Str("record", record.ID()).
			Msg("Suppressed duplicate record")
		return
	}

	telemetry.RecordsDetected.With(source, table).Inc()
	d.deliver(ctx, table, record)
}

// isDuplicate records the sighting and reports whether the same row was
// already seen within the dedup window. Rows with no usable id are never
// treated as duplicates.
func (d *Dispatcher) isDuplicate(table string, record store.Record) bool {
	if d.dedupTTL <= 0 {
		return false
	}

	id := record.ID()
	if id == "unknown" {
		return false
	}

	key := xxhash.Sum64String(table + "\x00" + id)
	now := d.now()

	if seenAt, ok := d.seen.Get(key); ok && now.Sub(seenAt) < d.dedupTTL {
		return true
	}
	d.seen.Add(key, now)
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, table string, record store.Record) {
	message := d.formatSafe(table, record)
	chunks := SplitMessage(message, d.config.ChunkSize)

	groups := d.directory.ActiveGroups()
	sort.Strings(groups)

	if len(groups) == 0 {
		log.Warn().Str("table", table).Msg("No subscribed groups, routing to administrators")
		d.fallbackToAdmins(ctx, table, chunks)
		return
	}

	delivered := 0
	for i, groupID := range groups {
		if i > 0 && !d.sleep(ctx, time.Duration(d.config.DestinationDelayMS)*time.Millisecond) {
			break
		}

		if err := d.sendChunks(ctx, groupID, chunks); err != nil {
			telemetry.NotificationsTotal.With("error").Inc()
			log.Error().
				Err(err).
				Str("group", groupID).
				Str("table", table).
				Msg("Failed to notify group")
			continue
		}

		telemetry.NotificationsTotal.With("success").Inc()
		delivered++
	}

	log.Info().
		Str("table", table).
		Str("record", record.ID()).
		Int("groups", len(groups)).
		Int("delivered", delivered).
		Msg("Processed new record")

	if delivered == 0 {
		d.fallbackToAdmins(ctx, table, chunks)
	}
}

// formatSafe renders the summary, falling back to a minimal message when the
// formatter blows up on an odd payload.
func (d *Dispatcher) formatSafe(table string, record store.Record) (message string) {
	detectedAt := d.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("table", table).Msg("Formatter failed, using fallback message")
			message = FallbackMessage(table, record.ID(), detectedAt)
		}
	}()

	message = FormatRecord(table, record, detectedAt)
	if message == "" {
		message = FallbackMessage(table, record.ID(), detectedAt)
	}
	return message
}

func (d *Dispatcher) sendChunks(ctx context.Context, destination string, chunks []string) error {
	for _, chunk := range chunks {
		if err := d.client.SendMessage(ctx, destination, chunk); err != nil {
			return err
		}
	}
	return nil
}

// fallbackToAdmins delivers the notification to the superadministrators when
// no group received it, so a detected row is never silently lost.
func (d *Dispatcher) fallbackToAdmins(ctx context.Context, table string, chunks []string) {
	telemetry.AdminFallbacksTotal.Inc()

	messages := make([]string, 0, len(chunks)+1)
	messages = append(messages, fmt.Sprintf("⚠️ No group received the notification below for %s:", TableTitle(table)))
	messages = append(messages, chunks...)

	if err := d.admins.Broadcast(ctx, messages); err != nil {
		log.Error().Err(err).Str("table", table).Msg("Admin fallback delivery failed")
	}
}
