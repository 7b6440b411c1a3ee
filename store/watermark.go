package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

const watermarkKeyPrefix = "wm:"

// WatermarkStore persists per-table poll watermarks in Pebble so a restart
// resumes from the last processed creation timestamp instead of replaying
// table history. Writes are synchronous; watermarks never move backwards.
type WatermarkStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenWatermarks opens (or creates) the watermark store at path.
func OpenWatermarks(path string) (*WatermarkStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open watermark store: %w", err)
	}
	return &WatermarkStore{db: db}, nil
}

func watermarkKey(table string) []byte {
	return []byte(watermarkKeyPrefix + table)
}

// Get returns the persisted watermark for a table.
func (w *WatermarkStore) Get(table string) (time.Time, bool, error) {
	val, closer, err := w.db.Get(watermarkKey(table))
	if err == pebble.ErrNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark for %s: %w", table, err)
	}
	defer closer.Close()

	ts, err := time.Parse(time.RFC3339Nano, string(val))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt watermark for %s: %w", table, err)
	}
	return ts, true, nil
}

// Set advances the watermark. Regressions are ignored, keeping the
// watermark monotonic even if callers race.
func (w *WatermarkStore) Set(table string, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, ok, err := w.Get(table)
	if err != nil {
		return err
	}
	if ok && !ts.After(current) {
		return nil
	}

	if err := w.db.Set(watermarkKey(table), []byte(ts.UTC().Format(time.RFC3339Nano)), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist watermark for %s: %w", table, err)
	}
	return nil
}

// Seed installs a starting watermark only when none is persisted. Called at
// startup with "now" so a cold start does not treat all history as new.
func (w *WatermarkStore) Seed(table string, ts time.Time) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, ok, err := w.Get(table)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return current, nil
	}

	if err := w.db.Set(watermarkKey(table), []byte(ts.UTC().Format(time.RFC3339Nano)), pebble.Sync); err != nil {
		return time.Time{}, fmt.Errorf("failed to seed watermark for %s: %w", table, err)
	}
	log.Info().Str("table", table).Time("watermark", ts).Msg("Seeded poll watermark")
	return ts, nil
}

// Close releases the Pebble handle.
func (w *WatermarkStore) Close() error {
	return w.db.Close()
}
