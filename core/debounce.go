package core

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// DefaultDebounceWindow suppresses repeated scans of one document
const DefaultDebounceWindow = 5 * time.Second

// Debouncer suppresses duplicate scans of the same document within a window.
// The last scan time is persisted per document and claimed with a
// compare-and-swap, so concurrent triggers across processes agree on a single
// winner.
type Debouncer struct {
	store  kv.Store
	window time.Duration
	now    func() time.Time
	logger *log.Logger
}

// NewDebouncer creates a debouncer. A non-positive window uses
// DefaultDebounceWindow.
func NewDebouncer(store kv.Store, window time.Duration, logger *log.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Debouncer{store: store, window: window, now: time.Now, logger: logger}
}

// SetClock replaces time.Now
func (d *Debouncer) SetClock(now func() time.Time) {
	d.now = now
}

// Allow reports whether docID may be scanned now and, if so, records the scan
// time. Store failures let the scan proceed.
func (d *Debouncer) Allow(ctx context.Context, docID string) bool {
	if docID == "" {
		return true
	}

	key := DebounceKeyPrefix + docID
	now := d.now()

	prev, err := d.store.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		prev = nil
	case err != nil:
		d.logger.Warn("debounce lookup failed, scanning anyway", "doc", docID, "err", err)
		return true
	default:
		if last, perr := strconv.ParseInt(string(prev), 10, 64); perr == nil {
			if now.Sub(time.UnixMilli(last)) < d.window {
				d.logger.Debug("debounced duplicate scan", "doc", docID)
				return false
			}
		}
	}

	next := []byte(strconv.FormatInt(now.UnixMilli(), 10))
	swapped, err := d.store.CompareAndSwap(ctx, key, prev, next)
	if err != nil {
		d.logger.Warn("debounce claim failed, scanning anyway", "doc", docID, "err", err)
		return true
	}
	if !swapped {
		d.logger.Debug("lost debounce race", "doc", docID)
	}
	return swapped
}
