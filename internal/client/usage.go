package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

// UsageReporter receives finished usage windows.
type UsageReporter interface {
	RecordUsage(ctx context.Context, rec domain.UsageRecord)
}

type usageWindow struct {
	start time.Time
	bytes int64
}

// UsageTracker aggregates bytes consumed per browser session and reports
// the window when the session ends.
type UsageTracker struct {
	mu       sync.Mutex
	log      zerolog.Logger
	reporter UsageReporter
	windows  map[string]*usageWindow
	now      func() time.Time
}

func NewUsageTracker(log zerolog.Logger, reporter UsageReporter) *UsageTracker {
	return &UsageTracker{
		log:      log.With().Str("component", "usage").Logger(),
		reporter: reporter,
		windows:  make(map[string]*usageWindow),
		now:      time.Now,
	}
}

// Begin opens a usage window for a session. Reopening an active window is a
// no-op so reconnects do not reset the running total.
func (t *UsageTracker) Begin(browserID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.windows[browserID]; ok {
		return
	}
	t.windows[browserID] = &usageWindow{start: t.now()}
}

func (t *UsageTracker) AddBytes(browserID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[browserID]; ok {
		w.bytes += n
	}
}

// End closes the window and reports it. Unknown sessions are ignored.
func (t *UsageTracker) End(ctx context.Context, browserID string) {
	t.mu.Lock()
	w, ok := t.windows[browserID]
	delete(t.windows, browserID)
	t.mu.Unlock()
	if !ok {
		return
	}

	rec := domain.UsageRecord{
		BrowserID: browserID,
		Start:     w.start,
		End:       t.now(),
		Bytes:     w.bytes,
	}
	t.log.Debug().Str("uuid", browserID).Int64("bytes", rec.Bytes).Msg("usage window closed")
	t.reporter.RecordUsage(ctx, rec)
}
