package engine

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"

	"simgate/internal/domain"
	"simgate/internal/metrics"
	"simgate/internal/repo"
)

const usageWriteTimeout = 5 * time.Second

// UsageRecorder appends usage records from a background worker. Log never
// blocks and never fails; a full queue or a failed write drops the record
// and is logged.
type UsageRecorder struct {
	repo    repo.Repo
	logger  slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan domain.UsageRecord
	done   chan struct{}
}

func NewUsageRecorder(r repo.Repo, size int, logger slog.Logger, m *metrics.Metrics) *UsageRecorder {
	if size <= 0 {
		size = 1024
	}
	u := &UsageRecorder{
		repo:    r,
		logger:  logger.Named("usage"),
		metrics: m,
		now:     time.Now,
		queue:   make(chan domain.UsageRecord, size),
		done:    make(chan struct{}),
	}
	go u.run()
	return u
}

func (u *UsageRecorder) Log(callerKey, jobReference string, d time.Duration, outcome domain.UsageOutcome) {
	if u == nil {
		return
	}
	rec := domain.UsageRecord{
		CallerKey:    callerKey,
		JobReference: jobReference,
		Timestamp:    u.now().UTC(),
		Duration:     d,
		Outcome:      outcome,
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		u.drop(rec, "recorder closed")
		return
	}
	select {
	case u.queue <- rec:
	default:
		u.drop(rec, "queue full")
	}
}

func (u *UsageRecorder) drop(rec domain.UsageRecord, why string) {
	u.metrics.UsageDropped()
	u.logger.Warn(context.Background(), "usage record dropped",
		slog.F("reason", why),
		slog.F("job", rec.JobReference),
		slog.F("outcome", rec.Outcome))
}

func (u *UsageRecorder) run() {
	defer close(u.done)
	for rec := range u.queue {
		ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
		if err := u.repo.InsertUsage(ctx, rec); err != nil {
			u.metrics.UsageDropped()
			u.logger.Error(ctx, "write usage record", slog.F("job", rec.JobReference), slog.Error(err))
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to
// end, whichever comes first.
func (u *UsageRecorder) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.queue)
	}
	u.mu.Unlock()
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
