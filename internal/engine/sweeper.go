package engine

import (
	"context"
	"time"

	"cdr.dev/slog"
)

type SweepResult struct {
	Sessions int64 `json:"sessions"`
	Tokens   int64 `json:"tokens"`
}

// Sweep marks rows whose deadline has passed. Reads already treat such rows
// as expired, so skipping a sweep never changes an answer.
func (e Engine) Sweep(ctx context.Context) (SweepResult, error) {
	now := e.now()
	var res SweepResult
	var err error
	if res.Sessions, err = e.Repo.ExpirePendingSessions(ctx, now); err != nil {
		return res, err
	}
	if res.Tokens, err = e.Repo.ExpireReadyTokens(ctx, now); err != nil {
		return res, err
	}
	e.Metrics.Swept("payment_sessions", res.Sessions)
	e.Metrics.Swept("payment_tokens", res.Tokens)
	return res, nil
}

// RunSweeper sweeps every interval until ctx ends. A non-positive interval
// disables it.
func (e Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := e.log("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn(ctx, "sweep failed", slog.Error(err))
				}
				continue
			}
			if res.Sessions > 0 || res.Tokens > 0 {
				logger.Info(ctx, "expired stale rows", slog.F("sessions", res.Sessions), slog.F("tokens", res.Tokens))
			}
		}
	}
}
