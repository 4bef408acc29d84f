package engine

import (
	"context"
	"errors"
	"time"

	"cdr.dev/slog"

	"simgate/internal/cache"
	"simgate/internal/domain"
	"simgate/internal/sandbox"
)

type ExecuteResult struct {
	Output    []byte
	Truncated bool
	Cached    bool
	Duration  time.Duration
	SessionID string
}

// Execute runs the gated job for an authorized request. It returns the
// gate's decision; the result is set only when the decision is Authorized
// and err is nil. Once a token is redeemed it stays consumed whatever the
// run's outcome, and the run is detached from ctx so a client disconnect
// cannot stop it before the sandbox timeout.
func (e Engine) Execute(ctx context.Context, req ExecuteRequest) (Decision, ExecuteResult, error) {
	if e.Artifacts == nil || e.Runner == nil {
		return Decision{}, ExecuteResult{}, errors.New("execution is not configured")
	}
	art, err := e.Artifacts.Get(ctx, req.JobReference)
	if err != nil {
		return Decision{}, ExecuteResult{}, err
	}
	d, err := e.Authorize(ctx, req)
	if err != nil || d.Kind != Authorized {
		return d, ExecuteResult{}, err
	}

	logger := e.log("execute").With(slog.F("job", req.JobReference), slog.F("session", d.Token.SessionID))
	runCtx := context.WithoutCancel(ctx)
	// Keyed by content so a replaced library model never serves stale results.
	key := cache.Key(art.SHA256, req.Params)
	if e.Cache != nil {
		out, ok, err := e.Cache.Get(runCtx, key)
		if err != nil {
			logger.Warn(runCtx, "result cache read", slog.Error(err))
		}
		if ok {
			e.Usage.Log(req.CallerKey, req.JobReference, 0, domain.UsageCached)
			e.Metrics.Execution(string(domain.UsageCached), 0)
			return d, ExecuteResult{Output: out, Cached: true, SessionID: d.Token.SessionID}, nil
		}
	}

	_, content, err := e.Artifacts.Load(runCtx, req.JobReference)
	if err != nil {
		e.Usage.Log(req.CallerKey, req.JobReference, 0, domain.UsageFailed)
		return d, ExecuteResult{}, err
	}
	start := time.Now()
	res, err := e.Runner.Execute(runCtx, sandbox.Job{
		ID:      d.Token.SessionID,
		Content: content,
		Params:  req.Params,
	})
	took := time.Since(start)
	outcome := usageOutcome(err)
	e.Usage.Log(req.CallerKey, req.JobReference, took, outcome)
	e.Metrics.Execution(string(outcome), took)
	if err != nil {
		logger.Info(runCtx, "execution did not succeed", slog.F("outcome", outcome), slog.F("duration", took))
		return d, ExecuteResult{}, err
	}

	if e.Cache != nil && !res.Truncated {
		if err := e.Cache.Set(runCtx, key, res.Output, e.Config.Cache.TTL.Std()); err != nil {
			logger.Warn(runCtx, "result cache write", slog.Error(err))
		}
	}
	return d, ExecuteResult{
		Output:    res.Output,
		Truncated: res.Truncated,
		Duration:  took,
		SessionID: d.Token.SessionID,
	}, nil
}

func usageOutcome(err error) domain.UsageOutcome {
	switch domain.KindOf(err) {
	case "":
		if err != nil {
			return domain.UsageFailed
		}
		return domain.UsageSucceeded
	case domain.KindExecutionTimeout:
		return domain.UsageTimeout
	case domain.KindResponseTooLarge:
		return domain.UsageTooLarge
	default:
		return domain.UsageFailed
	}
}
