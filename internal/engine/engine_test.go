package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"simgate/internal/config"
	"simgate/internal/domain"
	"simgate/internal/engine"
	"simgate/internal/engine/enginetest"
	"simgate/internal/payment/paymenttest"
	"simgate/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest servers park idle keep-alive readers until closed.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

func newSession(t *testing.T, env *enginetest.Env, job string) domain.PaymentSession {
	t.Helper()
	s, _, err := env.Engine.CreateOrReuse(context.Background(), engine.SessionRequest{
		CallerKey:    env.Caller.ID,
		JobReference: job,
	})
	require.NoError(t, err)
	return s
}

func TestChallengeReusesPendingSession(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	req := engine.ExecuteRequest{CallerKey: env.Caller.ID, JobReference: env.Job}

	first, err := env.Engine.Authorize(ctx, req)
	require.NoError(t, err)
	require.Equal(t, engine.PaymentRequired, first.Kind)
	require.ErrorIs(t, first.Err, domain.ErrPaymentRequired)
	ch := first.Challenge
	assert.Equal(t, "payment_required", ch.Status)
	assert.Empty(t, ch.Reason)
	assert.Equal(t, int64(100), ch.AmountCents)
	assert.InDelta(t, 1.0, ch.Amount, 0.0001)
	assert.Equal(t, "usd", ch.Currency)
	assert.Equal(t, []string{"stripe", "crypto"}, ch.Methods)
	assert.Equal(t, "stripe", ch.Provider)
	assert.NotEmpty(t, ch.CheckoutURL)
	assert.Contains(t, ch.NextStep, "/payments/checkout/"+ch.SessionID)
	assert.True(t, ch.ExpiresAt.Equal(enginetest.Start.Add(30*time.Minute)))

	env.Clock.Advance(time.Minute)
	second, err := env.Engine.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ch.SessionID, second.Challenge.SessionID)
	assert.Equal(t, ch.CheckoutURL, second.Challenge.CheckoutURL)
	assert.EqualValues(t, 1, env.API.Creates())
}

func TestConcurrentChallengesShareOneSession(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	ids := make([]string, 8)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			s, _, err := env.Engine.CreateOrReuse(ctx, engine.SessionRequest{
				CallerKey:    env.Caller.ID,
				JobReference: "job-race",
			})
			ids[i] = s.ID
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.EqualValues(t, 1, env.API.Creates())
}

func TestSharedCheckoutSurvivesLeaderCancel(t *testing.T) {
	env := enginetest.New(t, nil)
	entered, release := env.API.Hold()
	defer release()
	req := engine.SessionRequest{CallerKey: env.Caller.ID, JobReference: "job-shared"}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	type outcome struct {
		s   domain.PaymentSession
		err error
	}
	leader := make(chan outcome, 1)
	go func() {
		s, _, err := env.Engine.CreateOrReuse(leaderCtx, req)
		leader <- outcome{s, err}
	}()
	<-entered

	follower := make(chan outcome, 1)
	go func() {
		s, _, err := env.Engine.CreateOrReuse(context.Background(), req)
		follower <- outcome{s, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	release()

	l, f := <-leader, <-follower
	require.NoError(t, l.err)
	require.NoError(t, f.err)
	assert.Equal(t, l.s.ID, f.s.ID)
	assert.EqualValues(t, 1, env.API.Creates())
}

func TestExpiredPendingSessionIsReplaced(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	old := newSession(t, env, "job-1")

	env.Clock.Advance(30 * time.Minute)
	fresh, reused, err := env.Engine.CreateOrReuse(ctx, engine.SessionRequest{CallerKey: env.Caller.ID, JobReference: "job-1"})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.EqualValues(t, 2, env.API.Creates())

	stored, err := env.Engine.Repo.GetSession(ctx, nil, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, stored.Status)
}

func TestPaymentMethodSelectsProvider(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()

	d, err := env.Engine.Authorize(ctx, engine.ExecuteRequest{
		CallerKey:     env.Caller.ID,
		JobReference:  "job-crypto",
		PaymentMethod: "crypto",
	})
	require.NoError(t, err)
	assert.Equal(t, "crypto", d.Challenge.Provider)
	s, err := env.Engine.Session(ctx, env.Caller.ID, d.Challenge.SessionID)
	require.NoError(t, err)
	assert.Contains(t, d.Challenge.NextStep, "/payments/crypto/"+s.ProviderRef)

	_, err = env.Engine.Authorize(ctx, engine.ExecuteRequest{
		CallerKey:     env.Caller.ID,
		JobReference:  "job-other",
		PaymentMethod: "paypal",
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProviderFailureStoresNothing(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	env.API.SetFailing(true)

	_, err := env.Engine.Authorize(ctx, engine.ExecuteRequest{CallerKey: env.Caller.ID, JobReference: env.Job})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	_, err = env.Engine.Repo.FindPendingSession(ctx, nil, env.Caller.ID, env.Job)
	require.ErrorIs(t, err, repo.ErrNotFound)

	env.API.SetFailing(false)
	d, err := env.Engine.Authorize(ctx, engine.ExecuteRequest{CallerKey: env.Caller.ID, JobReference: env.Job})
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentRequired, d.Kind)
}

func TestWebhookIssuesExactlyOneToken(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s := newSession(t, env, "job-1")

	_, err := env.Engine.TokenForSession(ctx, env.Caller.ID, s.ID)
	require.ErrorIs(t, err, domain.ErrTokenNotReady)

	body, sig := env.StripeEvent(paymenttest.StripeCompleted("evt_1", s.ProviderRef, s.ID))
	ack, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Equal(t, "evt_1", ack.EventID)
	assert.Equal(t, engine.ActionTokenIssued, ack.Action)

	tok, err := env.Engine.TokenForSession(ctx, env.Caller.ID, s.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok.Token, engine.TokenPrefix))
	assert.Equal(t, domain.TokenReady, tok.Status)
	assert.True(t, tok.ExpiresAt.Equal(enginetest.Start.Add(24*time.Hour)))

	ack, err = env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionDuplicate, ack.Action)

	body, sig = env.StripeEvent(paymenttest.StripeCompleted("evt_2", s.ProviderRef, s.ID))
	ack, err = env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAlreadyReady, ack.Action)

	again, err := env.Engine.TokenForSession(ctx, env.Caller.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.Token, again.Token)

	stored, err := env.Engine.Session(ctx, env.Caller.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionReady, stored.Status)
	require.NotNil(t, stored.ReadyAt)
}

func TestConcurrentWebhooksIssueOneToken(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s := newSession(t, env, "job-1")

	var issued, ready atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		body, sig := env.StripeEvent(paymenttest.StripeCompleted(fmt.Sprintf("evt_%d", i), s.ProviderRef, s.ID))
		g.Go(func() error {
			ack, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
			switch ack.Action {
			case engine.ActionTokenIssued:
				issued.Add(1)
			case engine.ActionAlreadyReady:
				ready.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, issued.Load())
	assert.EqualValues(t, 9, ready.Load())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s := newSession(t, env, "job-1")
	body := paymenttest.StripeCompleted("evt_1", s.ProviderRef, s.ID)

	for name, sig := range map[string]string{
		"missing": "",
		"garbage": "not-a-signature",
		"wrong":   "t=1,v1=00",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
			require.ErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}

	_, err := env.Engine.HandleWebhook(ctx, domain.ProviderCrypto, body, "deadbeef")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = env.Engine.TokenForSession(ctx, env.Caller.ID, s.ID)
	require.ErrorIs(t, err, domain.ErrTokenNotReady)
}

func TestWebhookWithoutSecret(t *testing.T) {
	ctx := context.Background()
	t.Run("refused", func(t *testing.T) {
		env := enginetest.New(t, func(c *config.Config) { c.Stripe.WebhookSecret = "" })
		s := newSession(t, env, "job-1")
		_, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, paymenttest.StripeCompleted("evt_1", s.ProviderRef, s.ID), "")
		require.ErrorIs(t, err, domain.ErrInvalidSignature)
	})
	t.Run("insecure", func(t *testing.T) {
		env := enginetest.New(t, func(c *config.Config) {
			c.Stripe.WebhookSecret = ""
			c.Webhooks.InsecureSkipVerify = true
		})
		env.Engine.WarnInsecureWebhooks(ctx)
		s := newSession(t, env, "job-1")
		ack, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, paymenttest.StripeCompleted("evt_1", s.ProviderRef, s.ID), "")
		require.NoError(t, err)
		assert.Equal(t, engine.ActionTokenIssued, ack.Action)
	})
}

func TestWebhookForDisabledProvider(t *testing.T) {
	env := enginetest.New(t, func(c *config.Config) { c.Crypto.Enabled = false })
	_, err := env.Engine.HandleWebhook(context.Background(), domain.ProviderCrypto, []byte(`{}`), "sig")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWebhookAcknowledgesNonActionableEvents(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s := newSession(t, env, "job-1")

	cases := map[string]struct {
		body   []byte
		action string
	}{
		"unknown session": {paymenttest.StripeCompleted("evt_u", "cs_unknown", "nope"), engine.ActionUnknownSession},
		"unparseable":     {[]byte("not json"), engine.ActionUnparseable},
		"expired checkout": {
			[]byte(fmt.Sprintf(`{"id":"evt_x","type":"checkout.session.expired","data":{"object":{"id":%q}}}`, s.ProviderRef)),
			engine.ActionIgnored,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body, sig := env.StripeEvent(tc.body)
			ack, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
			require.NoError(t, err)
			assert.True(t, ack.Received)
			assert.Equal(t, tc.action, ack.Action)
		})
	}

	got, err := env.Engine.Session(ctx, env.Caller.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, got.Status)
}

func TestWebhookAfterExpiryIssuesNoToken(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s := newSession(t, env, "job-1")

	env.Clock.Advance(31 * time.Minute)
	body, sig := env.StripeEvent(paymenttest.StripeCompleted("evt_late", s.ProviderRef, s.ID))
	ack, err := env.Engine.HandleWebhook(ctx, domain.ProviderStripe, body, sig)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionExpiredSession, ack.Action)

	_, err = env.Engine.TokenForSession(ctx, env.Caller.ID, s.ID)
	require.ErrorIs(t, err, domain.ErrTokenNotReady)
	got, err := env.Engine.Session(ctx, env.Caller.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.Status)
}

func TestCryptoPurchase(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s, _, err := env.Engine.CreateOrReuse(ctx, engine.SessionRequest{
		CallerKey:    env.Caller.ID,
		JobReference: "job-1",
		Provider:     domain.ProviderCrypto,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ProviderRef, "CHG"))
	assert.Equal(t, s.ID, env.API.SessionFor(s.ProviderRef))

	tok := env.Confirm(t, s)
	byRef, err := env.Engine.TokenForProviderRef(ctx, env.Caller.ID, domain.ProviderCrypto, s.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, tok.Token, byRef.Token)

	_, err = env.Engine.TokenForProviderRef(ctx, "someone-else", domain.ProviderCrypto, s.ProviderRef)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = env.Engine.TokenForProviderRef(ctx, env.Caller.ID, domain.ProviderCrypto, "CHG9999")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionIsScopedToCaller(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	s := newSession(t, env, "job-1")

	_, err := env.Engine.Session(ctx, "someone-else", s.ID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = env.Engine.TokenForSession(ctx, "someone-else", s.ID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	env.Clock.Advance(30 * time.Minute)
	got, err := env.Engine.Session(ctx, env.Caller.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.Status)
}

func TestRedeemTransitions(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()

	_, err := env.Engine.Redeem(ctx, "ptok_unknown")
	require.ErrorIs(t, err, domain.ErrTokenNotFound)

	tok := env.Token(t, "job-1")
	got, err := env.Engine.Redeem(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenConsumed, got.Status)
	require.NotNil(t, got.ConsumedAt)

	_, err = env.Engine.Redeem(ctx, tok.Token)
	require.ErrorIs(t, err, domain.ErrTokenConsumed)

	stale := env.Token(t, "job-2")
	env.Clock.Advance(24 * time.Hour)
	_, err = env.Engine.Redeem(ctx, stale.Token)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
	after, err := env.Engine.Repo.GetToken(ctx, nil, stale.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenReady, after.Status, "a failed redemption never writes")
}

func TestConcurrentRedeemHasOneWinner(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	tok := env.Token(t, "job-1")

	var won, consumed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Redeem(ctx, tok.Token)
			switch {
			case err == nil:
				won.Add(1)
			case domain.KindOf(err) == domain.KindTokenConsumed:
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, won.Load())
	assert.EqualValues(t, 9, consumed.Load())
}

func TestExecuteFlow(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	params := json.RawMessage(`{"stop_time":10}`)
	req := engine.ExecuteRequest{CallerKey: env.Caller.ID, JobReference: env.Job, Params: params}

	d, _, err := env.Engine.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, engine.PaymentRequired, d.Kind)

	s, err := env.Engine.Session(ctx, env.Caller.ID, d.Challenge.SessionID)
	require.NoError(t, err)
	tok := env.Confirm(t, s)

	req.PaymentToken = tok.Token
	d, res, err := env.Engine.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, engine.Authorized, d.Kind)
	assert.JSONEq(t, string(params), string(res.Output))
	assert.False(t, res.Cached)
	assert.Equal(t, s.ID, res.SessionID)

	d, _, err = env.Engine.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, engine.PaymentRequired, d.Kind)
	assert.Equal(t, engine.ReasonConsumed, d.Challenge.Reason)
	require.ErrorIs(t, d.Err, domain.ErrTokenConsumed)
	assert.NotEqual(t, s.ID, d.Challenge.SessionID)

	require.NoError(t, env.Engine.Usage.Close(ctx))
	recs, err := env.Engine.Repo.ListUsage(ctx, repo.UsageFilters{CallerKey: env.Caller.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.UsageSucceeded, recs[0].Outcome)
	assert.Equal(t, env.Job, recs[0].JobReference)
}

func TestQuoteOnlyNeverRedeems(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	tok := env.Token(t, env.Job)

	d, _, err := env.Engine.Execute(ctx, engine.ExecuteRequest{
		CallerKey:    env.Caller.ID,
		JobReference: env.Job,
		PaymentToken: tok.Token,
		QuoteOnly:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentRequired, d.Kind)

	got, err := env.Engine.Repo.GetToken(ctx, nil, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenReady, got.Status)

	d, _, err = env.Engine.Execute(ctx, engine.ExecuteRequest{
		CallerKey:    env.Caller.ID,
		JobReference: env.Job,
		PaymentToken: tok.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.Authorized, d.Kind)
}

func TestFailedExecutionConsumesToken(t *testing.T) {
	env := enginetest.New(t, func(c *config.Config) {
		c.Sandbox.Command = []string{"sh", "-c", "echo boom >&2; exit 3"}
	})
	ctx := context.Background()
	tok := env.Token(t, env.Job)

	d, _, err := env.Engine.Execute(ctx, engine.ExecuteRequest{
		CallerKey:    env.Caller.ID,
		JobReference: env.Job,
		PaymentToken: tok.Token,
	})
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Equal(t, engine.Authorized, d.Kind)

	_, err = env.Engine.Redeem(ctx, tok.Token)
	require.ErrorIs(t, err, domain.ErrTokenConsumed)

	require.NoError(t, env.Engine.Usage.Close(ctx))
	recs, err := env.Engine.Repo.ListUsage(ctx, repo.UsageFilters{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.UsageFailed, recs[0].Outcome)
}

func TestExecuteTimeout(t *testing.T) {
	env := enginetest.New(t, func(c *config.Config) {
		c.Sandbox.Command = []string{"sh", "-c", "sleep 5"}
		c.Sandbox.Timeout = config.Duration(200 * time.Millisecond)
	})
	ctx := context.Background()
	tok := env.Token(t, env.Job)

	_, _, err := env.Engine.Execute(ctx, engine.ExecuteRequest{
		CallerKey:    env.Caller.ID,
		JobReference: env.Job,
		PaymentToken: tok.Token,
	})
	require.ErrorIs(t, err, domain.ErrExecutionTimeout)

	require.NoError(t, env.Engine.Usage.Close(ctx))
	recs, err := env.Engine.Repo.ListUsage(ctx, repo.UsageFilters{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.UsageTimeout, recs[0].Outcome)
}

func TestExecuteServesCachedResult(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	params := json.RawMessage(`{"stop_time":3,"step":0.1}`)

	first := env.Token(t, env.Job)
	_, res, err := env.Engine.Execute(ctx, engine.ExecuteRequest{
		CallerKey: env.Caller.ID, JobReference: env.Job, Params: params, PaymentToken: first.Token,
	})
	require.NoError(t, err)
	require.False(t, res.Cached)

	second := env.Token(t, env.Job)
	d, res, err := env.Engine.Execute(ctx, engine.ExecuteRequest{
		CallerKey: env.Caller.ID, JobReference: env.Job, Params: json.RawMessage(`{"step":0.1,"stop_time":3}`), PaymentToken: second.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.Authorized, d.Kind)
	assert.True(t, res.Cached)
	assert.JSONEq(t, string(params), string(res.Output))

	_, err = env.Engine.Redeem(ctx, second.Token)
	require.ErrorIs(t, err, domain.ErrTokenConsumed, "a cache hit still spends the token")
}

func TestExecuteUnknownArtifact(t *testing.T) {
	env := enginetest.New(t, nil)
	_, _, err := env.Engine.Execute(context.Background(), engine.ExecuteRequest{
		CallerKey:    env.Caller.ID,
		JobReference: "0000000000000000000000000000000000000000000000000000000000000000",
	})
	require.ErrorIs(t, err, domain.ErrArtifactNotFound)
	assert.Zero(t, env.API.Creates())
}

func TestSweep(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	pending := newSession(t, env, "job-a")
	tok := env.Token(t, "job-b")

	res, err := env.Engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sessions)
	assert.Zero(t, res.Tokens)

	env.Clock.Advance(25 * time.Hour)
	res, err = env.Engine.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Sessions)
	assert.EqualValues(t, 1, res.Tokens)

	s, err := env.Engine.Repo.GetSession(ctx, nil, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, s.Status)
	got, err := env.Engine.Repo.GetToken(ctx, nil, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenExpired, got.Status)

	res, err = env.Engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sessions+res.Tokens)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.Engine.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}

	env.Engine.RunSweeper(context.Background(), 0)
}

func TestUsageRecorderDrainsOnClose(t *testing.T) {
	env := enginetest.New(t, nil)
	ctx := context.Background()
	u := engine.NewUsageRecorder(env.Engine.Repo, 8, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}), env.Metrics)
	for i := 0; i < 3; i++ {
		u.Log("caller-x", fmt.Sprintf("job-%d", i), time.Second, domain.UsageSucceeded)
	}
	require.NoError(t, u.Close(ctx))
	u.Log("caller-x", "late", time.Second, domain.UsageSucceeded)
	require.NoError(t, u.Close(ctx))

	recs, err := env.Engine.Repo.ListUsage(ctx, repo.UsageFilters{CallerKey: "caller-x"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(1000), recs[0].Duration.Milliseconds())

	var nilRecorder *engine.UsageRecorder
	nilRecorder.Log("caller-x", "job", 0, domain.UsageFailed)
}
