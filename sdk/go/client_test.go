package simgatesdk_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simgate/internal/engine/enginetest"
	"simgate/internal/sandbox/sandboxtest"
	"simgate/internal/server"
	simgatesdk "simgate/sdk/go"
)

func newServer(t *testing.T) (*enginetest.Env, *httptest.Server) {
	t.Helper()
	env := enginetest.New(t, nil)
	handler, err := server.New(server.Config{
		Engine:   env.Engine,
		Auth:     env.Auth,
		Logger:   env.Logger,
		BasePath: "/v1",
		Version:  "test",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return env, srv
}

func TestRunPaysAndExecutes(t *testing.T) {
	env, srv := newServer(t)
	ctx := context.Background()
	c := simgatesdk.New(srv.URL+"/v1/", env.CallerRaw)

	req := simgatesdk.ExecuteRequest{JobReference: env.Job, Params: map[string]any{"stop_time": 2.0}}
	_, err := c.Execute(ctx, req)
	ch, ok := simgatesdk.ChallengeOf(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, "payment_required", ch.Status)
	assert.EqualValues(t, 100, ch.AmountCents)

	paid := 0
	res, err := c.Run(ctx, req, func(ctx context.Context, ch *simgatesdk.Challenge) error {
		paid++
		s, err := env.Engine.Session(ctx, env.Caller.ID, ch.SessionID)
		if err != nil {
			return err
		}
		env.Confirm(t, s)
		return nil
	}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, ch.SessionID, res.SessionID)
	assert.JSONEq(t, `{"stop_time":2}`, string(res.Result))

	require.NoError(t, env.Engine.Usage.Close(ctx))
	page, err := c.Usage(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "succeeded", page.Items[0].Outcome)
}

func TestSpentTokenCarriesNewChallenge(t *testing.T) {
	env, srv := newServer(t)
	ctx := context.Background()
	c := simgatesdk.New(srv.URL+"/v1", env.CallerRaw)

	tok := env.Token(t, env.Job)
	req := simgatesdk.ExecuteRequest{JobReference: env.Job, PaymentToken: tok.Token}
	_, err := c.Execute(ctx, req)
	require.NoError(t, err)

	_, err = c.Execute(ctx, req)
	var apiErr *simgatesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.StatusCode)
	assert.True(t, simgatesdk.IsCode(err, "token_consumed"))
	ch, ok := simgatesdk.ChallengeOf(err)
	require.True(t, ok)
	assert.NotEqual(t, tok.SessionID, ch.SessionID)
}

func TestWaitForTokenStopsWithContext(t *testing.T) {
	env, srv := newServer(t)
	c := simgatesdk.New(srv.URL+"/v1", env.CallerRaw)

	co, err := c.Pay(context.Background(), env.Job, "stripe")
	require.NoError(t, err)
	assert.Equal(t, "stripe", co.Provider)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.WaitForToken(ctx, &simgatesdk.Challenge{SessionID: co.SessionID}, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeysAndBearerToken(t *testing.T) {
	_, srv := newServer(t)
	ctx := context.Background()

	anon := simgatesdk.New(srv.URL+"/v1", "")
	key, err := anon.CreateKey(ctx, "sdk")
	require.NoError(t, err)
	require.NotEmpty(t, key.Key)

	c := simgatesdk.New(srv.URL+"/v1", key.Key)
	exp, err := c.ExchangeToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, c.BearerToken)
	assert.False(t, exp.IsZero())

	page, err := c.Usage(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = simgatesdk.New(srv.URL+"/v1", "bogus").Usage(ctx, 0, 0)
	var apiErr *simgatesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	_, ok := simgatesdk.ChallengeOf(err)
	assert.False(t, ok)
}

func TestLibraryAndVariables(t *testing.T) {
	env, srv := newServer(t)
	ctx := context.Background()
	lib := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(lib, "/BouncingBall.fmu", sandboxtest.FMU(t), 0o644))
	env.Engine.Artifacts.WithLibrary(lib)
	c := simgatesdk.New(srv.URL+"/v1", env.CallerRaw)

	models, err := c.Library(ctx, "ball")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "msl:BouncingBall", models[0].Reference)

	vars, err := c.Variables(ctx, models[0].Reference)
	require.NoError(t, err)
	require.NotEmpty(t, vars)
	assert.Equal(t, "h", vars[0].Name)

	_, err = c.Variables(ctx, "msl:Nope")
	assert.True(t, simgatesdk.IsCode(err, "artifact_not_found"))
}

func TestDecodeErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := simgatesdk.New(srv.URL, "k").Execute(context.Background(), simgatesdk.ExecuteRequest{JobReference: "x"})
	var apiErr *simgatesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Body)
	assert.Contains(t, err.Error(), "status=502")
}

func TestUploadArtifactSendsRawBytes(t *testing.T) {
	var gotType, gotName string
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotName = r.URL.Query().Get("filename")
		gotLen = r.ContentLength
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "abc", "created": true})
	}))
	defer srv.Close()

	art, err := simgatesdk.New(srv.URL, "k").UploadArtifact(context.Background(), "model.fmu", []byte("PK\x03\x04"))
	require.NoError(t, err)
	assert.Equal(t, "abc", art.ID)
	assert.True(t, art.Created)
	assert.Equal(t, "application/zip", gotType)
	assert.Equal(t, "model.fmu", gotName)
	assert.EqualValues(t, 4, gotLen)
}
