package app

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"cdr.dev/slog"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"simgate/internal/server"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	defaultACMECache  = ".autocert-cache"
)

// Handler builds the HTTP API for a.
func (a *App) Handler(version string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:          a.Engine,
		Auth:            a.Auth,
		Logger:          a.Logger,
		BasePath:        a.Config.Server.BasePath,
		Version:         version,
		CallerRateLimit: a.Config.RateLimit.PerMinute,
		KeyRateLimit:    a.Config.RateLimit.KeysPerMinute,
	})
}

// Serve runs the API and the sweeper until ctx ends, then shuts down
// gracefully. When ln is nil it listens on the configured address.
func (a *App) Serve(ctx context.Context, ln net.Listener, version string) error {
	handler, err := a.Handler(version)
	if err != nil {
		return err
	}
	a.Engine.WarnInsecureWebhooks(ctx)

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	var manager *autocert.Manager
	if domain := a.Config.Server.ACMEDomain; domain != "" {
		cacheDir := a.Config.Server.ACMECacheDir
		if cacheDir == "" {
			cacheDir = defaultACMECache
		}
		manager = &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domain),
		}
		srv.TLSConfig = &tls.Config{GetCertificate: manager.GetCertificate, MinVersion: tls.VersionTLS12}
	}
	if ln == nil {
		ln, err = net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if interval := a.Config.Sweep.Interval.Std(); interval > 0 {
		g.Go(func() error {
			a.Engine.RunSweeper(ctx, interval)
			return nil
		})
	}
	if manager != nil {
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			a.Logger.Info(ctx, "serving ACME HTTP challenges", slog.F("addr", challenge.Addr))
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return challenge.Close()
		})
	}
	g.Go(func() error {
		a.Logger.Info(ctx, "serving simgate API",
			slog.F("addr", ln.Addr().String()),
			slog.F("base_path", a.Config.Server.BasePath),
			slog.F("tls", manager != nil),
			slog.F("storage", a.Target.Dialect))
		var err error
		if manager != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.Logger.Info(shutdownCtx, "shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
