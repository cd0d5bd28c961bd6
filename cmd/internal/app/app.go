// Package app wires the carchat server runtime: config, logging, storage, HTTP routes and the mailbox gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"carchat/cmd/identity"
	"carchat/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the carchat runtime: it owns the message collection, the HTTP server wiring and the gateway.
type App struct {
	cfg Config
	log Logger

	coll   realtime.Collection
	dbPool *pgxpool.Pool

	registry *prometheus.Registry
	deps     realtime.SessionDeps
	auth     *identity.Authenticator
	ws       *realtime.WSGateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	auth, err := identity.NewAuthenticator(identity.Config{
		Key:      cfg.IdentityKey,
		Insecure: cfg.IdentityInsecure,
		TTL:      cfg.IdentityTTL,
	})
	if err != nil {
		return nil, err
	}

	coll, dbPool, err := openCollection(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	store, err := realtime.NewStore(coll,
		realtime.WithStoreLogger(log),
		realtime.WithStoreMetrics(metrics),
	)
	if err != nil {
		closeCollection(coll, dbPool)
		return nil, err
	}

	deps := realtime.SessionDeps{
		Store:   store,
		Log:     log,
		Metrics: metrics,
	}
	if cfg.ResubscribeMax > 0 {
		deps.NewBackoff = realtime.DefaultBackoff(cfg.ResubscribeMax)
	}

	allowed := cfg.WSAllowedOrigins
	if len(allowed) == 0 {
		allowed = realtime.WSDefaultAllowedOrigins
	}
	ws, err := realtime.NewWSGateway(log, realtime.NewHub(log), deps, auth, realtime.GatewayConfig{
		OriginRequired:  cfg.WSOriginRequired,
		AllowedOrigins:  allowed,
		WriteTimeout:    cfg.WSWriteTimeout,
		ReadIdleTimeout: cfg.WSReadIdleTimeout,
		SendQueueSize:   cfg.WSSendQueueSize,
		RateEvents:      cfg.WSRateEvents,
		RateWindow:      cfg.WSRateWindow,
		TypingIdle:      cfg.TypingIdle,
		Window:          cfg.HistoryWindow,
	})
	if err != nil {
		closeCollection(coll, dbPool)
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		coll:     coll,
		dbPool:   dbPool,
		registry: reg,
		deps:     deps,
		auth:     auth,
		ws:       ws,
	}, nil
}

// SessionDeps returns the collaborators for in-process sessions (used by the CLI).
func (a *App) SessionDeps() realtime.SessionDeps { return a.deps }

// Identity returns the token authenticator.
func (a *App) Identity() *identity.Authenticator { return a.auth }

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      a.log,
		cfg:      a.cfg,
		dbPool:   a.dbPool,
		gatherer: a.registry,
		ws:       a.ws,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
// It always releases the App's resources before returning.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	// Hijacked websocket connections are invisible to Shutdown; drain them explicitly.
	srv.RegisterOnShutdown(a.ws.Hub().CloseAll)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"identity_insecure", a.cfg.IdentityInsecure,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the collection and the DB pool. The App owns the pool; collections never close it.
func (a *App) Close(_ context.Context) error {
	return closeCollection(a.coll, a.dbPool)
}

func closeCollection(coll realtime.Collection, pool *pgxpool.Pool) error {
	var err error
	if coll != nil {
		err = coll.Close()
	}
	if pool != nil {
		pool.Close()
	}
	return err
}

// openCollection builds the configured message collection.
func openCollection(ctx context.Context, cfg Config, log Logger) (realtime.Collection, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("app: postgres: %w", err)
		}
		coll, err := realtime.NewPostgresCollection(pool,
			realtime.WithSchema(cfg.DBSchema),
			realtime.WithPostgresLogger(log),
		)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := coll.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("app: postgres schema: %w", err)
		}
		log.Info("store.open", "backend", StorePostgres, "schema", cfg.DBSchema)
		return coll, pool, nil

	case StorePebble:
		coll, err := realtime.OpenPebbleCollection(cfg.PebblePath, realtime.WithPebbleLogger(log))
		if err != nil {
			return nil, nil, fmt.Errorf("app: pebble: %w", err)
		}
		log.Info("store.open", "backend", StorePebble, "path", cfg.PebblePath)
		return coll, nil, nil

	default:
		log.Info("store.open", "backend", StoreMemory)
		return realtime.NewMemoryCollection(realtime.WithMemoryLogger(log)), nil, nil
	}
}

// runtimeBaseURL turns a listen address into a URL clients on this host can dial.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
