// Package app wires every component into one running process: a fixed
// dependency-ordered construction chain (store->limiter->registry->
// commandbus->eventsink->geoip->wsconn->adminapi->maintenance) and a
// matching Start/Stop lifecycle that tears down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trafficctl/shiftd/internal/adminapi"
	"github.com/trafficctl/shiftd/internal/commandbus"
	"github.com/trafficctl/shiftd/internal/config"
	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/internal/geoip"
	"github.com/trafficctl/shiftd/internal/limiter"
	"github.com/trafficctl/shiftd/internal/maintenance"
	"github.com/trafficctl/shiftd/internal/registry"
	"github.com/trafficctl/shiftd/internal/store"
	"github.com/trafficctl/shiftd/internal/wsconn"
)

// Application owns every component's lifetime and the HTTP listener that
// serves C3's WebSocket upgrade alongside C7's admin/beacon/health routes.
type Application struct {
	cfg *config.Config
	log *slog.Logger

	st    store.SessionStore
	lim   *limiter.Limiter
	reg   *registry.Registry
	bus   commandbus.Bus
	sink  *eventsink.Sink
	geo   *geoip.Enricher
	admin *adminapi.Server
	wsh   *wsconn.Handler
	maint *maintenance.Runner

	redisClient *redis.Client
	httpServer  *http.Server
}

// New constructs every component in dependency order but starts nothing.
// Call Start to begin serving traffic.
func New(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid configuration: %w", err)
	}

	a := &Application{cfg: cfg, log: log}

	st, err := newStore(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open store: %w", err)
	}
	a.st = st

	var banMirror limiter.BanMirror
	if cfg.CommandBus.Backend == "redis" {
		a.redisClient = redis.NewClient(&redis.Options{Addr: cfg.CommandBus.RedisAddr})
		banMirror = limiter.NewRedisBanMirror(a.redisClient, "")
	}
	a.lim = limiter.New(cfg.Limiter.ToLimiterConfig(), banMirror)

	a.reg = registry.New(log)

	bus, err := newCommandBus(cfg.CommandBus, a.redisClient, a.reg, log)
	if err != nil {
		return nil, fmt.Errorf("app: failed to start command bus: %w", err)
	}
	a.bus = bus

	a.sink = eventsink.New(st, log)

	geoEnricher, err := geoip.Open(cfg.GeoIP.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open geoip database: %w", err)
	}
	a.geo = geoEnricher
	classifier := geoip.NewClassifier()

	a.wsh = wsconn.NewHandler(cfg.CommandBus.NodeID, a.reg, a.lim, a.bus, a.sink, st, a.geo, classifier, log)

	a.admin = adminapi.New(adminapi.Config{
		APIKey:             cfg.Admin.APIKey,
		RateLimitPerMinute: cfg.Admin.RateLimitPerMinute,
	}, a.reg, a.lim, a.bus, st, a.sink, log)

	a.maint = maintenance.New(a.lim, a.reg, st, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.wsh.HandleWebSocket)
	mux.Handle("/", a.admin.Handler())

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return a, nil
}

func newStore(cfg *config.StoreConfig, log *slog.Logger) (store.SessionStore, error) {
	switch cfg.Backend {
	case "mysql":
		return store.NewMySQLFromDSN(cfg.MySQLDSN, log)
	default:
		sc := store.DefaultSQLiteConfig()
		sc.Path = cfg.SQLitePath
		return store.NewSQLiteStore(sc, log)
	}
}

func newCommandBus(cfg *config.CommandBusConfig, client *redis.Client, lookup commandbus.ConnectionLookup, log *slog.Logger) (commandbus.Bus, error) {
	if cfg.Backend == "redis" {
		return commandbus.NewRedisBus(client, lookup, cfg.NodeID, log)
	}
	return commandbus.NewLocalBus(lookup, log), nil
}

// Start launches the background maintenance loops and the HTTP listener.
// It returns once the server is confirmed listening or has failed fast.
func (a *Application) Start() error {
	a.maint.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		a.log.Info("shiftd listening", "addr", a.httpServer.Addr)
		return nil
	}
}

// Addr reports the HTTP listener's configured address.
func (a *Application) Addr() string {
	return a.httpServer.Addr
}

// Stop runs the shutdown sequence: stop accepting new connections, stop
// the command bus's subscriber, drain the event sink with a final flush,
// then close the durable store. Background maintenance is stopped first
// so it can't race a half-closed store.
func (a *Application) Stop(ctx context.Context) error {
	a.maint.Stop()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Warn("http server shutdown did not complete cleanly", "error", err)
	}

	if err := a.bus.Close(); err != nil {
		a.log.Warn("command bus close failed", "error", err)
	}

	if err := a.sink.Close(); err != nil {
		a.log.Warn("event sink close failed", "error", err)
	}

	if err := a.geo.Close(); err != nil {
		a.log.Warn("geoip database close failed", "error", err)
	}

	if err := a.st.Close(); err != nil {
		return fmt.Errorf("app: store close failed: %w", err)
	}

	if a.redisClient != nil {
		return a.redisClient.Close()
	}
	return nil
}
