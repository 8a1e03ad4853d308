package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	auth "github.com/vanguardgg/go-auth-client"
	"github.com/vanguardgg/go-auth-client/activitymap"
	"github.com/vanguardgg/go-auth-client/backend/rest"
	"github.com/vanguardgg/go-auth-client/backend/sqlstore"
	"github.com/vanguardgg/go-auth-client/provider/gotrue"
	"github.com/vanguardgg/go-auth-client/storage"
)

// app is the wired client: storage, provider, backend and store.
type app struct {
	cfg      *auth.Config
	base     *glog.BaseLogger
	logger   glog.Logger
	local    storage.Store
	provider *gotrue.Client
	store    *auth.Store
	metrics  *prometheus.Registry
	closers  []func() error
}

type appOptions struct {
	// loopback points redirect URLs at the local callback server.
	loopback bool
}

func newApp(ctx context.Context, cfg *auth.Config, opts appOptions) (*app, error) {
	base := auth.NewLogger(cfg.LogFormat, cfg.LogLevel)
	a := &app{
		cfg:     cfg,
		base:    base,
		logger:  base.GetLogger("auth"),
		metrics: prometheus.NewRegistry(),
	}

	local, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.local = local

	a.provider = gotrue.New(gotrue.Config{
		URL:        cfg.ProviderURL,
		AnonKey:    cfg.ProviderAnonKey,
		ProjectRef: cfg.ProviderProjectRef,
		KeyPrefix:  cfg.ProviderKeyPrefix,
		Storage:    local,
		Logger:     a.base.GetLogger("gotrue"),
	})

	backend, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	storeOpts := []auth.StoreOption{
		auth.WithActivitySink(a.activitySink()),
		auth.WithConfig(*cfg),
		auth.WithLogger(a.logger),
		auth.WithMetrics(auth.NewMetrics(a.metrics)),
		auth.WithLocalStorage(local),
	}
	if opts.loopback {
		storeOpts = append(storeOpts, auth.WithRedirects(auth.NewRedirectResolver(
			auth.StaticPlatform{OriginURL: "http://" + cfg.CallbackListenAddr},
			auth.RedirectConfig{CallbackPath: cfg.CallbackPath, ResetPasswordPath: cfg.ResetPasswordPath},
		)))
	}

	a.store = auth.NewStore(a.provider, backend, storeOpts...)
	a.closers = append(a.closers, a.store.Close)
	return a, nil
}

func (a *app) activitySink() auth.ActivitySink {
	if a.cfg.ActivityLog == "" {
		return nil
	}
	f, err := os.OpenFile(a.cfg.ActivityLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		a.logger.Warn("activity log disabled", "path", a.cfg.ActivityLog, "error", err)
		return nil
	}
	a.closers = append(a.closers, f.Close)
	return activitymap.JSONLines(f, activitymap.WithDefaultChannel("cli"))
}

func (a *app) openStorage(ctx context.Context) (storage.Store, error) {
	switch {
	case a.cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return storage.NewRedis(client, "vanguard:local:"), nil
	case a.cfg.StoragePath != "":
		db, err := storage.OpenSQLite(ctx, a.cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return storage.NewSQL(db, "local"), nil
	default:
		a.logger.Warn("no storage configured, the session will not survive this process")
		return storage.NewMemory(), nil
	}
}

func (a *app) openBackend(ctx context.Context) (auth.UserBackend, error) {
	switch a.cfg.BackendDriver {
	case "sqlite":
		db, err := storage.OpenSQLite(ctx, a.cfg.BackendDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := sqlstore.Migrate(ctx, db); err != nil {
			return nil, err
		}
		return sqlstore.New(db), nil
	default:
		return rest.New(rest.Config{
			URL:     a.cfg.BackendURL,
			AnonKey: a.cfg.ProviderAnonKey,
			Token:   rest.SessionToken(a.provider),
			Logger:  a.base.GetLogger("rest"),
		}), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func stdinFd() int {
	return int(os.Stdin.Fd())
}
