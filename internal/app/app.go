package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/latencypoison/latencypoison/internal/config"
	"github.com/latencypoison/latencypoison/internal/db"
	relayhttp "github.com/latencypoison/latencypoison/internal/http"
	"github.com/latencypoison/latencypoison/internal/http/api"
	"github.com/latencypoison/latencypoison/internal/logging"
	"github.com/latencypoison/latencypoison/internal/metrics"
	"github.com/latencypoison/latencypoison/internal/observability"
	"github.com/latencypoison/latencypoison/internal/proxy"
	"github.com/latencypoison/latencypoison/internal/security"
	"github.com/latencypoison/latencypoison/internal/simulate"
	"github.com/latencypoison/latencypoison/internal/store"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 15 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	appCfg, err := config.Load(cfg)
	if err != nil {
		return err
	}
	conn, err := db.Open(appCfg.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Infof("migrations applied dialect=%s", db.DialectName(conn))
	return nil
}

// RunServer boots the proxy and admin API and serves until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	appCfg, err := config.Load(cfg)
	if err != nil {
		return err
	}

	logCloser, err := logging.Setup(appCfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	if appCfg.Tracing.Enabled {
		shutdownTracer, errTracer := observability.InitTracer(appCfg.Tracing.ServiceName, os.Stdout)
		if errTracer != nil {
			return fmt.Errorf("init tracer: %w", errTracer)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if errShutdown := shutdownTracer(flushCtx); errShutdown != nil {
				log.WithError(errShutdown).Warn("tracer shutdown failed")
			}
		}()
	}

	if appCfg.JWT.Secret == "" {
		secret, errSecret := security.GenerateSecret()
		if errSecret != nil {
			return errSecret
		}
		appCfg.JWT.Secret = secret
		log.Warn("jwt.secret is not set; generated an ephemeral secret, tokens will not survive a restart")
	}

	conn, err := db.Open(appCfg.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	snapshots := store.NewSnapshotStore(conn)
	if errRefresh := snapshots.Refresh(ctx); errRefresh != nil {
		return fmt.Errorf("load configuration snapshot: %w", errRefresh)
	}
	gormStore := store.NewGormStore(conn, snapshots.RefreshHook(), snapshotVersionHook(snapshots))
	metrics.SetSnapshotVersion(snapshots.Snapshot().Version)

	if appCfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appCfg.Redis.Addr,
			Password: appCfg.Redis.Password,
			DB:       appCfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
		if errPing := redisClient.Ping(ctx).Err(); errPing != nil {
			return fmt.Errorf("connect redis: %w", errPing)
		}
		notifier := store.NewRedisNotifier(redisClient, appCfg.Redis.Channel)
		gormStore.AddHook(notifier.PublishHook(snapshots))
		go func() {
			if errListen := notifier.Listen(ctx, versionedRefresher{snapshots}); errListen != nil && !errors.Is(errListen, context.Canceled) {
				log.WithError(errListen).Error("config change listener stopped")
			}
		}()
		log.Infof("cross-instance snapshot invalidation enabled channel=%s instance=%s", appCfg.Redis.Channel, notifier.Instance())
	}

	engine := proxy.NewEngine(buildEngineOptions(appCfg, snapshots))
	limiter := proxy.NewRateLimiter(appCfg.Proxy.RateLimitRPS, appCfg.Proxy.RateLimitBurst)

	router := relayhttp.NewRouter(appCfg)
	api.RegisterRoutes(router, api.Deps{
		DB:        conn,
		JWT:       appCfg.JWT,
		Users:     store.NewUserStore(conn),
		Store:     gormStore,
		Snapshots: snapshots,
		Engine:    engine,
		Limiter:   limiter,
	})

	server := &http.Server{
		Addr:              appCfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting latencypoison on %s", appCfg.Server.Listen)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown: %w", errShutdown)
	}
	return nil
}

// buildEngineOptions maps proxy configuration onto engine options.
func buildEngineOptions(cfg config.Config, snapshots store.ConfigStore) proxy.EngineOptions {
	opts := proxy.EngineOptions{
		Store: snapshots,
		Forwarder: proxy.NewForwarder(proxy.ForwarderOptions{
			UpstreamTimeout:  cfg.Proxy.UpstreamTimeout,
			MaxResponseBytes: cfg.Proxy.MaxResponseBytes,
		}),
		FailureStatus:  cfg.Proxy.FailureStatus,
		RequestTimeout: cfg.Proxy.RequestTimeout,
	}
	if cfg.Proxy.Seed != nil {
		opts.Decider = simulate.NewFailureInjector(*cfg.Proxy.Seed)
	}
	if cfg.Proxy.RequireAuth {
		opts.Authorizer = proxy.OwnerAuthorizer{Secret: cfg.JWT.Secret}
	}
	return opts
}

func snapshotVersionHook(snapshots store.ConfigStore) store.ChangeHook {
	return func(context.Context) {
		metrics.SetSnapshotVersion(snapshots.Snapshot().Version)
	}
}

// versionedRefresher keeps the snapshot version gauge current after remote-triggered refreshes.
type versionedRefresher struct {
	*store.SnapshotStore
}

func (r versionedRefresher) Refresh(ctx context.Context) error {
	if errRefresh := r.SnapshotStore.Refresh(ctx); errRefresh != nil {
		return errRefresh
	}
	metrics.SetSnapshotVersion(r.Snapshot().Version)
	return nil
}

func closeDB(conn *gorm.DB) {
	if sqlDB, err := conn.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
