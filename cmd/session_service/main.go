package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"session_service/internal/auth"
	"session_service/internal/config"
	"session_service/internal/handler"
	"session_service/internal/service"
	"session_service/internal/storage"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const purgeInterval = time.Hour

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the yaml config")

	flag.Parse()
	if configPath == "" {
		log.Fatal("failed get config path from flags")
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting session service", slog.String("env", cfg.Env), slog.String("store", cfg.Store.Backend))

	if cfg.Env != envLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	//INIT STORE
	backends, err := setupBackends(ctx, g, cfg, lgr)
	if err != nil {
		lgr.Error("failed to init credential store", slog.Any("error", err))
		os.Exit(1)
	}

	//INIT SERVER
	api := service.NewClient(cfg.AuthService.BaseURL, cfg.AuthService.Timeout, lgr)
	h := handler.NewHandler(api, backends, handler.Paths{
		Login:        cfg.Session.LoginPath,
		PostLogin:    cfg.Session.PostLoginPath,
		Verification: cfg.Session.VerificationPath,
	}, cfg.Session.RefreshLeeway, lgr)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	g.Go(func() error {
		lgr.Info("listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		lgr.Error("session service stopped", slog.Any("error", err))
		os.Exit(1)
	}
	lgr.Info("session service stopped")
}

func setupBackends(ctx context.Context, g *errgroup.Group, cfg *config.Config, lgr *slog.Logger) (handler.BackendFactory, error) {
	opts := storage.DefaultCookieOptions(cfg.Secure())
	opts.TTL = cfg.Session.CookieTTL
	opts.HTTPOnly = cfg.Session.HTTPOnly

	switch cfg.Store.Backend {
	case config.BackendCookie:
		var sealer storage.Sealer
		if cfg.Session.SealSecret != "" {
			s, err := auth.NewSealer(cfg.Session.SealSecret)
			if err != nil {
				return nil, err
			}
			sealer = s
		}
		return handler.CookieBackends(opts, sealer), nil

	case config.BackendMemory:
		return handler.MemoryBackends(opts, cfg.Session.CookieTTL, cfg.Store.MemoryMaxClients), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			return client.Close()
		})
		return handler.ServerSideBackends(opts, func(clientID string) storage.Backend {
			return storage.NewRedis(client, cfg.Store.Redis.Prefix, clientID, cfg.Session.CookieTTL)
		}), nil

	case config.BackendPostgres:
		pool, err := storage.Connect(ctx, cfg.Store.DB.DbURL)
		if err != nil {
			return nil, err
		}
		if err := storage.CreateSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		g.Go(func() error {
			defer pool.Close()
			purgeLoop(ctx, lgr, func(now time.Time) (int64, error) {
				return storage.PurgeExpired(ctx, pool, now)
			})
			return nil
		})
		return handler.ServerSideBackends(opts, func(clientID string) storage.Backend {
			return storage.NewPostgres(pool, clientID, cfg.Session.CookieTTL)
		}), nil

	case config.BackendSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			return db.Close()
		})
		return handler.ServerSideBackends(opts, func(clientID string) storage.Backend {
			return storage.NewSQLite(db, clientID, cfg.Session.CookieTTL)
		}), nil

	default:
		return nil, errors.New("unknown store backend " + cfg.Store.Backend)
	}
}

func purgeLoop(ctx context.Context, lgr *slog.Logger, purge func(now time.Time) (int64, error)) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := purge(now)
			if err != nil {
				lgr.Warn("failed to purge expired slots", slog.Any("error", err))
				continue
			}
			lgr.Debug("purged expired slots", slog.Int64("count", n))
		}
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
