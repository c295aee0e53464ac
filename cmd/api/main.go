package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"famsave.org/internal/account"
	"famsave.org/internal/auth"
	"famsave.org/internal/config"
	"famsave.org/internal/fieldcrypt"
	"famsave.org/internal/guard"
	"famsave.org/internal/httpapi"
	"famsave.org/internal/migrate"
	"famsave.org/internal/obs"
	"famsave.org/internal/session"
	"famsave.org/internal/store/pg"
	"famsave.org/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configFile := flag.String("config", "", "Optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Env)
	if err != nil {
		obs.Logger().Fatal("build logger", zap.Error(err))
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("famsave-api stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The service refuses to start without a usable field key.
	key, err := fieldcrypt.ParseKey(cfg.Crypto.FieldKey)
	if err != nil {
		return err
	}
	cipher, err := fieldcrypt.New(key)
	if err != nil {
		return err
	}

	var (
		accounts account.Store
		probe    httpapi.ReadyProbe
	)
	if cfg.PG.DSN != "" {
		store, err := pg.Open(cfg.PG.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		if cfg.PG.MigrateOnStart {
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, err := migrate.NewManager(store.DB(), migrations.Files()).Up(migrateCtx)
			cancel()
			if err != nil {
				return err
			}
		}
		accounts = store
		probe.DB = store.DB()
	} else {
		logger.Warn("pg.dsn not set, accounts are kept in memory")
		accounts = account.NewInMemory()
	}

	hasher, err := auth.NewHasher(cfg.Password.BcryptCost)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(accounts,
		auth.WithAccessSecret(cfg.Token.AccessSecret),
		auth.WithRefreshSecret(cfg.Token.RefreshSecret),
		auth.WithIssuer(cfg.Token.Issuer),
		auth.WithAccessTTL(cfg.Token.AccessTTL),
		auth.WithRefreshTTL(cfg.Token.RefreshTTL),
	)
	if err != nil {
		return err
	}

	guardCfg := guard.Config{
		Window:        cfg.Guard.Window,
		Threshold:     cfg.Guard.Threshold,
		Lockout:       cfg.Guard.Lockout,
		SweepInterval: cfg.Guard.SweepInterval,
		Shards:        cfg.Guard.Shards,
	}
	var limiter guard.Limiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rg, err := guard.NewRedis(client, guardCfg)
		if err != nil {
			return err
		}
		limiter = rg
		probe.Redis = client
	} else {
		mg, err := guard.New(guardCfg)
		if err != nil {
			return err
		}
		defer mg.Stop()
		limiter = mg
	}

	sess, err := session.New(session.Deps{
		Accounts: accounts,
		Cipher:   cipher,
		Hasher:   hasher,
		Tokens:   tokens,
		Guard:    limiter,
	},
		session.WithStoreTimeout(cfg.PG.Timeout),
		session.WithLockPolicy(account.LockPolicy{
			Threshold: cfg.Account.LockThreshold,
			Duration:  cfg.Account.LockDuration,
		}),
	)
	if err != nil {
		return err
	}

	api := httpapi.New(sess, probe, version,
		httpapi.WithTrustProxy(cfg.HTTP.TrustProxy),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPC.Addr != "" {
		grpcSrv := httpapi.NewGRPCServer(probe)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			grpcSrv.WatchReadiness(ctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			grpcSrv.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
