package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/config"
	"gymdesk.org/internal/gate"
	"gymdesk.org/internal/httpapi"
	"gymdesk.org/internal/mail"
	"gymdesk.org/internal/obs"
	"gymdesk.org/internal/store/memstore"
	"gymdesk.org/internal/store/pg"
	"gymdesk.org/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("GYMDESK_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Logging, version)
	obs.SetLogger(logger)
	slog.SetDefault(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  auth.Store
		checks []httpapi.Check
	)
	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		store = db
		checks = append(checks, httpapi.Check{Name: "postgres", Probe: db.Ping})
	} else {
		logger.Warn("database.dsn not set; using in-memory store")
		store = devStore(cfg.Auth)
	}

	svcOpts := []auth.ServiceOption{
		auth.WithHasher(auth.NewBcryptHasher(cfg.Auth.BcryptCost)),
		auth.WithBypassRoles(auth.NewBypassRoles(cfg.Auth.SuperRole, cfg.Auth.SupportAllAccessRole)),
		auth.WithDefaultRole(cfg.Auth.DefaultRole),
		auth.WithLogger(logger),
	}

	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer rdb.Close()
		checks = append(checks, httpapi.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		svcOpts = append(svcOpts, redisOptions(cfg, rdb)...)
	}

	tokens := auth.NewTokenManager(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret,
		auth.WithTTLs(cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL))
	svc, err := auth.NewService(store, tokens, mail.New(cfg.Mail, logger), svcOpts...)
	if err != nil {
		return fmt.Errorf("build auth service: %w", err)
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	g := gate.New(gate.FromConfig(cfg.Gate), svc.Evaluator())
	probe := httpapi.ReadyProbe{Checks: checks}
	api := httpapi.New(svc, g,
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(version),
		httpapi.WithSecureCookies(cfg.HTTP.SecureCookies),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithLogger(logger),
	)
	go api.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout(),
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http.listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		health := httpapi.NewHealthReporter(probe, 10*time.Second, logger)
		health.Register(grpcServer)
		go health.Run(ctx)
		go func() {
			logger.Info("grpc.listen", "addr", cfg.GRPC.Addr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		logger.Error("server.failed", "error", err)
	}

	logger.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("shutdown.complete")
	return nil
}

func redisOptions(cfg *config.Config, rdb redis.UniversalClient) []auth.ServiceOption {
	opts := []auth.ServiceOption{
		auth.WithTwoFactorStore(redisstore.NewTwoFactorTokens(rdb, cfg.Redis.Prefix)),
	}
	if cfg.Auth.RefreshReuseDetection {
		opts = append(opts, auth.WithRefreshReuseDetection(redisstore.NewRefreshReuse(rdb, cfg.Redis.Prefix)))
	}
	return opts
}

// devStore seeds the role names the service depends on so registration
// works without a database.
func devStore(cfg config.AuthConfig) *memstore.Store {
	s := memstore.New()
	for _, name := range []string{cfg.SuperRole, cfg.SupportAllAccessRole, cfg.DefaultRole} {
		if name != "" {
			s.PutRole(auth.Role{Name: name})
		}
	}
	return s
}
