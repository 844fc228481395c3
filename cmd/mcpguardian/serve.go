package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpguardian/mcpguardian/internal/admin"
	"github.com/mcpguardian/mcpguardian/internal/api"
	"github.com/mcpguardian/mcpguardian/internal/config"
	"github.com/mcpguardian/mcpguardian/internal/proxy"
	"github.com/mcpguardian/mcpguardian/internal/registry"
	"github.com/mcpguardian/mcpguardian/internal/scheduler"
	"github.com/mcpguardian/mcpguardian/internal/snapshot"
	"github.com/mcpguardian/mcpguardian/internal/store/sqlite"
	"github.com/mcpguardian/mcpguardian/internal/upstream"
	"golang.org/x/sync/errgroup"
)

const (
	upstreamTimeout = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	proxyHeaderWait = 30 * time.Second
)

func cmdServe(args []string) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	env := loadEnv()
	applyFlags(env, args)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: env.LogLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(env.ConfigFile)
	if err != nil {
		return err
	}

	password := cfg.Admin.Password
	if password == "" && !cfg.Admin.DisableUI {
		password, err = config.GeneratePassword()
		if err != nil {
			return err
		}
		logger.Info("generated admin password", "password", password)
	}

	db, err := sqlite.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	client := upstream.New(upstreamTimeout, logger)
	snaps := snapshot.New(client)

	config.SeedServices(ctx, db, snaps, cfg.Services, logger)

	reg := registry.New(db, logger)
	if err := reg.Reload(ctx); err != nil {
		return err
	}

	adminSvc := admin.NewService(db, snaps, reg, cfg.BaseURL, cfg.Polling.MinCheckFrequency, logger)
	router := api.NewRouter(api.RouterDeps{
		Admin:         adminSvc,
		Proxy:         proxy.New(reg, logger, proxyHeaderWait),
		Store:         db,
		AdminPassword: password,
		DisableAdmin:  cfg.Admin.DisableUI,
	})

	srv := &http.Server{
		Addr:              env.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	interval := time.Duration(cfg.Polling.IntervalSeconds) * time.Second
	poller := scheduler.NewRoutePoller(reg, interval, logger)
	checker := scheduler.NewChecker(db, snaps, reg, interval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "routes", reg.Len())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// applyFlags parses --addr-style flags from the args list.
func applyFlags(env *Env, args []string) {
	for _, arg := range args {
		if len(arg) > 7 && arg[:7] == "--host=" {
			env.Host = arg[7:]
		}
		if len(arg) > 7 && arg[:7] == "--port=" {
			env.Port = arg[7:]
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			env.ConfigFile = arg[9:]
		}
	}
}
