package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/sightline/sightline/pkg/logging"
	"github.com/sightline/sightline/server/internal/admission"
	"github.com/sightline/sightline/server/internal/api"
	"github.com/sightline/sightline/server/internal/auth"
	"github.com/sightline/sightline/server/internal/config"
	"github.com/sightline/sightline/server/internal/metrics"
	"github.com/sightline/sightline/server/internal/notify"
	"github.com/sightline/sightline/server/internal/receiver"
	"github.com/sightline/sightline/server/internal/registry"
	"github.com/sightline/sightline/server/internal/sweep"
	"github.com/sightline/sightline/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type cli struct {
	Config    string `help:"Path to config file." default:"config.yaml" env:"SIGHTLINE_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"json" enum:"json,text"`
	UIDir     string `name:"ui-dir" help:"Serve static viewer files from this directory; leave empty to disable."`
	NoWatch   bool   `help:"Do not reload live settings when the config file changes."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("sightline-server"),
		kong.Description("Ephemeral registry for high-value sightings reported by scanners."),
	)

	if err := run(c); err != nil {
		slog.Error("sightline-server exited", "err", err)
		os.Exit(1)
	}
}

func run(c cli) error {
	logger, err := logging.New(os.Stdout, c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("sightline-server starting", "config", c.Config)

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s := cfg.Server
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("PORT %q is not a valid port", p)
		}
		s.HTTPPort = port
	}

	slog.Info("config loaded",
		"http_port", s.HTTPPort,
		"auth_mode", s.Auth.Mode,
		"ttl", s.Registry.TTL,
		"capacity", s.Registry.Capacity,
		"cooldown", s.Admission.Cooldown,
		"notify_targets", len(s.Notify.Targets),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(registry.Config{
		TTL:                s.Registry.TTL,
		Capacity:           s.Registry.Capacity,
		RefreshOnDuplicate: s.Registry.RefreshOnDuplicate,
	})
	lim := admission.New(s.Admission.Cooldown)
	notifier := notify.FromConfig(s.Notify)
	sched := sweep.New(reg, lim, sweep.Config{
		Interval:   s.Sweep.Interval,
		MaxSize:    s.Registry.Capacity,
		StaleAfter: s.Admission.StaleAfter,
	})
	rcv := receiver.New(reg, lim, notifier, receiver.Options{
		MaxBodyBytes:   s.Ingest.MaxBodyBytes,
		MaxPerSecond:   s.Ingest.MaxPerSecond,
		Burst:          s.Ingest.Burst,
		TrustForwarded: s.Admission.TrustForwarded,
		SourceHeader:   s.Admission.SourceHeader,
	})
	admin := auth.APIKeyMiddleware(s.Auth.Mode, s.Auth.EffectiveHeader(), s.Auth.Key())
	if s.Auth.Mode == "apikey" && s.Auth.Key() == "" {
		slog.Warn("auth: apikey mode but key_env is unset, admin routes are open", "key_env", s.Auth.KeyEnv)
	}
	queries := api.New(reg, lim, admin)
	hub := ws.New(reg, s.Stream.Interval, s.Stream.Top)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/report", rcv)
	mux.Handle("/report", rcv) // legacy scanners
	mux.Handle("/api/", queries)
	mux.Handle("/servers", queries)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws/stream", hub)
	if c.UIDir != "" {
		mux.Handle("/", staticUI(c.UIDir))
		slog.Info("serving viewer static files", "dir", c.UIDir)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		notifier.Run(ctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if !c.NoWatch {
		g.Go(func() error {
			err := config.Watch(ctx, c.Config, func(next *config.Config) {
				applyLive(next, reg, lim, notifier)
			})
			if err != nil {
				// Serving continues without hot reload.
				slog.Warn("config: watch unavailable", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", s.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("sightline-server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// applyLive pushes the settings that are safe to change at runtime.
func applyLive(cfg *config.Config, reg *registry.Registry, lim *admission.Limiter, n *notify.Notifier) {
	s := cfg.Server
	lim.SetCooldown(s.Admission.Cooldown)
	n.SetThreshold(s.Notify.Threshold)
	reg.SetRefreshOnDuplicate(s.Registry.RefreshOnDuplicate)
	slog.Info("config: live settings applied",
		"cooldown", s.Admission.Cooldown,
		"notify_threshold", s.Notify.Threshold,
		"refresh_on_duplicate", s.Registry.RefreshOnDuplicate,
	)
}

// staticUI serves files from dir, falling back to index.html for unknown
// paths so client-side routing works.
func staticUI(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := dir + r.URL.Path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			http.ServeFile(w, r, dir+"/index.html")
			return
		}
		fs.ServeHTTP(w, r)
	})
}
