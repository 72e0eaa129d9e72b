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
	"runtime/debug"
	"syscall"

	"github.com/mrdemiurgic/blitz-chat-signaler/internal/config"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/httpserver"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/metrics"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/rooms"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/signaling"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/xirsys"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting blitz-signaler",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"users_per_room_limit", cfg.UsersPerRoomLimit,
		"xirsys_configured", cfg.XirsysConfigured(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	m := metrics.New()

	var ice signaling.ICEFetcher
	if cfg.XirsysConfigured() {
		ice = xirsys.NewClient(xirsys.Config{
			URL:        cfg.XirsysURL,
			Secret:     cfg.XirsysSecret,
			Timeout:    cfg.XirsysTimeout,
			Fallback:   xirsys.ICEConfig{ICEServers: cfg.FallbackICEServers},
			OnFallback: func() { m.Inc(metrics.ICEFetchFallback) },
			Logger:     logger,
		})
	} else {
		// Dev mode without provider credentials hands out the static STUN set
		// so local peers can still negotiate.
		logger.Warn("no credential provider configured, serving static STUN only")
		ice = &xirsys.StaticClient{Config: xirsys.ICEConfig{ICEServers: cfg.FallbackICEServers}}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	sig := signaling.NewServer(signaling.Config{
		Registry:             rooms.NewRegistry(cfg.UsersPerRoomLimit),
		ICE:                  ice,
		Metrics:              m,
		Logger:               logger,
		CheckOrigin:          httpserver.CheckOrigin(cfg.AllowedOrigins),
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
