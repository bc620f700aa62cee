package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/adapters/audit"
	"github.com/CloverLabsAI/roverfox/internal/adapters/store"
	"github.com/CloverLabsAI/roverfox/internal/backend"
	"github.com/CloverLabsAI/roverfox/internal/domain"
	"github.com/CloverLabsAI/roverfox/internal/gateway"
	"github.com/CloverLabsAI/roverfox/internal/hub"
	cfgpkg "github.com/CloverLabsAI/roverfox/internal/infrastructure/config"
	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
	"github.com/CloverLabsAI/roverfox/internal/managerapi"
	"github.com/CloverLabsAI/roverfox/internal/proxy"
)

func main() {
	env := flag.String("env", envOr("ROVERFOX_ENV", "local"), "config environment name")
	flag.Parse()

	cfg, err := cfgpkg.Load(*env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.LogLevel)
	log := *logger
	metrics := obs.NewMetrics()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("starting relay server")

	h := hub.New(log, metrics)
	p := proxy.New(log, metrics, proxy.WSDialer{
		HandshakeTimeout: time.Duration(cfg.Backends.HandshakeTimeoutMs) * time.Millisecond,
	}, nil)
	auth := gateway.NewAuthenticator(log, cfg.Auth.Tokens, cfg.Auth.BasicUser, cfg.Auth.BasicPass, cfg.Auth.JWTSecret, cfg.Auth.Skip)
	auth.LogStatus()
	gw := gateway.New(log, metrics, h, p, auth, cfg.Server.ProxyPath, cfg.Server.ReplayPath)

	launcher := backend.NewProcessLauncher(log, cfg.Backends.ExecPath, cfg.Backends.Headless,
		time.Duration(cfg.Backends.HandshakeTimeoutMs)*time.Millisecond)
	orch := backend.NewOrchestrator(log, metrics, launcher, p,
		cfg.Backends.Count, cfg.Backends.MaxRestartAttempts,
		time.Duration(cfg.Backends.RestartDelayMs)*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("backend pool failed to start")
	}

	profiles, rdb, err := buildProfileStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("profile store init failed")
	}
	sink, err := buildAuditSink(log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("audit sink init failed")
	}

	api := managerapi.New(log, profiles, profiles, sink, domain.ServerAssignment{
		BrowserWSURL: fmt.Sprintf("ws://%s%s", addr, cfg.Server.ProxyPath),
		ReplayWSURL:  fmt.Sprintf("ws://%s%s", addr, cfg.Server.ReplayPath),
		ServerID:     hostname(),
		ServerIP:     cfg.Server.Host,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	api.Register(mux)
	mux.Handle("/", gw)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	orch.Shutdown()
	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("audit sink close error")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("relay server stopped")
}

func buildProfileStore(cfg *cfgpkg.AppConfig) (store.Store, *redis.Client, error) {
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedis(rdb, 0), rdb, nil
	default:
		return store.NewMemory(0, 0), nil, nil
	}
}

func buildAuditSink(log zerolog.Logger, cfg *cfgpkg.AppConfig) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "kafka":
		return audit.NewKafkaSink(log, cfg.Audit.Kafka.Brokers, cfg.Audit.Kafka.AuditTopic, cfg.Audit.Kafka.UsageTopic)
	default:
		return audit.NewLogSink(log), nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "relay"
}
