// relay-client is an operator tool: it asks the manager for a server,
// attaches a browser session through the relay, and keeps live replay
// running until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CloverLabsAI/roverfox/internal/adapters/geo"
	"github.com/CloverLabsAI/roverfox/internal/client"
	cfgpkg "github.com/CloverLabsAI/roverfox/internal/infrastructure/config"
	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
)

func main() {
	var (
		env        = flag.String("env", envOr("ROVERFOX_ENV", "local"), "config environment name")
		managerURL = flag.String("manager", "", "manager API base URL (overrides manager.url)")
		apiKey     = flag.String("api-key", "", "bearer token for the relay (overrides manager.apiKey)")
		profileID  = flag.String("profile", "", "launch this persisted profile instead of a one-time session")
	)
	flag.Parse()

	cfg, err := cfgpkg.LoadClient(*env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *managerURL != "" {
		cfg.Manager.URL = *managerURL
	}
	if *apiKey != "" {
		cfg.Manager.APIKey = *apiKey
	}

	logger := obs.NewLogger(cfg.LogLevel)
	log := *logger

	if cfg.Manager.URL == "" {
		log.Fatal().Msg("no manager URL; set manager.url or pass -manager")
	}

	manager := client.NewManagerClient(log, cfg.Manager.URL, cfg.Manager.APIKey)
	pool := client.NewConnectionPool(log, client.CDPDialer{APIKey: cfg.Manager.APIKey, Log: log})
	replay := client.NewReplayManager(log,
		cfg.Replay.CaptureFPS,
		time.Duration(cfg.Replay.ScreenshotTimeoutMs)*time.Millisecond,
		cfg.Replay.JPEGQuality)
	usage := client.NewUsageTracker(log, manager)
	resolver := geo.NewService(log, cfg.Geo.BaseURL, cfg.Geo.RequestsPerMinute/60)

	c := client.NewClient(log, manager, pool, replay, usage, resolver,
		time.Duration(cfg.Replay.CloseTimeoutMs)*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	var session *client.Session
	if *profileID != "" {
		session, err = c.LaunchProfile(ctx, *profileID)
	} else {
		session, err = c.LaunchOneTimeBrowser(ctx)
	}
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("session launch failed")
	}
	log.Info().
		Str("uuid", session.BrowserID).
		Str("server", session.Assignment.ServerID).
		Msg("session running, press Ctrl-C to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-session.Browser.Done():
		log.Warn().Msg("browser connection dropped")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	c.CloseSession(closeCtx, session.BrowserID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
