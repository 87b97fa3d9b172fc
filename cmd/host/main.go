package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ndsokol/periscope/internal/client"
	"github.com/ndsokol/periscope/internal/config"
	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/host"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		serverURL = pflag.String("server", "ws://localhost:8080/api/ws", "broker websocket URL")
		code      = pflag.String("code", "", "connection code to register (required)")
		password  = pflag.String("password", "", "optional session password")
		peer      = pflag.Bool("peer", true, "offer the peer data channel to viewers")
		display   = pflag.Int("display", 0, "display index to capture")
		maxWidth  = pflag.Int("max-width", 1280, "downscale frames wider than this")
		quality   = pflag.Int("quality", 70, "jpeg quality 1-100")
		pattern   = pflag.Bool("pattern", false, "stream a synthetic test card instead of the screen")
	)
	pflag.Parse()

	if *code == "" {
		log.Fatal().Msg("--code is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	newSource := func() (core.FrameSource, error) {
		if *pattern {
			return host.NewPatternSource(640, 480), nil
		}
		return host.NewScreenSource(*display, *maxWidth, *quality)
	}
	// Fail fast on a bad display index before touching the broker.
	probe, err := newSource()
	if err != nil {
		log.Fatal().Err(err).Msg("capture source unavailable")
	}
	_ = probe.Close()

	sock := client.NewSocket(*serverURL, client.SocketOptions{
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		PingPeriod:           cfg.PingPeriod,
	})
	sock.OnReconnectExhausted(func() {
		log.Error().Msg("lost the broker for good, shutting down")
		cancel()
	})
	defer sock.Close()

	agent := host.NewAgent(sock, host.AgentOptions{
		Code:          *code,
		Password:      *password,
		PeerChannel:   *peer,
		FrameInterval: cfg.FrameInterval,
		StunServers:   cfg.StunServers,
		NewSource:     newSource,
	})

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("agent stopped")
	}
	log.Info().Msg("host agent exited")
}
