package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ndsokol/periscope/internal/client"
	"github.com/ndsokol/periscope/internal/config"
	"github.com/ndsokol/periscope/internal/core"
)

// Headless viewer: connects to a host by code and reports the session
// lifecycle and frame throughput instead of rendering.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		serverURL = pflag.String("server", "ws://localhost:8080/api/ws", "broker websocket URL")
		code      = pflag.String("code", "", "connection code of the host (required)")
		password  = pflag.String("password", "", "session password if the host set one")
	)
	pflag.Parse()

	if *code == "" {
		log.Fatal().Msg("--code is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	sock := client.NewSocket(*serverURL, client.SocketOptions{
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		PingPeriod:           cfg.PingPeriod,
	})
	sock.OnReconnectExhausted(func() {
		log.Warn().Msg("reconnect attempts exhausted, staying on whatever transport remains")
	})
	if err := sock.Open(); err != nil {
		log.Warn().Err(err).Msg("broker unreachable, expecting synthetic fallback")
	}
	defer sock.Close()

	var frames atomic.Int64
	sess := client.NewSession(sock, client.SessionOptions{
		ConnectTimeout: cfg.ConnectTimeout,
		FrameInterval:  cfg.FrameInterval,
		StunServers:    cfg.StunServers,
		OnState: func(snap client.Snapshot) {
			log.Info().
				Bool("connected", snap.Connected).
				Str("transport", string(snap.ActiveTransport)).
				Str("session_id", snap.SessionID).
				Msg("session state")
		},
		OnFrame: func(frame core.Frame) {
			if n := frames.Add(1); n%100 == 1 {
				log.Info().Int64("frames", n).Int("bytes", len(frame)).Msg("receiving")
			}
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("session error")
		},
	})

	if err := sess.Connect(*code, *password); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}

	<-ctx.Done()
	sess.Disconnect()
	log.Info().Int64("frames", frames.Load()).Msg("viewer exited")
}
