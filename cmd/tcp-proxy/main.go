// Command tcp-proxy is a multi-threaded, zero-copy TCP reverse proxy:
// for every downstream connection accepted on the listen endpoint it
// opens one upstream connection and relays bytes bidirectionally
// using splice(2) through kernel pipes, entirely inside per-CPU
// worker event loops.
//
// Grounded on original_source/src/tcp-proxy.c's main() for the
// sequence (read settings, resolve both endpoints, start N loops,
// wait for signal, terminate, join) and on akab00m-mtg's choice of
// kong for CLI parsing.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/ikruglov/tcp-proxy/internal/config"
	"github.com/ikruglov/tcp-proxy/internal/endpoint"
	"github.com/ikruglov/tcp-proxy/internal/logging"
	"github.com/ikruglov/tcp-proxy/internal/supervisor"
)

// cli mirrors the original's GLOBAL settings struct as flags, plus
// the two positional endpoint arguments.
type cli struct {
	Listen   string `arg:"" help:"Downstream listen endpoint, host:port."`
	Upstream string `arg:"" help:"Upstream backend endpoint, host:port."`

	NProc    int  `name:"nproc" help:"Worker count. 0 selects the CPU count." default:"0"`
	PipeSize int  `name:"pipe-size" help:"Relay pipe capacity in bytes. 0 auto-detects from /proc." default:"0"`
	SendSize int  `name:"send-size" help:"Socket send buffer size in bytes; read but not applied to sockets. 0 auto-detects from /proc." default:"0"`
	RecvSize int  `name:"recv-size" help:"Socket receive buffer size in bytes; read but not applied to sockets. 0 auto-detects from /proc." default:"0"`
	MinConn  int  `name:"minconn" help:"Connection slots pre-allocated per worker." default:"1000"`
	MaxConn  int  `name:"maxconn" help:"Maximum connection slots per worker." default:"10000"`
	Backoff  bool `name:"accept-backoff" help:"Back off the accept watcher briefly when at capacity or resource-exhausted, instead of busy-polling."`
	Debug    bool `name:"debug" help:"Enable debug-level logging."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("tcp-proxy"),
		kong.Description("Zero-copy TCP reverse proxy."),
	)

	log := logging.New(c.Debug)

	serverEP, err := endpoint.Resolve(c.Listen, true)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid listen endpoint")
	}
	upstreamEP, err := endpoint.Resolve(c.Upstream, false)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid upstream endpoint")
	}

	cfg := config.Settings{
		NProc:         c.NProc,
		PipeSize:      c.PipeSize,
		SendSize:      c.SendSize,
		RecvSize:      c.RecvSize,
		MinConn:       c.MinConn,
		MaxConn:       c.MaxConn,
		AcceptBackoff: c.Backoff,
	}
	if cfg.NProc == 0 {
		cfg.NProc = config.Auto
	}
	if cfg.PipeSize == 0 {
		cfg.PipeSize = config.Auto
	}
	if cfg.SendSize == 0 {
		cfg.SendSize = config.Auto
	}
	if cfg.RecvSize == 0 {
		cfg.RecvSize = config.Auto
	}
	cfg.Discover()

	log.Info().
		Str("listen", serverEP.String()).
		Str("upstream", upstreamEP.String()).
		Int("nproc", cfg.NProc).
		Int("pipe_size", cfg.PipeSize).
		Int("minconn", cfg.MinConn).
		Int("maxconn", cfg.MaxConn).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx, cfg, serverEP, upstreamEP, log); err != nil {
		log.Error().Err(err).Msg("exiting with error")
		os.Exit(1)
	}
}
