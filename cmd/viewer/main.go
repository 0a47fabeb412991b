package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"stream_relay/internal/config"
	"stream_relay/internal/logging"
	"stream_relay/internal/signal"
	"stream_relay/internal/viewer"
	"stream_relay/internal/webrtc"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const helpText = `viewer - Receive the video streams of a producer via WebRTC

Usage:
  viewer --port PORT [options]

The viewer accepts the producer's signaling socket at ws://HOST:PORT/?role=producer
and serves a small HTTP API on the same port:

  GET    /healthz               producer connection state
  GET    /streams               announced streams
  POST   /streams/:id/capture   request a stream's video
  DELETE /streams/:id/capture   release it

Received H264 is written as Annex-B files under --output. Play one back with
  ffplay -f h264 recordings/<stream>.h264

Options:
  --port        listen port
  --host        bind address
  --config      config file (yaml, json or toml)
  --output      directory for received video
  --log-level   debug, info, warn or error
  -h, --help    Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Setup("info", false)
		if errors.Is(err, config.ErrMissingPort) {
			log.Error().Msg("no listen port configured, set --port or STREAM_RELAY_PORT")
		} else {
			log.Error().Err(err).Msg("load config")
		}
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.JSON)
	logger := logging.Module("main")

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Step 1: Create the answerer factory
	factory, err := webrtc.NewFactory(cfg.WebRTC.ICEServers, webrtc.SessionOptions{
		FilterLoopback: cfg.WebRTC.FilterLoopback,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create webrtc factory")
	}

	// Step 2: Create the viewer (implements domain.MessageHandler)
	v := viewer.New(ctx, viewer.FileAnswerFactory(cfg.Viewer.OutputDir, factory.NewAnswerer))

	// Step 3: Create the signaling server and complete the circular dependency
	server := signal.NewServer(cfg.Role)
	v.SetSignaler(server)
	server.Handle(v)
	server.OnConnectionChange(v.ProducerConnection)

	// Step 4: Mount routes
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/", server.Upgrade)
	v.Register(r)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("output", cfg.Viewer.OutputDir).Msg("viewer started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	server.Close()
	v.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("done")
}
