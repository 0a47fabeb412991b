package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"stream_relay/internal/callstate"
	"stream_relay/internal/capture"
	"stream_relay/internal/config"
	"stream_relay/internal/devhost"
	"stream_relay/internal/logging"
	"stream_relay/internal/preview"
	"stream_relay/internal/registry"
	"stream_relay/internal/signal"
	"stream_relay/internal/webrtc"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const helpText = `producer - Relay the video streams of a call to a consumer via WebRTC

Usage:
  producer --port PORT [options]

The producer dials the consumer's signaling socket at ws://HOST:PORT/?role=producer,
announces every live participant stream and answers capture requests with a
WebRTC offer. Without a real host application the call is read from a roster
file (see --roster).

Environment Variables:
  STREAM_RELAY_PORT                 Signaling port (required unless --port)
  STREAM_RELAY_HOST                 Signaling host (default localhost)
  STREAM_RELAY_WEBRTC_CODEC         Forced video codec, H264 or VP8
  STREAM_RELAY_WEBRTC_ICE_SERVERS   Comma separated STUN/TURN URLs

Options:
  --port        signaling websocket port
  --host        signaling host
  --config      config file (yaml, json or toml)
  --roster      development roster file
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
			log.Error().Msg("no signaling port configured, set --port or STREAM_RELAY_PORT")
		} else {
			log.Error().Err(err).Msg("load config")
		}
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.JSON)
	logger := logging.Module("main")

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Step 1: Open the host
	host, err := devhost.Open(cfg.DevHost.RosterFile, cfg.DevHost.FPS)
	if err != nil {
		logger.Fatal().Err(err).Msg("open host")
	}
	defer host.Close()

	// Step 2: Build the media stack
	codec, ok := webrtc.CodecByName(cfg.WebRTC.Codec)
	shaping := webrtc.Shaping{BandwidthKbps: cfg.WebRTC.BandwidthKbps}
	switch {
	case ok:
		shaping.Codec = &codec
	case cfg.WebRTC.Codec == "":
		codec = webrtc.H264
	default:
		logger.Fatal().Str("codec", cfg.WebRTC.Codec).Msg("unsupported codec")
	}
	if codec.Name != webrtc.H264.Name {
		logger.Warn().Str("codec", codec.Name).Msg("dev host video is H264, the consumer may not decode it")
	}

	factory, err := webrtc.NewFactory(cfg.WebRTC.ICEServers, webrtc.SessionOptions{
		Shaping:        shaping,
		FilterLoopback: cfg.WebRTC.FilterLoopback,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create webrtc factory")
	}

	// Step 3: Create the signaling client
	client := signal.NewClient(signal.Options{
		URL:              signal.ClientURL(cfg.Host, cfg.Port, cfg.Role),
		PingInterval:     cfg.Signal.PingInterval,
		ReconnectBackoff: cfg.Signal.ReconnectBackoff,
	})

	// Step 4: Create the registry (implements domain.MessageHandler)
	reg := registry.New(registry.Options{
		Channel:         client,
		Frames:          host,
		Previews:        preview.Renderer{Width: cfg.Preview.Width, Quality: cfg.Preview.Quality},
		Capturer:        capture.NewCapturer(host, codec),
		Peers:           factory,
		PreviewInterval: cfg.Registry.PreviewInterval,
	})
	client.Handle(reg)
	client.OnReconnect(reg.Resync)
	host.OnInvalidate(reg.SinkInvalidated)

	// Step 5: Connect signaling. A failed first dial is fatal.
	if !client.Connect(ctx) {
		reg.Stop()
		host.Close()
		logger.Error().Str("host", cfg.Host).Int("port", cfg.Port).Msg("signaling unreachable")
		os.Exit(1)
	}

	// Step 6: Follow the call roster
	watcher := callstate.NewWatcher(host, reg)
	reg.OnStop(watcher.Stop)
	watcher.Start()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	reg.Stop()

	logger.Info().Msg("done")
}
