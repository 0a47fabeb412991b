package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"--port", "8080"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.Host != "localhost" || cfg.Role != "producer" {
		t.Errorf("unexpected endpoint config: %+v", cfg)
	}
	if cfg.Signal.PingInterval != 20*time.Second || cfg.Signal.ReconnectBackoff {
		t.Errorf("unexpected signal config: %+v", cfg.Signal)
	}
	if cfg.Registry.PreviewInterval != 15*time.Second {
		t.Errorf("expected 15s preview interval, got %v", cfg.Registry.PreviewInterval)
	}
	if cfg.Preview.Width != 320 || cfg.Preview.Quality != 70 {
		t.Errorf("unexpected preview config: %+v", cfg.Preview)
	}
	if cfg.WebRTC.Codec != "H264" || cfg.WebRTC.BandwidthKbps != 0 || cfg.WebRTC.FilterLoopback {
		t.Errorf("unexpected webrtc config: %+v", cfg.WebRTC)
	}
	if cfg.DevHost.FPS != 30 || cfg.Viewer.OutputDir != "./recordings" {
		t.Errorf("unexpected host config: %+v %+v", cfg.DevHost, cfg.Viewer)
	}
}

func TestLoad_MissingPort(t *testing.T) {
	if _, err := Load(nil); !errors.Is(err, ErrMissingPort) {
		t.Errorf("expected ErrMissingPort, got %v", err)
	}
	if _, err := Load([]string{"--port", "0"}); !errors.Is(err, ErrMissingPort) {
		t.Errorf("expected ErrMissingPort for zero port, got %v", err)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("STREAM_RELAY_PORT", "9000")
	t.Setenv("STREAM_RELAY_SIGNAL_RECONNECT_BACKOFF", "true")
	t.Setenv("STREAM_RELAY_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 || !cfg.Signal.ReconnectBackoff || cfg.Log.Level != "debug" {
		t.Errorf("expected env values, got %+v", cfg)
	}

	cfg, err = Load([]string{"--port", "9100", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 || cfg.Log.Level != "warn" {
		t.Errorf("expected flags to win over env, got port=%d level=%s", cfg.Port, cfg.Log.Level)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte(`port: 7000
role: viewer
registry:
  preview_interval: 5s
webrtc:
  codec: VP8
  bandwidth_kbps: 1500
  ice_servers:
    - stun:stun.l.google.com:19302
devhost:
  roster_file: dev/roster.yaml
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load([]string{"--config", path, "--roster", "other.yaml"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7000 || cfg.Role != "viewer" {
		t.Errorf("unexpected endpoint config: %+v", cfg)
	}
	if cfg.Registry.PreviewInterval != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.Registry.PreviewInterval)
	}
	if cfg.WebRTC.Codec != "VP8" || cfg.WebRTC.BandwidthKbps != 1500 {
		t.Errorf("unexpected webrtc config: %+v", cfg.WebRTC)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("unexpected ice servers: %v", cfg.WebRTC.ICEServers)
	}
	if cfg.DevHost.RosterFile != "other.yaml" {
		t.Errorf("expected flag to override config file, got %q", cfg.DevHost.RosterFile)
	}
}

func TestLoad_BadConfigFile(t *testing.T) {
	if _, err := Load([]string{"--port", "1", "--config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_UnknownFlag(t *testing.T) {
	if _, err := Load([]string{"--nope"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
