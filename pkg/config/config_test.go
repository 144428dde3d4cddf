package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/weir-sfu/weir/pkg/config"
)

func TestEmptyDocumentIsRunnable(t *testing.T) {
	cfg, err := config.LoadFromString("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Bind != ":8080" || cfg.Admin.Bind != ":8081" {
		t.Errorf("binds = %q / %q", cfg.Server.Bind, cfg.Admin.Bind)
	}
	if cfg.NumWorkers <= 0 {
		t.Errorf("numWorkers = %d", cfg.NumWorkers)
	}
	if cfg.ParticipantLimits != nil {
		t.Error("limits default to unset")
	}
	if cfg.SweepInterval() != 5*time.Minute {
		t.Errorf("sweep interval = %v", cfg.SweepInterval())
	}
	if cfg.Telemetry.Enabled() {
		t.Error("telemetry enabled by default")
	}
}

func TestOverridesAndConverters(t *testing.T) {
	cfg, err := config.LoadFromString(`
log: debug
server:
  bind: ":9000"
  requestTimeoutMs: 2000
numWorkers: 3
transportOptions:
  listenIps:
    - ip: "0.0.0.0"
      announcedIp: "203.0.113.7"
  enableUdp: false
  enableTcp: true
participantLimits:
  maxAudioProducers: 1
  maxVideoProducers: 2
routerOptions:
  mediaCodecs:
    - kind: audio
      mimeType: audio/opus
      clockRate: 48000
      channels: 2
`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Bind != ":9000" || cfg.NumWorkers != 3 {
		t.Errorf("overrides not applied: %+v", cfg.Server)
	}
	if cfg.SignalConfig().RequestTimeout != 2*time.Second {
		t.Errorf("request timeout = %v", cfg.SignalConfig().RequestTimeout)
	}

	transport := cfg.EngineTransportOptions()
	if transport.EnableUDP || !transport.EnableTCP {
		t.Errorf("transport flags = %+v", transport)
	}
	if len(transport.ListenIPs) != 1 || transport.ListenIPs[0].AnnouncedIP != "203.0.113.7" {
		t.Errorf("listen ips = %+v", transport.ListenIPs)
	}

	limits := cfg.ConferenceConfig().Limits
	if limits == nil || limits.MaxAudioProducers != 1 || limits.MaxVideoProducers != 2 {
		t.Errorf("limits = %+v", limits)
	}

	router, err := cfg.EngineRouterOptions()
	if err != nil {
		t.Fatalf("router options: %v", err)
	}
	if !strings.Contains(string(router.MediaCodecs), "audio/opus") {
		t.Errorf("media codecs = %s", router.MediaCodecs)
	}
}

func TestValidationReportsEverything(t *testing.T) {
	_, err := config.LoadFromString(`
server:
  bind: ""
  requestTimeoutMs: -1
maxRoutersPerWorker: -5
workerSettings:
  rtcMinPort: 50000
  rtcMaxPort: 40000
`)
	if err == nil {
		t.Fatal("invalid config loaded")
	}

	for _, want := range []string{"server.bind", "requestTimeoutMs", "maxRoutersPerWorker", "rtcMinPort"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadPrefersEnv(t *testing.T) {
	t.Setenv("CONFIG", `server: {bind: ":7777"}`)

	cfg, err := config.Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Bind != ":7777" {
		t.Errorf("bind = %q, want env value", cfg.Server.Bind)
	}
}

func TestLoadFallsBackToPath(t *testing.T) {
	t.Setenv("CONFIG", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`admin: {bind: ":6666"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Bind != ":6666" {
		t.Errorf("admin bind = %q", cfg.Admin.Bind)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}
