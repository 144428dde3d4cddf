// Package config loads and validates the server configuration. The config
// is one flat YAML document; every recognized key has a default, so an empty
// document yields a runnable local server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/conference"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/signal"
	"github.com/weir-sfu/weir/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the whole server configuration.
type Config struct {
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
	// Signaling server settings.
	Server Server `yaml:"server"`
	// Admin/metrics server settings.
	Admin Admin `yaml:"admin"`
	// How many engine workers to start. Zero means one per CPU.
	NumWorkers int `yaml:"numWorkers"`
	// How many routers one worker takes before its load score saturates.
	MaxRoutersPerWorker int `yaml:"maxRoutersPerWorker"`
	// Period of the cleanup sweep and worker stats refresh.
	SweepIntervalMs int `yaml:"sweepIntervalMs"`
	// Engine worker process settings.
	WorkerSettings WorkerSettings `yaml:"workerSettings"`
	// Router settings, i.e. the codecs conferences support.
	RouterOptions RouterOptions `yaml:"routerOptions"`
	// WebRTC transport settings.
	TransportOptions TransportOptions `yaml:"transportOptions"`
	// Per-participant producer caps. Absent means no enforcement.
	ParticipantLimits *conference.ParticipantLimits `yaml:"participantLimits"`
	// Tracing configuration.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type Server struct {
	Bind             string `yaml:"bind"`
	RequestTimeoutMs int    `yaml:"requestTimeoutMs"`
	PingIntervalS    int    `yaml:"pingIntervalS"`
	PingTimeoutS     int    `yaml:"pingTimeoutS"`
	WriteQueueSize   int    `yaml:"writeQueueSize"`
}

type Admin struct {
	Bind string `yaml:"bind"`
}

type WorkerSettings struct {
	LogLevel   string   `yaml:"logLevel"`
	LogTags    []string `yaml:"logTags"`
	RTCMinPort uint16   `yaml:"rtcMinPort"`
	RTCMaxPort uint16   `yaml:"rtcMaxPort"`
}

// RouterOptions carry the ordered codec list. Codec descriptors are opaque
// to the signaling layer and handed to the engine as they are.
type RouterOptions struct {
	MediaCodecs []map[string]any `yaml:"mediaCodecs"`
}

type ListenIP struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announcedIp"`
}

// TransportOptions mirror the engine's WebRTC transport tunables. The bools
// are pointers so that an explicit `false` can be told apart from an omitted
// key, which takes the default.
type TransportOptions struct {
	ListenIPs                       []ListenIP `yaml:"listenIps"`
	EnableUDP                       *bool      `yaml:"enableUdp"`
	EnableTCP                       *bool      `yaml:"enableTcp"`
	PreferUDP                       *bool      `yaml:"preferUdp"`
	InitialAvailableOutgoingBitrate uint32     `yaml:"initialAvailableOutgoingBitrate"`
}

// Default returns the configuration an empty YAML document resolves to.
func Default() *Config {
	enabled := true

	return &Config{
		LogLevel: "info",
		Server: Server{
			Bind:             ":8080",
			RequestTimeoutMs: 15000,
			PingIntervalS:    30,
			PingTimeoutS:     10,
			WriteQueueSize:   64,
		},
		Admin:               Admin{Bind: ":8081"},
		NumWorkers:          runtime.NumCPU(),
		MaxRoutersPerWorker: 5,
		SweepIntervalMs:     300000,
		WorkerSettings: WorkerSettings{
			LogLevel:   "warn",
			RTCMinPort: 10000,
			RTCMaxPort: 59999,
		},
		TransportOptions: TransportOptions{
			ListenIPs:                       []ListenIP{{IP: "127.0.0.1"}},
			EnableUDP:                       &enabled,
			PreferUDP:                       &enabled,
			InitialAvailableOutgoingBitrate: 600000,
		},
	}
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config
// could not be loaded.
func Load(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
func LoadFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadFromString(string(file))
}

// Load config from the provided string. Unset keys take their defaults;
// whatever remains invalid after that is reported all at once.
func LoadFromString(configString string) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate reports every invalid value, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Bind == "" {
		errs = append(errs, errors.New("server.bind must not be empty"))
	}
	if c.Server.RequestTimeoutMs <= 0 {
		errs = append(errs, errors.New("server.requestTimeoutMs must be positive"))
	}
	if c.Server.PingIntervalS <= 0 || c.Server.PingTimeoutS <= 0 {
		errs = append(errs, errors.New("server ping interval and timeout must be positive"))
	}
	if c.MaxRoutersPerWorker <= 0 {
		errs = append(errs, errors.New("maxRoutersPerWorker must be positive"))
	}
	if c.SweepIntervalMs <= 0 {
		errs = append(errs, errors.New("sweepIntervalMs must be positive"))
	}
	if c.WorkerSettings.RTCMinPort >= c.WorkerSettings.RTCMaxPort {
		errs = append(errs, errors.New("workerSettings.rtcMinPort must be below rtcMaxPort"))
	}
	if len(c.TransportOptions.ListenIPs) == 0 {
		errs = append(errs, errors.New("transportOptions.listenIps must not be empty"))
	}
	if l := c.ParticipantLimits; l != nil && (l.MaxAudioProducers < 0 || l.MaxVideoProducers < 0) {
		errs = append(errs, errors.New("participantLimits must not be negative"))
	}

	return errors.Join(errs...)
}

// SweepInterval is the period of the cleanup sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// EngineWorkerSettings translates the worker section for the engine.
func (c *Config) EngineWorkerSettings() engine.WorkerSettings {
	return engine.WorkerSettings{
		LogLevel:   c.WorkerSettings.LogLevel,
		LogTags:    c.WorkerSettings.LogTags,
		RTCMinPort: c.WorkerSettings.RTCMinPort,
		RTCMaxPort: c.WorkerSettings.RTCMaxPort,
	}
}

// EngineRouterOptions serializes the codec list for the engine.
func (c *Config) EngineRouterOptions() (engine.RouterOptions, error) {
	if len(c.RouterOptions.MediaCodecs) == 0 {
		return engine.RouterOptions{}, nil
	}

	codecs, err := json.Marshal(c.RouterOptions.MediaCodecs)
	if err != nil {
		return engine.RouterOptions{}, fmt.Errorf("failed to serialize media codecs: %w", err)
	}

	return engine.RouterOptions{MediaCodecs: codecs}, nil
}

// EngineTransportOptions translates the transport section for the engine.
func (c *Config) EngineTransportOptions() engine.WebRTCTransportOptions {
	opts := engine.WebRTCTransportOptions{
		EnableUDP:                       boolOr(c.TransportOptions.EnableUDP, true),
		EnableTCP:                       boolOr(c.TransportOptions.EnableTCP, false),
		PreferUDP:                       boolOr(c.TransportOptions.PreferUDP, true),
		InitialAvailableOutgoingBitrate: c.TransportOptions.InitialAvailableOutgoingBitrate,
	}
	for _, ip := range c.TransportOptions.ListenIPs {
		opts.ListenIPs = append(opts.ListenIPs, engine.ListenIP{IP: ip.IP, AnnouncedIP: ip.AnnouncedIP})
	}

	return opts
}

// ConferenceConfig is the slice of the configuration each conference gets.
func (c *Config) ConferenceConfig() conference.Config {
	return conference.Config{
		TransportOptions: c.EngineTransportOptions(),
		Limits:           c.ParticipantLimits,
	}
}

// SignalConfig is the slice of the configuration the session layer gets.
func (c *Config) SignalConfig() signal.Config {
	queue := c.Server.WriteQueueSize
	if queue <= 0 {
		queue = 64
	}

	return signal.Config{
		RequestTimeout: time.Duration(c.Server.RequestTimeoutMs) * time.Millisecond,
		PingInterval:   time.Duration(c.Server.PingIntervalS) * time.Second,
		PingTimeout:    time.Duration(c.Server.PingTimeoutS) * time.Second,
		WriteQueueSize: queue,
	}
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}

	return *value
}
