package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	RTC      RTCConfig      `yaml:"rtc"`
	Control  ControlConfig  `yaml:"control"`
	Playback PlaybackConfig `yaml:"playback"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StreamConfig contains the WHEP endpoint and session timing
type StreamConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Paused          bool          `yaml:"paused"`
	GatherTimeout   time.Duration `yaml:"gather_timeout"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// bounds the DELETE of the gateway session on teardown
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

// RTCConfig contains ICE configuration
type RTCConfig struct {
	ConfigURL  string      `yaml:"config_url"`
	ICEServers []ICEServer `yaml:"ice_servers"`
	UDPPortMin uint16      `yaml:"udp_port_min"`
	UDPPortMax uint16      `yaml:"udp_port_max"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// ControlConfig contains the optional control websocket
type ControlConfig struct {
	WSURL  string `yaml:"ws_url"`
	Origin string `yaml:"origin"`
}

// PlaybackConfig contains local RTP forwarding and the player pipeline
type PlaybackConfig struct {
	ForwardAddr string `yaml:"forward_addr"`
	Pipeline    string `yaml:"pipeline"`
	Player      bool   `yaml:"player"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			GatherTimeout:   5 * time.Second,
			VerifyTimeout:   30 * time.Second,
			PollInterval:    500 * time.Millisecond,
			RequestTimeout:  10 * time.Second,
			TeardownTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{Address: ":9090"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"WHEP_ENDPOINT":         &c.Stream.Endpoint,
		"RTC_CONFIG_URL":        &c.RTC.ConfigURL,
		"CONTROL_WS_URL":        &c.Control.WSURL,
		"CONTROL_ORIGIN":        &c.Control.Origin,
		"METRICS_ADDR":          &c.Metrics.Address,
		"PLAYBACK_ADDR":         &c.Playback.ForwardAddr,
		"GST_PLAYBACK_PIPELINE": &c.Playback.Pipeline,
		"LOG_LEVEL":             &c.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("WHEP_PAUSED"); ok {
		paused, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WHEP_PAUSED: %w", err)
		}
		c.Stream.Paused = paused
	}
	if v, ok := lookup("GST_PLAYBACK_PIPELINE"); ok && v != "" {
		c.Playback.Player = true
	}
	return nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.RTC.Validate(); err != nil {
		return fmt.Errorf("rtc config: %w", err)
	}

	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.Endpoint != "" {
		if err := validateURL(s.Endpoint, "http", "https"); err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
	}

	if s.GatherTimeout <= 0 {
		return fmt.Errorf("gather_timeout must be positive, got %s", s.GatherTimeout)
	}

	if s.VerifyTimeout <= 0 {
		return fmt.Errorf("verify_timeout must be positive, got %s", s.VerifyTimeout)
	}

	if s.PollInterval <= 0 || s.PollInterval > s.VerifyTimeout {
		return fmt.Errorf("poll_interval must be positive and at most verify_timeout, got %s", s.PollInterval)
	}

	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", s.RequestTimeout)
	}

	if s.TeardownTimeout <= 0 {
		return fmt.Errorf("teardown_timeout must be positive, got %s", s.TeardownTimeout)
	}

	return nil
}

// Validate validates ICE configuration
func (r *RTCConfig) Validate() error {
	if r.ConfigURL != "" {
		if err := validateURL(r.ConfigURL, "http", "https"); err != nil {
			return fmt.Errorf("config_url: %w", err)
		}
	}

	for i, s := range r.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d] has no urls", i)
		}
	}

	if (r.UDPPortMin == 0) != (r.UDPPortMax == 0) {
		return fmt.Errorf("udp_port_min and udp_port_max must be set together")
	}

	if r.UDPPortMin > r.UDPPortMax {
		return fmt.Errorf("udp_port_min (%d) must not exceed udp_port_max (%d)", r.UDPPortMin, r.UDPPortMax)
	}

	return nil
}

// Validate validates control channel configuration
func (c *ControlConfig) Validate() error {
	if c.WSURL == "" {
		return nil
	}
	if err := validateURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("ws_url: %w", err)
	}
	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.ForwardAddr == "" {
		if p.Player {
			return fmt.Errorf("player requires forward_addr")
		}
		return nil
	}
	if _, err := p.ForwardPort(); err != nil {
		return fmt.Errorf("forward_addr: %w", err)
	}
	return nil
}

// ForwardPort returns the UDP port the player listens on.
func (p *PlaybackConfig) ForwardPort() (int, error) {
	_, port, err := net.SplitHostPort(p.ForwardAddr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535, got %q", port)
	}
	return n, nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	_, err := l.SlogLevel()
	return err
}

// SlogLevel maps the configured level name to a slog level.
func (l *LoggingConfig) SlogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
}

// WebRTCICEServers converts the static servers for pion.
func (r *RTCConfig) WebRTCICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(r.ICEServers))
	for _, s := range r.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v url", raw, schemes)
}
