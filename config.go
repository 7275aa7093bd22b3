package session

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

// Config carries the engine's tunables. All timing knobs are plain
// durations so tests can compress time.
type Config struct {
	// ICEServers are STUN/TURN URLs for both peer connections. A TURN
	// server needs Username/Credential set on the entry.
	ICEServers []webrtc.ICEServer

	// PingInterval is how often the keepalive ping is sent once the
	// status channel opens.
	PingInterval time.Duration

	// SilenceTimeout is the pong silence that forces an ICE-restart
	// renegotiation.
	SilenceTimeout time.Duration

	// CallTimeout bounds how long a call may stay ringing before it is
	// written off as timed out.
	CallTimeout time.Duration

	// TelemetryInterval is the period of the state+telemetry push while a
	// session is active.
	TelemetryInterval time.Duration

	// Capture geometry requested at share start. The capture backend may
	// adjust; the engine follows the size it reports.
	CaptureWidth  int
	CaptureHeight int
	CaptureFPS    int

	// DefaultQuality is applied to the encoder when sharing starts.
	DefaultQuality QualityLevel
}

func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		PingInterval:      10 * time.Second,
		SilenceTimeout:    25 * time.Second,
		CallTimeout:       20 * time.Second,
		TelemetryInterval: 5 * time.Second,
		CaptureWidth:      1080,
		CaptureHeight:     1920,
		CaptureFPS:        30,
		DefaultQuality:    QualityHigh,
	}
}

// yamlConfig is the on-disk shape. Durations are Go duration strings
// ("10s", "1m30s"); zero or missing fields keep their defaults.
type yamlConfig struct {
	ICEServers []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username"`
		Credential string   `yaml:"credential"`
	} `yaml:"ice_servers"`
	PingInterval      string `yaml:"ping_interval"`
	SilenceTimeout    string `yaml:"silence_timeout"`
	CallTimeout       string `yaml:"call_timeout"`
	TelemetryInterval string `yaml:"telemetry_interval"`
	CaptureWidth      int    `yaml:"capture_width"`
	CaptureHeight     int    `yaml:"capture_height"`
	CaptureFPS        int    `yaml:"capture_fps"`
	DefaultQuality    string `yaml:"default_quality"`
}

// ParseConfig reads a YAML config on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg := DefaultConfig()
	if len(raw.ICEServers) > 0 {
		cfg.ICEServers = nil
		for _, s := range raw.ICEServers {
			entry := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
			if s.Credential != "" {
				entry.Credential = s.Credential
			}
			cfg.ICEServers = append(cfg.ICEServers, entry)
		}
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{raw.PingInterval, &cfg.PingInterval, "ping_interval"},
		{raw.SilenceTimeout, &cfg.SilenceTimeout, "silence_timeout"},
		{raw.CallTimeout, &cfg.CallTimeout, "call_timeout"},
		{raw.TelemetryInterval, &cfg.TelemetryInterval, "telemetry_interval"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if raw.CaptureWidth > 0 {
		cfg.CaptureWidth = raw.CaptureWidth
	}
	if raw.CaptureHeight > 0 {
		cfg.CaptureHeight = raw.CaptureHeight
	}
	if raw.CaptureFPS > 0 {
		cfg.CaptureFPS = raw.CaptureFPS
	}
	if raw.DefaultQuality != "" {
		cfg.DefaultQuality = ParseQualityLevel(raw.DefaultQuality)
	}
	return cfg, nil
}

func (c *Config) webrtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:   c.ICEServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	}
}
