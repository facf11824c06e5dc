package realtime

import (
	"fmt"
	"os"
	"time"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/goccy/go-yaml"
)

const (
	DefaultBackendURL  = "http://localhost:8000"
	DefaultRealtimeURL = "https://api.openai.com/v1/realtime"
	DefaultModel       = "gpt-realtime"
	DefaultVoice       = "alloy"
	DataChannelLabel   = "oai-events"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	// BackendURL serves /health, /credential and /credential-fallback.
	BackendURL string `yaml:"backend_url"`
	// RealtimeURL receives the SDP offer.
	RealtimeURL string   `yaml:"realtime_url"`
	Model       string   `yaml:"model"`
	Voice       string   `yaml:"voice"`
	ICEServers  []string `yaml:"ice_servers"`

	DataChannelMaxRetransmits uint16 `yaml:"data_channel_max_retransmits"`

	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MediaTimeout       time.Duration `yaml:"media_timeout"`
	MediaSettleDelay   time.Duration `yaml:"media_settle_delay"`
	MediaRetryDelay    time.Duration `yaml:"media_retry_delay"`
	ICEGatherTimeout   time.Duration `yaml:"ice_gather_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	ChannelOpenTimeout time.Duration `yaml:"channel_open_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

func DefaultConfig() *Config {
	return &Config{
		BackendURL:                DefaultBackendURL,
		RealtimeURL:               DefaultRealtimeURL,
		Model:                     DefaultModel,
		Voice:                     DefaultVoice,
		ICEServers:                append([]string(nil), DefaultICEServers...),
		DataChannelMaxRetransmits: 3,
		RequestTimeout:            10 * time.Second,
		MediaTimeout:              10 * time.Second,
		MediaSettleDelay:          200 * time.Millisecond,
		MediaRetryDelay:           500 * time.Millisecond,
		ICEGatherTimeout:          5 * time.Second,
		NegotiationTimeout:        15 * time.Second,
		ChannelOpenTimeout:        8 * time.Second,
		PollInterval:              100 * time.Millisecond,
		MaxReconnectAttempts:      3,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from REALTIME_* environment variables.
func (c *Config) ApplyEnv() error {
	var err error
	if c.BackendURL, err = shared.Getenv(shared.GetenvString, "REALTIME_BACKEND_URL", false, c.BackendURL); err != nil {
		return err
	}
	if c.RealtimeURL, err = shared.Getenv(shared.GetenvString, "REALTIME_ENDPOINT_URL", false, c.RealtimeURL); err != nil {
		return err
	}
	if c.Model, err = shared.Getenv(shared.GetenvString, "REALTIME_MODEL", false, c.Model); err != nil {
		return err
	}
	if c.Voice, err = shared.Getenv(shared.GetenvString, "REALTIME_VOICE", false, c.Voice); err != nil {
		return err
	}
	if c.NegotiationTimeout, err = shared.Getenv(shared.GetenvDuration, "REALTIME_NEGOTIATION_TIMEOUT", false, c.NegotiationTimeout); err != nil {
		return err
	}
	if c.MaxReconnectAttempts, err = shared.Getenv(shared.GetenvInt, "REALTIME_MAX_RECONNECTS", false, c.MaxReconnectAttempts); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("%w: backend_url is empty", shared.ErrInvalidConfig)
	}
	if c.RealtimeURL == "" {
		return fmt.Errorf("%w: realtime_url is empty", shared.ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model is empty", shared.ErrInvalidConfig)
	}
	if len(c.ICEServers) < 2 {
		return fmt.Errorf("%w: at least two ICE servers are required", shared.ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", shared.ErrInvalidConfig)
	}
	return nil
}
