package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/scheduler"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "SPANREED"

type SessionConfig struct {
	IncomingQueueLength uint32        `mapstructure:"incoming_queue_length"`
	OutgoingQueueLength uint32        `mapstructure:"outgoing_queue_length"`
	RegistrationTimeout time.Duration `mapstructure:"registration_timeout"`
}

type OriginConfig struct {
	AllowAll bool     `mapstructure:"allow_all"`
	Allowed  []string `mapstructure:"allowed"`
	Denied   []string `mapstructure:"denied"`
}

type Config struct {
	Hub struct {
		LogLevel      string `mapstructure:"log_level"`
		ServerVersion string `mapstructure:"server_version"`
		// Rewrite payload keys per client, see transform.CasingMetadataKey
		CasingTransform bool `mapstructure:"casing_transform"`
	} `mapstructure:"hub"`

	Routing struct {
		MaxRetryCount int `mapstructure:"max_retry_count"`
		// Keyed by priority name (Low, Normal, High, Critical)
		RetryDelays    map[string][]string `mapstructure:"retry_delays"`
		ExpiryInterval time.Duration       `mapstructure:"expiry_interval"`
		ExpiryTTL      time.Duration       `mapstructure:"expiry_ttl"`
	} `mapstructure:"routing"`

	Session SessionConfig `mapstructure:"session"`

	WebSocket struct {
		Enabled        bool         `mapstructure:"enabled"`
		ListenAddress  string       `mapstructure:"listen_address"`
		Endpoint       string       `mapstructure:"endpoint"`
		MaxMessageSize int64        `mapstructure:"max_message_size"`
		Origins        OriginConfig `mapstructure:"origins"`
	} `mapstructure:"websocket"`

	WebTransport struct {
		Enabled       bool         `mapstructure:"enabled"`
		ListenAddress string       `mapstructure:"listen_address"`
		Endpoint      string       `mapstructure:"endpoint"`
		CertPath      string       `mapstructure:"cert_path"`
		KeyPath       string       `mapstructure:"key_path"`
		MaxFrameSize  uint32       `mapstructure:"max_frame_size"`
		Origins       OriginConfig `mapstructure:"origins"`
	} `mapstructure:"webtransport"`

	Udp struct {
		Enabled         bool          `mapstructure:"enabled"`
		ListenAddress   string        `mapstructure:"listen_address"`
		MagicNumber     uint32        `mapstructure:"magic_number"`
		Version         uint8         `mapstructure:"version"`
		MaxDatagramSize int           `mapstructure:"max_datagram_size"`
		SessionTimeout  time.Duration `mapstructure:"session_timeout"`
	} `mapstructure:"udp"`

	Nats struct {
		Enabled        bool          `mapstructure:"enabled"`
		Url            string        `mapstructure:"url"`
		SubjectPrefix  string        `mapstructure:"subject_prefix"`
		SessionTimeout time.Duration `mapstructure:"session_timeout"`
	} `mapstructure:"nats"`

	Metrics struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Path          string `mapstructure:"path"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.log_level", "info")
	v.SetDefault("hub.server_version", "0.1.0")
	v.SetDefault("hub.casing_transform", false)

	defaults := scheduler.DefaultRetryPolicy()
	delays := map[string][]string{}
	for priority, list := range defaults.Delays {
		for _, d := range list {
			delays[priority.String()] = append(delays[priority.String()], d.String())
		}
	}
	v.SetDefault("routing.max_retry_count", defaults.MaxRetryCount)
	v.SetDefault("routing.retry_delays", delays)
	v.SetDefault("routing.expiry_interval", "5m")
	v.SetDefault("routing.expiry_ttl", "5m")

	v.SetDefault("session.incoming_queue_length", 16)
	v.SetDefault("session.outgoing_queue_length", 16)
	v.SetDefault("session.registration_timeout", "10s")

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.listen_address", ":3000")
	v.SetDefault("websocket.endpoint", "/ws")
	v.SetDefault("websocket.max_message_size", 1<<20)
	v.SetDefault("websocket.origins.allow_all", false)
	v.SetDefault("websocket.origins.allowed", []string{"http://localhost:3000"})
	v.SetDefault("websocket.origins.denied", []string{})

	v.SetDefault("webtransport.enabled", false)
	v.SetDefault("webtransport.listen_address", ":3001")
	v.SetDefault("webtransport.endpoint", "/wt")
	v.SetDefault("webtransport.cert_path", "")
	v.SetDefault("webtransport.key_path", "")
	v.SetDefault("webtransport.max_frame_size", 1<<20)
	v.SetDefault("webtransport.origins.allow_all", false)
	v.SetDefault("webtransport.origins.allowed", []string{"http://localhost:3000"})
	v.SetDefault("webtransport.origins.denied", []string{})

	v.SetDefault("udp.enabled", false)
	v.SetDefault("udp.listen_address", ":30321")
	v.SetDefault("udp.magic_number", message.DefaultDatagramMagicNumber)
	v.SetDefault("udp.version", message.DefaultDatagramVersion)
	v.SetDefault("udp.max_datagram_size", 8192)
	v.SetDefault("udp.session_timeout", "1m")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "spanreed")
	v.SetDefault("nats.session_timeout", "1m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_address", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads an optional YAML file, then lets SPANREED_* environment
// variables override any key (SPANREED_UDP_ENABLED=true overrides
// udp.enabled). An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if _, err := c.RetryPolicy(); err != nil {
		return nil, err
	}
	if _, err := c.LogLevel(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) RetryPolicy() (scheduler.RetryPolicy, error) {
	policy := scheduler.RetryPolicy{
		MaxRetryCount: c.Routing.MaxRetryCount,
		Delays:        make(map[message.MessagePriority][]time.Duration),
	}

	for name, list := range c.Routing.RetryDelays {
		priority, err := message.ParseMessagePriority(name)
		if err != nil {
			return scheduler.RetryPolicy{}, fmt.Errorf("routing.retry_delays: %w", err)
		}

		delays := make([]time.Duration, 0, len(list))
		for _, raw := range list {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return scheduler.RetryPolicy{}, fmt.Errorf("routing.retry_delays.%s: %w", name, err)
			}
			delays = append(delays, d)
		}
		policy.Delays[priority] = delays
	}

	if err := policy.Validate(); err != nil {
		return scheduler.RetryPolicy{}, err
	}
	return policy, nil
}

func (c *Config) LogLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.Hub.LogLevel)
}
