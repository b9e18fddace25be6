package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable that overrides relaySecret from the config file so
// the secret can be kept out of checked-in configs.
const RelaySecretEnv = "RELAY_SECRET"

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type SessionsConfig struct {
	HeartbeatInterval        time.Duration `yaml:"heartbeatInterval"`
	SendBufferSize           int           `yaml:"sendBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Publish   RateLimiterConfig `yaml:"publish"`
	Subscribe RateLimiterConfig `yaml:"subscribe"`
	Default   RateLimiterConfig `yaml:"default"`
}

type Config struct {
	HttpBinding string `yaml:"httpBinding"`

	// RelaySecret guards the ingestion endpoint. Leaving it empty
	// disables publisher authorization entirely - that is a deliberate
	// opt-in for closed networks, not an accident, and the server logs
	// a warning at startup when it is unset.
	RelaySecret string `yaml:"relaySecret,omitempty"`

	TrustedProxies []string `yaml:"trustedProxies,omitempty"`

	TLS          TLS            `yaml:"tls,omitempty"`
	Sessions     SessionsConfig `yaml:"sessions"`
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable               = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable           = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing                 = errors.New("httpBinding is missing in config")
	ErrTLSMissing                         = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrSessionsHeartbeatIntervalMissing   = errors.New("sessions.heartbeatInterval is missing or invalid in config")
	ErrSessionsSendBufferSizeMissing      = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing      = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrSessionsWSReadBufferSizeMissing    = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWSWriteBufferSizeMissing   = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrRateLimitersPublishLimitMissing    = errors.New("rateLimiters.publish.limit is missing in config")
	ErrRateLimitersSubscribeLimitMissing  = errors.New("rateLimiters.subscribe.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing    = errors.New("rateLimiters.default.limit is missing in config")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if secret := os.Getenv(RelaySecretEnv); secret != "" {
		cfg.RelaySecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if cfg.Sessions.HeartbeatInterval <= 0 {
		return ErrSessionsHeartbeatIntervalMissing
	}
	if cfg.Sessions.SendBufferSize <= 0 {
		return ErrSessionsSendBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWSReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWSWriteBufferSizeMissing
	}

	if cfg.RateLimiters.Publish.Limit == 0 {
		return ErrRateLimitersPublishLimitMissing
	}
	if cfg.RateLimiters.Subscribe.Limit == 0 {
		return ErrRateLimitersSubscribeLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	return nil
}

// GenerateConfig returns a default configuration suitable for writing out
// with --generate-config on first run.
func GenerateConfig() *Config {
	return &Config{
		HttpBinding: "127.0.0.1:8080",
		RelaySecret: "please_change_this_secret_in_production_!!!",
		Sessions: SessionsConfig{
			HeartbeatInterval:        15 * time.Second,
			SendBufferSize:           256,
			MaxConnections:           1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
		},
		RateLimiters: RateLimiters{
			Publish:   RateLimiterConfig{Limit: 200.0, Burst: 400},
			Subscribe: RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default:   RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
	}
}
