package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type MetricsConfig struct {
	Address string
	Path    string
}

type LoggingConfig struct {
	Level string
}
