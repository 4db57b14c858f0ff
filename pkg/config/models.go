package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Chat      ChatConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	SendBufferSize int           `mapstructure:"sendBufferSize"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlitePath"`
}

type ChatConfig struct {
	// PresenceGroup is the reserved broadcast group carrying room open/close
	// and presence join/leave notifications. Clients cannot join a room by
	// this name.
	PresenceGroup string `mapstructure:"presenceGroup"`
}
