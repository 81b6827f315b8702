package httpserver

import "time"

// Config carries everything the HTTP facade needs to run.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	GatewayKeyID    string
	ShutdownTimeout time.Duration
}

// withDefaults fills the optional fields.
func (config Config) withDefaults() Config {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return config
}
