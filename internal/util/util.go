// internal/util/util.go
package util

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/erilali/chatserver/internal/logger"
)

// RateLimitConfig bounds how many frames a single session may send.
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"` // <= 0 disables limiting
	Burst     int     `json:"burst"`
}

// Config holds everything the server reads at startup.
type Config struct {
	Host                string           `json:"host"`
	Port                int              `json:"port"`
	HTTPAddr            string           `json:"http_addr"` // empty disables the WebSocket/health listener
	MaxClients          int              `json:"max_clients"`
	MaxUsernameLength   int              `json:"max_username_length"`
	MaxMessageSize      int              `json:"max_message_size"`
	SendBuffer          int              `json:"send_buffer"`
	WriteTimeoutSeconds int              `json:"write_timeout_seconds"`
	RateLimit           RateLimitConfig  `json:"rate_limit"`
	NATSURL             string           `json:"nats_url"` // empty disables the event feed
	NATSSubject         string           `json:"nats_subject"`
	Log                 logger.LogConfig `json:"log"`
}

func DefaultConfig() Config {
	return Config{
		Host:                "localhost",
		Port:                12345,
		MaxClients:          0,
		MaxUsernameLength:   32,
		MaxMessageSize:      64 * 1024,
		SendBuffer:          256,
		WriteTimeoutSeconds: 10,
		RateLimit: RateLimitConfig{
			PerSecond: 20,
			Burst:     40,
		},
		NATSSubject: "chat.events",
		Log:         logger.DefaultLogConfig(),
	}
}

// Addr is the TCP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WriteTimeout converts WriteTimeoutSeconds to a duration.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxUsernameLength <= 0 {
		return fmt.Errorf("max_username_length must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	return nil
}

// LoadConfig loads the configuration from a JSON file on top of the defaults.
// A missing file is not an error. Environment overrides are applied last.
func LoadConfig(filePath string) (Config, error) {
	config := DefaultConfig()
	if filePath != "" {
		file, err := os.Open(filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return config, err
			}
		} else {
			defer file.Close()
			decoder := json.NewDecoder(file)
			if err := decoder.Decode(&config); err != nil {
				return config, fmt.Errorf("decoding %s: %w", filePath, err)
			}
		}
	}
	if err := ApplyEnv(&config, os.LookupEnv); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides config fields from the environment.
func ApplyEnv(config *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("CHAT_HOST"); ok && v != "" {
		config.Host = v
	}
	if v, ok := lookup("CHAT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_PORT: %w", err)
		}
		config.Port = port
	}
	if v, ok := lookup("CHAT_HTTP_ADDR"); ok {
		config.HTTPAddr = v
	}
	if v, ok := lookup("NATS_URL"); ok {
		config.NATSURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		config.Log.Level = v
	}
	return nil
}
