// Package config loads client configuration from a YAML file and
// XAPI_-prefixed environment variables. Credentials are carried opaquely to
// the transports; nothing here talks to the device.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/roomgrid/xapi/internal/logger"
)

// Protocol names accepted in the configuration.
const (
	ProtocolWebSocket = "ws"
	ProtocolShell     = "tsh"
)

// Config is the full client configuration.
type Config struct {
	Host     string `mapstructure:"host"`
	Protocol string `mapstructure:"protocol"`
	// Port 0 selects the protocol default (443 for ws, 22 for tsh).
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`
	// TLSVerify gates certificate verification on WebSocket connections.
	// Devices commonly ship self-signed certificates, so this defaults
	// to false.
	TLSVerify bool          `mapstructure:"tls_verify"`
	Log       logger.Config `mapstructure:"log"`
}

// Load reads configuration from path (or the default lookup locations when
// path is empty) and applies env overrides. Callers validate after layering
// their own overrides on top.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("xapictl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/xapictl")
	}

	v.SetDefault("protocol", ProtocolWebSocket)
	v.SetDefault("port", 0)
	v.SetDefault("username", "admin")
	v.SetDefault("tls_verify", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stderr", true)
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.name", "xapictl.log")
	v.SetDefault("log.file.max_size_mb", 50)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 14)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("xapi")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env variables may carry
		// everything. Anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	switch c.Protocol {
	case ProtocolWebSocket, ProtocolShell:
	default:
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolWebSocket, ProtocolShell, c.Protocol)
	}
	return nil
}

// WebSocketURL builds the wss endpoint for the ws protocol.
func (c Config) WebSocketURL() string {
	port := c.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("wss://%s:%d/ws", c.Host, port)
}

// SSHAddr builds the host:port pair for the tsh protocol.
func (c Config) SSHAddr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}
