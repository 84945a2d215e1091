package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "RELAY"
	defaultHTTPAddress   = "127.0.0.1:7430"
	defaultDatabasePath  = "relay.db"
	defaultLogLevel      = "info"
	defaultSendTimeout   = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
	defaultDrainInterval = 30 * time.Second
	defaultDrainRate     = 2.0
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress   string
	UIOrigin      string
	BackendURL    string
	DatabasePath  string
	LogLevel      string
	RecipientID   string
	SendTimeout   time.Duration
	ProbeTimeout  time.Duration
	DrainInterval time.Duration
	DrainRate     float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.ui_origin", "")
	configViper.SetDefault("backend.url", "")
	configViper.SetDefault("backend.send_timeout", defaultSendTimeout)
	configViper.SetDefault("backend.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("recipient.id", "")
	configViper.SetDefault("drain.interval", defaultDrainInterval)
	configViper.SetDefault("drain.rate", defaultDrainRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		UIOrigin:      configViper.GetString("http.ui_origin"),
		BackendURL:    configViper.GetString("backend.url"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		RecipientID:   configViper.GetString("recipient.id"),
		SendTimeout:   configViper.GetDuration("backend.send_timeout"),
		ProbeTimeout:  configViper.GetDuration("backend.probe_timeout"),
		DrainInterval: configViper.GetDuration("drain.interval"),
		DrainRate:     configViper.GetFloat64("drain.rate"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend.url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RecipientID) == "" {
		return fmt.Errorf("recipient.id is required")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("backend.send_timeout must be positive")
	}
	if c.DrainRate <= 0 {
		return fmt.Errorf("drain.rate must be positive")
	}
	return nil
}
