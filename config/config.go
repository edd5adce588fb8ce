package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is the process-wide configuration surface. Everything is set at
// startup; nothing here is mutated while the server runs.
type Settings struct {
	// IngestAddr is where the capture source connects (framed protocol over WebSocket).
	IngestAddr string `mapstructure:"ingest_addr"`
	// HTTPAddr serves viewers: /offer, /control, /device-info, /health, /stats.
	HTTPAddr string `mapstructure:"http_addr"`

	BufferCapacity int `mapstructure:"buffer_capacity"`

	// HeartbeatTimeout must be well above the source's heartbeat interval (5s).
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	WDAHost       string `mapstructure:"wda_host"`
	WDAPort       int    `mapstructure:"wda_port"`
	EnableControl bool   `mapstructure:"enable_control"`

	STUNServer string `mapstructure:"stun_server"`

	Debug bool `mapstructure:"debug"`
}

func Load() (*Settings, error) {
	viper.SetDefault("ingest_addr", "0.0.0.0:8765")
	viper.SetDefault("http_addr", "0.0.0.0:8999")
	viper.SetDefault("buffer_capacity", 10)
	viper.SetDefault("heartbeat_timeout", 15*time.Second)
	viper.SetDefault("wda_host", "localhost")
	viper.SetDefault("wda_port", 8100)
	viper.SetDefault("enable_control", true)
	viper.SetDefault("stun_server", "stun:stun.l.google.com:19302")
	viper.SetDefault("debug", false)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("IOSMIRROR")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, the defaults stand.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if settings.BufferCapacity <= 0 {
		return nil, fmt.Errorf("buffer_capacity must be positive, got %d", settings.BufferCapacity)
	}

	return &settings, nil
}
