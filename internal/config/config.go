package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// Session registry.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`

	// Client side.
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	FrameInterval        time.Duration `mapstructure:"frame_interval"`

	StunServers []string `mapstructure:"stun_servers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("secret", "periscope-dev-secret")
	v.SetDefault("session_idle_timeout", "5m")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("connect_timeout", "5s")
	v.SetDefault("reconnect_interval", "3s")
	v.SetDefault("reconnect_max_attempts", 5)
	v.SetDefault("frame_interval", "60ms")
	v.SetDefault("stun_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:global.stun.twilio.com:3478",
	})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
