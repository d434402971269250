package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Persist struct {
	Driver string `mapstructure:"driver"` // none | sqlite | redis
	DSN    string `mapstructure:"dsn"`
}

type Auth struct {
	Mode   string `mapstructure:"mode"` // none | jwt
	Secret string `mapstructure:"secret"`
}

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`

	GracePeriod   time.Duration `mapstructure:"grace_period"`
	RoomLinger    time.Duration `mapstructure:"room_linger"`
	PresenceFlush time.Duration `mapstructure:"presence_flush"`

	Persist Persist `mapstructure:"persist"`
	Auth    Auth    `mapstructure:"auth"`
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
	v.SetDefault("secret", "annotsync-dev-secret")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 120)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("grace_period", "30s")
	v.SetDefault("room_linger", "60s")
	v.SetDefault("presence_flush", "40ms")
	v.SetDefault("persist.driver", "none")
	v.SetDefault("persist.dsn", "annotsync.db")
	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.secret", "")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("persist", cfg.Persist.Driver).Str("auth", cfg.Auth.Mode).
		Msg("effective config")
	return &cfg, nil
}
