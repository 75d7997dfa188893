package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	JoinTimeout    time.Duration `mapstructure:"join_timeout"`
	PoolLowWaterMS int           `mapstructure:"pool_low_water_ms"`
	MinMuteFPS     int           `mapstructure:"min_mute_fps"`
	MaxMuteFPS     int           `mapstructure:"max_mute_fps"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
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
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("pool_low_water_ms", 100)
	v.SetDefault("min_mute_fps", 5)
	v.SetDefault("max_mute_fps", 10)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | JoinTimeout: %s\n", cfg.Mode, cfg.Port, cfg.JoinTimeout)
	return &cfg, nil
}
