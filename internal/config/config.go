package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	Realtime RealtimeConfig `mapstructure:"realtime"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

// RealtimeConfig covers the socket to the remote inference service.
type RealtimeConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Voice        string        `mapstructure:"voice"`
	Instructions string        `mapstructure:"instructions"`
	Greeting     string        `mapstructure:"greeting"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// AudioConfig covers both directions of the PCM pipeline.
type AudioConfig struct {
	PlatformRate int           `mapstructure:"platform_rate"`
	RemoteRate   int           `mapstructure:"remote_rate"`
	Debounce     time.Duration `mapstructure:"debounce"`
	CommitGuard  time.Duration `mapstructure:"commit_guard"`
	MinTurn      time.Duration `mapstructure:"min_turn"`
}

type LimitsConfig struct {
	MaxTurns       int           `mapstructure:"max_turns"`
	MaxSession     time.Duration `mapstructure:"max_session"`
	TaskQueueDepth int           `mapstructure:"task_queue_depth"`
}

type DiscordConfig struct {
	Token string `mapstructure:"token"`
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

	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.model", "gpt-4o-realtime-preview")
	v.SetDefault("realtime.voice", "alloy")
	v.SetDefault("realtime.greeting", "Greet the call briefly and wait.")
	v.SetDefault("realtime.initial_delay", "1s")
	v.SetDefault("realtime.max_delay", "30s")
	v.SetDefault("realtime.multiplier", 2.0)
	v.SetDefault("realtime.max_attempts", 5)

	v.SetDefault("audio.platform_rate", 48000)
	v.SetDefault("audio.remote_rate", 24000)
	v.SetDefault("audio.debounce", "300ms")
	v.SetDefault("audio.commit_guard", "100ms")
	v.SetDefault("audio.min_turn", "100ms")

	v.SetDefault("limits.max_turns", 200)
	v.SetDefault("limits.max_session", "30m")
	v.SetDefault("limits.task_queue_depth", 256)

	v.BindEnv("realtime.api_key", "OPENAI_API_KEY")
	v.BindEnv("discord.token", "DISCORD_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Model: %s\n", cfg.Mode, cfg.Port, cfg.Realtime.Model)
	return &cfg, nil
}
