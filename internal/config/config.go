package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	envPrefix  = "CHATSYNC"
	appDir     = "chatsync"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Flush     FlushConfig     `mapstructure:"flush"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Client    ClientConfig    `mapstructure:"client"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type BufferConfig struct {
	Path string `mapstructure:"path"`
}

type FlushConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type GeneratorConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
}

type ClientConfig struct {
	ServerURL        string `mapstructure:"server_url"`
	UserID           string `mapstructure:"user_id"`
	MaxConnections   int    `mapstructure:"max_connections"`
	HistoryCacheSize int    `mapstructure:"history_cache_size"`
	ChatsPath        string `mapstructure:"chats_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file (explicit path or the default location), the
// .env file of the working directory and CHATSYNC_* variables, in that
// order of increasing precedence.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env file: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home directory: %w", err)
	}
	setDefaults(v, homeDir)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(filepath.Join(homeDir, ".config", appDir))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, homeDir string) {
	dataDir := filepath.Join(homeDir, ".local", "share", appDir)

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.dedupe_window", 2*time.Minute)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", filepath.Join(dataDir, "chats.db"))
	v.SetDefault("buffer.path", filepath.Join(dataDir, "pending.db"))
	v.SetDefault("flush.interval", 10*time.Second)
	v.SetDefault("flush.concurrency", 4)
	v.SetDefault("shutdown.drain_timeout", 15*time.Second)
	v.SetDefault("generator.provider", "echo")
	v.SetDefault("generator.model", "")
	v.SetDefault("generator.base_url", "")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("client.server_url", "http://127.0.0.1:8080")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.max_connections", 3)
	v.SetDefault("client.history_cache_size", 32)
	v.SetDefault("client.chats_path", filepath.Join(dataDir, "chats.toml"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "pretty")
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Flush.Interval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.Flush.Concurrency <= 0 {
		return fmt.Errorf("flush concurrency must be positive")
	}
	if c.Client.MaxConnections <= 0 {
		return fmt.Errorf("client max connections must be positive")
	}
	if c.Client.HistoryCacheSize <= 0 {
		return fmt.Errorf("client history cache size must be positive")
	}
	return nil
}

// WatchLogLevel calls onChange with the new log.level whenever the config
// file changes on disk.
func WatchLogLevel(v *viper.Viper, onChange func(level string)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(v.GetString("log.level"))
	})
	v.WatchConfig()
}
