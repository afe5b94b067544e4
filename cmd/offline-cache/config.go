package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Version      string                    `yaml:"version"`
	Origin       string                    `yaml:"origin"`
	Port         int                       `yaml:"port"`
	Fallback     string                    `yaml:"fallback"`
	SkipWaiting  bool                      `yaml:"skipWaiting"`
	Manifest     []string                  `yaml:"manifest"`
	Storage      StorageConfig             `yaml:"storage"`
	Install      InstallConfig             `yaml:"install"`
	Clients      ClientsConfig             `yaml:"clients"`
	Notification offlinecache.Notification `yaml:"notification"`
	Sync         SyncConfig                `yaml:"sync"`
}

type StorageConfig struct {
	// sqlite, memory, leveldb or redis
	Provider string      `yaml:"provider"`
	Path     string      `yaml:"path"`
	Redis    RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type InstallConfig struct {
	Concurrency   int      `yaml:"concurrency"`
	Timeout       Duration `yaml:"timeout"`
	RetryInterval Duration `yaml:"retryInterval"`
}

type ClientsConfig struct {
	IdleTimeout   Duration `yaml:"idleTimeout"`
	SweepInterval Duration `yaml:"sweepInterval"`
}

type SyncConfig struct {
	// Tags answered by the placeholder sync handler.
	Tags []string `yaml:"tags"`
}

// Duration is a time.Duration written as a Go duration string in YAML, e.g. "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func defaultConfig() Config {
	return Config{
		Version:     offlinecache.DefaultVersion,
		Port:        8080,
		Fallback:    offlinecache.DefaultFallback,
		SkipWaiting: true,
		Manifest:    append([]string(nil), offlinecache.DefaultManifest...),
		Storage: StorageConfig{
			Provider: "sqlite",
			Path:     "cache.db",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "offline-cache",
			},
		},
		Install: InstallConfig{
			Concurrency:   4,
			Timeout:       Duration(time.Minute),
			RetryInterval: Duration(30 * time.Second),
		},
		Clients: ClientsConfig{
			IdleTimeout:   Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Notification: offlinecache.DefaultNotification(),
		Sync: SyncConfig{
			Tags: []string{"sync-data"},
		},
	}
}

// loadConfig reads the config file over the defaults and applies environment overrides.
// A missing file is only an error if required is set.
func loadConfig(filename string, required bool) (Config, error) {
	// load .env file if it exists
	_ = godotenv.Load()

	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil && (required || !errors.Is(err, fs.ErrNotExist)) {
			return config, err
		}
		if err == nil {
			if err := yaml.Unmarshal(configBytes, &config); err != nil {
				return config, fmt.Errorf("parse %s: %w", filename, err)
			}
		}
	}
	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return config, err
	}
	return config, nil
}

func applyEnv(config *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("OFFLINE_CACHE_ORIGIN"); ok {
		config.Origin = v
	}
	if v, ok := lookup("OFFLINE_CACHE_VERSION"); ok {
		config.Version = v
	}
	if v, ok := lookup("OFFLINE_CACHE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFLINE_CACHE_PORT: %w", err)
		}
		config.Port = port
	}
	if v, ok := lookup("OFFLINE_CACHE_STORAGE"); ok {
		config.Storage.Provider = v
	}
	if v, ok := lookup("OFFLINE_CACHE_DB"); ok {
		config.Storage.Path = v
	}
	if v, ok := lookup("OFFLINE_CACHE_REDIS_ADDR"); ok {
		config.Storage.Redis.Addr = v
	}
	return nil
}

func (c Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("please specify origin")
	}
	if _, err := c.originURL(); err != nil {
		return err
	}
	if c.Version == "" {
		return fmt.Errorf("version must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Storage.Provider {
	case "sqlite", "memory", "leveldb", "redis":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	return nil
}

func (c Config) originURL() (url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, fmt.Errorf("could not parse origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return url.URL{}, fmt.Errorf("origin must be an absolute URL: %s", c.Origin)
	}
	return *u, nil
}
