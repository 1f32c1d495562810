package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "SHOP"

var (
	// GlobalConfig holds the last successfully loaded configuration
	GlobalConfig *Config

	mu       sync.RWMutex
	loaded   *viper.Viper
	basePath string
)

// LoadConfig loads configuration from file and environment variables.
// An empty path searches ./configs and the usual parents for config.yaml.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath("/etc/shop")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Printf("Config file not found, using defaults and environment variables\n")
	}
	base := v.ConfigFileUsed()
	if base != "" {
		fmt.Printf("Using config file: %s\n", base)

		envFile := filepath.Join(filepath.Dir(v.ConfigFileUsed()), fmt.Sprintf("config.%s.yaml", Env()))
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to merge env config %s: %w", envFile, err)
			}
			fmt.Printf("Merged environment config: %s\n", envFile)
			v.SetConfigFile(base)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = cfg
	loaded = v
	basePath = base
	mu.Unlock()

	return cfg, nil
}

// bindEnvKeys registers the keys most often overridden in containers so that
// Unmarshal sees them even when the yaml file omits the key.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.port", "server.mode", "server.node_id",
		"database.host", "database.port", "database.username", "database.password", "database.dbname",
		"redis.enabled", "redis.host", "redis.port", "redis.password",
		"bus.driver", "bus.brokers",
		"payment.secret_key",
		"coupon.base_url",
		"email.operator_address", "email.smtp.enabled", "email.smtp.host", "email.smtp.password",
		"security.jwt.secret",
		"log.level",
		"tracing.enabled", "tracing.endpoint",
	} {
		_ = v.BindEnv(key)
	}
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("Config not loaded. Call LoadConfig first.")
	}
	return GlobalConfig
}

// WatchConfig reloads the configuration when the file changes and hands the
// new value to callback. Invalid edits are reported and ignored.
func WatchConfig(callback func(*Config)) {
	mu.RLock()
	v, path := loaded, basePath
	mu.RUnlock()
	if v == nil || path == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		fmt.Printf("Config file changed: %s\n", e.Name)
		cfg, err := LoadConfig(path)
		if err != nil {
			fmt.Printf("Failed to reload config: %v\n", err)
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
	v.WatchConfig()
}

// Env returns the deployment environment, dev when unset.
func Env() string {
	if env := os.Getenv(envPrefix + "_ENV"); env != "" {
		return env
	}
	return "dev"
}

// IsProduction returns true if running in production mode
func IsProduction() bool {
	env := Env()
	return env == "prod" || env == "production"
}
