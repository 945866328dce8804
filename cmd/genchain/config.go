package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/ledger"
	"github.com/rendis/genchain/internal/provider"
	"github.com/rendis/genchain/internal/scheduler"
	"github.com/rendis/genchain/internal/secrets"
	"github.com/rendis/genchain/internal/storage"
)

// Config holds all genchain configuration.
// Priority: GENCHAIN_* env vars > settings file > defaults.
type Config struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	ModelsFile    string `mapstructure:"models_file"`
	Workers       int    `mapstructure:"workers"`
	MissingPolicy string `mapstructure:"missing_policy"`
	SanitizeDedup bool   `mapstructure:"sanitize_dedup"`

	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	// Events selects the live event fan-out: "memory" or "redis".
	Events struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"events"`

	Storage  storage.Config      `mapstructure:"storage"`
	Redis    storage.RedisConfig `mapstructure:"redis"`
	Provider provider.HTTPConfig `mapstructure:"provider"`
	Ledger   ledger.Config       `mapstructure:"ledger"`
	Sweep    scheduler.Config    `mapstructure:"sweep"`
	Vault    secrets.VaultConfig `mapstructure:"vault"`
}

func genchainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".genchain"
	}
	return filepath.Join(home, ".genchain")
}

func setDefaults(v *viper.Viper) {
	dir := genchainDir()
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("workers", 8)
	v.SetDefault("missing_policy", "empty")
	v.SetDefault("sanitize_dedup", false)
	v.SetDefault("database.driver", "libsql")
	v.SetDefault("database.dsn", "file:"+filepath.Join(dir, "genchain.db"))
	v.SetDefault("events.backend", "memory")
	v.SetDefault("redis.ttl", 6*24*time.Hour)
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.breaker.failure_threshold", engine.DefaultCircuitBreakerConfig().FailureThreshold)
	v.SetDefault("provider.breaker.cooldown", engine.DefaultCircuitBreakerConfig().Cooldown)
	v.SetDefault("ledger.max_attempts", ledger.DefaultConfig().MaxAttempts)
	v.SetDefault("ledger.backoff", ledger.DefaultConfig().Backoff)
	v.SetDefault("sweep.schedule", scheduler.DefaultConfig().Schedule)
	v.SetDefault("sweep.timeout", scheduler.DefaultConfig().Timeout)
	v.SetDefault("sweep.lock_path", filepath.Join(dir, "sweep.lock"))

	// Unmarshal only sees keys viper knows about, so env-only settings need
	// an empty default to be picked up.
	for _, key := range []string{
		"models_file", "provider.callback_base_url",
		"storage.endpoint", "storage.access_key", "storage.secret_key", "storage.bucket", "storage.region",
		"redis.addr", "redis.password",
		"vault.master_key", "vault.passphrase", "vault.salt",
	} {
		v.SetDefault(key, "")
	}
}

// loadConfig layers defaults, the settings file and the environment. An
// explicit path must exist; the default ~/.genchain/settings.* is optional.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(genchainDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GENCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Provider.CallbackBaseURL == "" {
		cfg.Provider.CallbackBaseURL = "http://localhost" + cfg.ListenAddr
	}
	return &cfg, nil
}
