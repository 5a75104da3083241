package config

// Package config provides a reusable loader for semnet configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"semnet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a semnet engine. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Engine struct {
		SnapshotInterval int `mapstructure:"snapshot_interval" json:"snapshot_interval"`
		EventQueueDepth  int `mapstructure:"event_queue_depth" json:"event_queue_depth"`
	} `mapstructure:"engine" json:"engine"`

	Storage struct {
		Dir     string `mapstructure:"dir" json:"dir"`
		Persist bool   `mapstructure:"persist" json:"persist"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	applyDefaults()
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("SEMNET")
	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SEMNET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SEMNET_ENV", ""))
}

func applyDefaults() {
	viper.SetDefault("engine.snapshot_interval", 256)
	viper.SetDefault("engine.event_queue_depth", 1024)
	viper.SetDefault("storage.dir", "data")
	viper.SetDefault("storage.persist", true)
	viper.SetDefault("logging.level", "info")
}
