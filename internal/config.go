package internal

import (
	"fmt"

	"github.com/hbomb79/Hoard/internal/api"
	"github.com/hbomb79/Hoard/internal/database"
	"github.com/hbomb79/Hoard/internal/download"
	"github.com/hbomb79/Hoard/internal/fetch"
	"github.com/hbomb79/Hoard/internal/fix"
	"github.com/hbomb79/Hoard/internal/link"
	"github.com/hbomb79/Hoard/internal/pipeline"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/safety"
	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// HoardConfig is the struct used to contain the
// various user config supplied by file, or
// by the environment.
type HoardConfig struct {
	Database   database.DatabaseConfig `yaml:"database" env-required:"true"`
	RestConfig api.RestConfig          `yaml:"rest"`
	Tools      tool.Config             `yaml:"tools"`
	Download   download.Config         `yaml:"download"`
	Safety     safety.Config           `yaml:"safety"`
	Link       link.Config             `yaml:"links"`
	Fetch      fetch.Config            `yaml:"fetch"`
	Fix        fix.Config              `yaml:"fix"`
	Retry      retry.Config            `yaml:"retry"`
	Pipeline   pipeline.Config         `yaml:"pipeline"`
	LogLevel   string                  `yaml:"log_level" env:"LOG_LEVEL" env-default:"INFO"`
}

// LoadFromFile loads a configuration file formatted in YAML in to
// the config. Environment variables override values from the file, and
// defaults are applied for anything left unset. An empty path loads the
// configuration from the environment alone.
func (config *HoardConfig) LoadFromFile(configPath string) error {
	if configPath == "" {
		if err := cleanenv.ReadEnv(config); err != nil {
			return fmt.Errorf("failed to load configuration from environment - %v", err.Error())
		}
	} else if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s - %v", configPath, err.Error())
	}

	return config.expandPaths()
}

// expandPaths expands any home-relative paths in the config
func (config *HoardConfig) expandPaths() error {
	paths := []*string{&config.Pipeline.StagingDir}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path '%s': %w", *p, err)
		}

		*p = expanded
	}

	return nil
}

// Validate checks the relationships between config values which cannot be
// expressed using the struct tags alone.
func (config *HoardConfig) Validate() error {
	if config.Link.DefaultTTLSeconds <= 0 || config.Link.MaxTTLSeconds < config.Link.DefaultTTLSeconds {
		return fmt.Errorf("link ttl bounds are invalid (default %ds, max %ds)", config.Link.DefaultTTLSeconds, config.Link.MaxTTLSeconds)
	}
	if config.Download.Concurrency <= 0 {
		return fmt.Errorf("download concurrency must be positive (got %d)", config.Download.Concurrency)
	}
	if config.Download.LeaseSeconds <= 0 {
		return fmt.Errorf("download lease must be positive (got %d)", config.Download.LeaseSeconds)
	}
	if config.Download.PollSeconds <= 0 {
		return fmt.Errorf("download poll interval must be positive (got %d)", config.Download.PollSeconds)
	}
	if config.Download.MaxJobAttempts <= 0 {
		return fmt.Errorf("download max job attempts must be positive (got %d)", config.Download.MaxJobAttempts)
	}
	if config.Pipeline.StagingDir == "" {
		return fmt.Errorf("pipeline staging directory must be set")
	}

	return nil
}
