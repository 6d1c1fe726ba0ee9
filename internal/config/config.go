package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"shardlock/internal/logger"
	"shardlock/internal/simulation"
)

// DefaultMaxRounds is the round budget used when none is configured.
const DefaultMaxRounds = 200

type Config struct {
	Logger  logger.Config            `yaml:"logger"`
	Metrics simulation.MetricsConfig `yaml:"metrics"`
	Journal JournalConfig            `yaml:"journal"`
	// MaxRounds bounds a run; not finishing within it is a liveness failure.
	MaxRounds int `yaml:"max_rounds"`
}

type JournalConfig struct {
	// Path of the bolt file. Empty disables the journal.
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Metrics: simulation.MetricsConfig{
			Enabled:     true,
			ServiceName: "shardlock",
		},
		MaxRounds: DefaultMaxRounds,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.MaxRounds <= 0 {
		return errors.Errorf("max_rounds must be positive, got %d", c.MaxRounds)
	}
	if c.Metrics.Enabled && c.Metrics.ServiceName == "" {
		return errors.New("metrics.service_name is required when metrics are enabled")
	}
	return nil
}
