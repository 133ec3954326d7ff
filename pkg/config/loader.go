package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file name looked up when no path is
// given.
const DefaultFile = "relayd.yaml"

// Initialize loads, merges and validates the configuration at path. A
// missing file is not an error: the built-in defaults serve alone, which
// keeps a bare `relayd` invocation working.
func Initialize(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}
	log := slog.With("config_file", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No configuration file, using defaults")
	case err != nil:
		return nil, &LoadError{File: path, Err: err}
	default:
		var loaded Config
		if err := yaml.Unmarshal(ExpandEnv(data), &loaded); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
		}
		if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
			return nil, &LoadError{File: path, Err: err}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"store_backend", cfg.Store.Backend,
		"listen_addr", cfg.Server.ListenAddr,
		"default_plan", cfg.Quota.DefaultPlan)
	return cfg, nil
}
