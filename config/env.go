package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
)

// Env holds the environment-variable settings. Values here take
// precedence over the manifest.
type Env struct {
	DBPath       string     `env:"CTRLKIT_DB_PATH"`
	ManifestPath string     `env:"CTRLKIT_MANIFEST"`
	LogLevel     slog.Level `env:"CTRLKIT_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads settings from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply folds environment overrides into the manifest.
func (e Env) Apply(m *Manifest) {
	if e.DBPath != "" {
		m.Store.Path = e.DBPath
	}
}
