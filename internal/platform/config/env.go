// Package config loads process configuration from the environment. All sync
// server variables share the OGS_ prefix; flags layered on top by the caller
// take precedence over the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv populates target from environment variables according to its
// `env` struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env into %T: %w", target, err)
	}
	return nil
}
