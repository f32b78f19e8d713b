package config

import (
	"fmt"
	"os"

	"github.com/justincihi/cognisync/internal/flagx"
	"gopkg.in/yaml.v3"
)

// parseFile overlays values from the file named by -c/-config. YAML is a
// superset of JSON, so both formats are read by the same decoder; durations
// are written as strings such as "15m" or "61320h".
func parseFile(cfg *Config, args []string) error {
	path, _ := flagx.ConfigFileFlags(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
