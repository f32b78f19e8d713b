package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/justincihi/cognisync/internal/flagx"
	"github.com/kelseyhightower/envconfig"
)

// legacyFieldKeyEnv is accepted when FIELD_ENCRYPTION_KEY is unset.
const legacyFieldKeyEnv = "DB_ENCRYPTION_KEY"

// parseEnv loads a .env file (the one named by -env-file, else ./.env when
// present) without overriding variables already set, then overlays every
// Config field whose variable is set.
func parseEnv(cfg *Config, args []string) error {
	_, envFile := flagx.ConfigFileFlags(args)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if cfg.FieldEncryptionKey == "" {
		cfg.FieldEncryptionKey = os.Getenv(legacyFieldKeyEnv)
	}
	return nil
}
