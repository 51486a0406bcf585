package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"position_ledger/internal/config"
	apperrors "position_ledger/pkg/errors"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader. An empty path yields
// the validated defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	apperrors.RegisterPermissionCodes(cfg.Monitoring.PermissionCodes...)
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required when driver is 'sqlite'")
		}
		dir := filepath.Dir(cfg.Storage.Path)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("storage directory not found: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("storage path parent is not a directory: %s", dir)
		}
		if info, err := os.Stat(cfg.Storage.Path); err == nil {
			if mode := info.Mode().Perm(); mode&0o077 != 0 {
				return fmt.Errorf("insecure permissions on %s: %04o (should be 0600)", cfg.Storage.Path, mode)
			}
		}
	case "postgres":
		if !cfg.Storage.DSN.IsSet() {
			return fmt.Errorf("storage.dsn is required when driver is 'postgres'")
		}
	}
	return nil
}
