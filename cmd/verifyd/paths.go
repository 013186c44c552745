package main

import (
	"fmt"
	"os"

	"github.com/benaskins/verifyd/internal/config"
)

// loadConfig reads ~/.verifyd/config.yaml and fills in default paths.
func loadConfig() (*config.Config, error) {
	home, err := config.Home()
	if err != nil {
		return nil, fmt.Errorf("locating verifyd home: %w", err)
	}
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Resolve(home)
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return cfg, nil
}
