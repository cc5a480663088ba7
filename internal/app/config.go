package app

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/jmehdipour/flowhub/internal/config"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/joho/godotenv"
)

// LoadConfig loads .env (when present) and the YAML at path, validates the
// result and initializes the process logger from it.
func LoadConfig(path string) (config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	logger.Init(cfg.App.LogLevel)
	return cfg, nil
}
