// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global TidepoolConfig
	once   sync.Once

	validate = validator.New()
)

// Load ensures the config is loaded into the Global variable.
//
// Resolution order: defaults, then ~/.tidepool/tidepool.yaml (created
// on first run), then TIDEPOOL_* environment variables.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

// Path returns the config file location.
func Path() (string, error) {
	if p := os.Getenv("TIDEPOOL_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".tidepool", "tidepool.yaml"), nil
}

func loadInternal() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", configPath)
		if err := createDefault(configPath); err != nil {
			return err
		}
	}
	cfg, err := loadFile(configPath)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// loadFile reads, overlays, and validates one config file.
func loadFile(path string) (TidepoolConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays TIDEPOOL_* environment variables onto cfg. Set
// variables win over file values; unset ones leave the file value
// alone.
func applyEnv(cfg *TidepoolConfig) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("TIDEPOOL_HOST", &cfg.Server.Host)
	setInt("TIDEPOOL_PORT", &cfg.Server.Port)
	setBool("TIDEPOOL_CORS_PERMISSIVE", &cfg.Server.PermissiveCORS)

	setString("TIDEPOOL_DATA_DIR", &cfg.Workspace.DataDir)

	setString("TIDEPOOL_SIMULATE_URL", &cfg.Simulate.URL)

	setString("TIDEPOOL_REPLICATE_BUCKET", &cfg.Replicate.Bucket)
	setString("TIDEPOOL_REPLICATE_PREFIX", &cfg.Replicate.Prefix)
	setString("TIDEPOOL_REPLICATE_CREDENTIALS", &cfg.Replicate.CredentialsFile)

	setString("TIDEPOOL_AUDIT_URL", &cfg.Audit.URL)
	setString("TIDEPOOL_AUDIT_TOKEN", &cfg.Audit.Token)
	setString("TIDEPOOL_AUDIT_ORG", &cfg.Audit.Org)
	setString("TIDEPOOL_AUDIT_BUCKET", &cfg.Audit.Bucket)

	setString("TIDEPOOL_LOG_LEVEL", &cfg.Logging.Level)
	setString("TIDEPOOL_LOG_DIR", &cfg.Logging.Dir)
}
