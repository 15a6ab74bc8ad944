// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the wfenv service configuration and the YAML schema
// documents that describe activity definitions and their migrations.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/wfenv/pkg/logging"
	"github.com/AleutianAI/wfenv/services/wfenv/storage/badger"
	"github.com/AleutianAI/wfenv/services/wfenv/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   badger.Config    `yaml:"storage"`
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Schemas   SchemasConfig    `yaml:"schemas"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required"`

	// HostName names this host in checkpoints.
	HostName string `yaml:"host_name" validate:"required"`

	// RateLimit is the sustained rate of mutating requests per second.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`

	// RateBurst is the burst allowance for mutating requests.
	RateBurst int `yaml:"rate_burst" validate:"gte=1"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// PersistInterval snapshots every environment to storage periodically.
	// Zero disables periodic persistence.
	PersistInterval time.Duration `yaml:"persist_interval" validate:"gte=0"`
}

// SchemasConfig locates the activity schema documents.
type SchemasConfig struct {
	// Dir holds *.yaml schema documents. Empty disables schema loading.
	Dir string `yaml:"dir"`

	// Watch applies changed documents to running instances.
	Watch bool `yaml:"watch"`

	// Debounce batches bursts of file events.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8095",
			HostName:        "wfenv-local",
			RateLimit:       10,
			RateBurst:       20,
			ShutdownTimeout: 10 * time.Second,
			PersistInterval: time.Minute,
		},
		Storage: badger.DefaultConfig("./data/wfenv"),
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Format:  logging.FormatAuto,
			Service: "wfenv",
		},
		Telemetry: telemetry.DefaultConfig(),
		Schemas: SchemasConfig{
			Dir:      "./schemas",
			Debounce: 250 * time.Millisecond,
		},
	}
}

// Load reads the YAML file at path over DefaultConfig and validates it.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the validation tags of every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	return nil
}
