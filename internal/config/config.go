// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/filatrack/filatrack/internal/bambu"
)

// envPrefix namespaces the environment overrides, e.g.
// FILATRACK_LOGGING__LEVEL=debug.
const envPrefix = "FILATRACK_"

// Config is the full service configuration.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Storage   StorageConfig   `koanf:"storage"`
	Inventory InventoryConfig `koanf:"inventory"`
	Server    ServerConfig    `koanf:"server"`
	Printers  []PrinterEntry  `koanf:"printers" validate:"dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StorageConfig locates the printer state directory.
type StorageConfig struct {
	DataDir string `koanf:"data_dir" validate:"required"`
}

// InventoryConfig locates the spool database.
type InventoryConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// ServerConfig controls the HTTP endpoint for health and metrics.
type ServerConfig struct {
	Listen string `koanf:"listen" validate:"required,hostname_port"`
}

// PrinterEntry configures one printer.
type PrinterEntry struct {
	Serial     string `koanf:"serial" validate:"required,alphanum,len=15"`
	AccessCode string `koanf:"access_code" validate:"required"`
	IP         string `koanf:"ip" validate:"required,ip"`
	Name       string `koanf:"name"`

	AutoRestoreK      bool   `koanf:"auto_restore_k"`
	TrackPrintConsume bool   `koanf:"track_print_consume"`
	Fetch3mf          string `koanf:"fetch_3mf" validate:"oneof=off cloud_http"`
}

// BambuConfig converts the entry to the printer package's configuration.
func (e *PrinterEntry) BambuConfig() bambu.PrinterConfig {
	mode := bambu.Fetch3mfOff
	if e.Fetch3mf == "cloud_http" {
		mode = bambu.Fetch3mfCloudHTTP
	}
	return bambu.PrinterConfig{
		Serial:            e.Serial,
		AccessCode:        e.AccessCode,
		IP:                e.IP,
		Name:              e.Name,
		AutoRestoreK:      e.AutoRestoreK,
		TrackPrintConsume: e.TrackPrintConsume,
		Fetch3mf:          mode,
	}
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{DataDir: "./data"},
		Inventory: InventoryConfig{
			Dir: "./data/inventory",
		},
		Server: ServerConfig{Listen: "127.0.0.1:8080"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// FILATRACK_ environment overrides, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	// FILATRACK_SERVER__LISTEN=0.0.0.0:8080 maps to server.listen; the
	// double underscore separates nesting levels so keys with single
	// underscores stay intact.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Omitted per-printer fetch mode means off.
	for i := range cfg.Printers {
		if cfg.Printers[i].Fetch3mf == "" {
			cfg.Printers[i].Fetch3mf = "off"
		}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}
