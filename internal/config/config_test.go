// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/filatrack/filatrack/internal/bambu"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("data dir = %q", cfg.Storage.DataDir)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if len(cfg.Printers) != 0 {
		t.Errorf("default config has %d printers", len(cfg.Printers))
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: console
storage:
  data_dir: /var/lib/filatrack
printers:
  - serial: 01S00A3B0300262
    access_code: "12345678"
    ip: 192.168.1.50
    name: Workshop
    auto_restore_k: true
    track_print_consume: true
    fetch_3mf: cloud_http
  - serial: 00M09C4A1234567
    access_code: "87654321"
    ip: 192.168.1.51
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.DataDir != "/var/lib/filatrack" {
		t.Errorf("data dir = %q", cfg.Storage.DataDir)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if len(cfg.Printers) != 2 {
		t.Fatalf("printers = %d, want 2", len(cfg.Printers))
	}
	first := cfg.Printers[0]
	if first.Serial != "01S00A3B0300262" || first.Name != "Workshop" || !first.AutoRestoreK {
		t.Errorf("first printer = %+v", first)
	}
	// An omitted fetch mode means off.
	if cfg.Printers[1].Fetch3mf != "off" {
		t.Errorf("second printer fetch mode = %q", cfg.Printers[1].Fetch3mf)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
`)
	// Double underscore separates nesting levels.
	t.Setenv("FILATRACK_LOGGING__LEVEL", "warn")
	t.Setenv("FILATRACK_SERVER__LISTEN", "0.0.0.0:9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q, environment must win over the file", cfg.Logging.Level)
	}
	if cfg.Server.Listen != "0.0.0.0:9090" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "logging:\n  level: loud\n"},
		{"bad serial", `
printers:
  - serial: not-a-serial
    access_code: "12345678"
    ip: 192.168.1.50
`},
		{"missing access code", `
printers:
  - serial: 01S00A3B0300262
    ip: 192.168.1.50
`},
		{"bad ip", `
printers:
  - serial: 01S00A3B0300262
    access_code: "12345678"
    ip: not.an.ip.addr
`},
		{"bad fetch mode", `
printers:
  - serial: 01S00A3B0300262
    access_code: "12345678"
    ip: 192.168.1.50
    fetch_3mf: carrier_pigeon
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestBambuConfig(t *testing.T) {
	e := PrinterEntry{
		Serial:            "01S00A3B0300262",
		AccessCode:        "12345678",
		IP:                "192.168.1.50",
		Name:              "Workshop",
		AutoRestoreK:      true,
		TrackPrintConsume: true,
		Fetch3mf:          "cloud_http",
	}
	got := e.BambuConfig()
	if got.Serial != e.Serial || got.IP != e.IP || got.Name != e.Name {
		t.Errorf("identity = %+v", got)
	}
	if !got.AutoRestoreK || !got.TrackPrintConsume {
		t.Errorf("feature flags = %+v", got)
	}
	if got.Fetch3mf != bambu.Fetch3mfCloudHTTP {
		t.Errorf("fetch mode = %v", got.Fetch3mf)
	}

	e.Fetch3mf = "off"
	if e.BambuConfig().Fetch3mf != bambu.Fetch3mfOff {
		t.Error("off must map to Fetch3mfOff")
	}
}
