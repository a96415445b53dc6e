// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package config loads and validates the service configuration from
// defaults, a YAML file and FILATRACK_ environment overrides.
package config
