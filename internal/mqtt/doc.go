// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package mqtt maintains the TLS MQTT session to a printer's local broker:
// a QoS 1 subscription on the report topic and QoS 0 publishes on the
// request topic, with automatic reconnect and resubscribe.
package mqtt
