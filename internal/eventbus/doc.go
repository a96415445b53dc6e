// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package eventbus fans printer state changes out to in-process consumers
// over a watermill pub/sub channel.
package eventbus
