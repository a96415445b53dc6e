// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package alerts delivers user-visible notifications raised by the state
// engine, such as persistence failures or rejected filament settings.
// Delivery never blocks the caller; when the sink is saturated the notice
// is dropped and counted.
package alerts

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/logging"
)

// Severity classifies a notice.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Notice is a single user-visible notification.
type Notice struct {
	Severity Severity
	Title    string
	Body     string
	Detail   string
}

// Notifier accepts notices for delivery.
type Notifier interface {
	Notify(n Notice)
}

// NopNotifier discards all notices.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Notice) {}

// Sink buffers notices on a channel and logs them from its own goroutine.
type Sink struct {
	ch      chan Notice
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewSink creates a sink with the given buffer size.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = 32
	}
	return &Sink{
		ch:     make(chan Notice, buffer),
		logger: logging.WithComponent("alerts"),
	}
}

// Notify implements Notifier. Drops the notice if the buffer is full.
func (s *Sink) Notify(n Notice) {
	select {
	case s.ch <- n:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of notices dropped due to saturation.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Serve drains the sink until ctx is canceled. Implements suture.Service.
func (s *Sink) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.ch:
			var ev *zerolog.Event
			switch n.Severity {
			case SeverityError:
				ev = s.logger.Error()
			case SeverityWarning:
				ev = s.logger.Warn()
			default:
				ev = s.logger.Info()
			}
			ev.Str("title", n.Title).Str("body", n.Body)
			if n.Detail != "" {
				ev = ev.Str("detail", n.Detail)
			}
			ev.Msg("user notification")
		}
	}
}

// String identifies the sink in supervisor logs.
func (s *Sink) String() string { return "alerts-sink" }
