// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package inventory

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/eventbus"
	"github.com/filatrack/filatrack/internal/logging"
)

// Subscriber keeps inventory records in step with tray events: a spool
// detected as removed from a tray gets its removal timestamp recorded.
type Subscriber struct {
	store  *Store
	bus    *eventbus.Bus
	logger zerolog.Logger
}

// NewSubscriber wires the store to the event bus.
func NewSubscriber(store *Store, bus *eventbus.Bus) *Subscriber {
	return &Subscriber{
		store:  store,
		bus:    bus,
		logger: logging.WithComponent("inventory"),
	}
}

// String implements suture's service naming.
func (s *Subscriber) String() string { return "inventory-subscriber" }

// Serve implements suture.Service.
func (s *Subscriber) Serve(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx, eventbus.TopicTraysUpdated)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("inventory: event subscription closed")
			}
			s.handle(msg.Payload)
			msg.Ack()
		}
	}
}

func (s *Subscriber) handle(payload []byte) {
	var event eventbus.TraysUpdatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable tray event dropped")
		return
	}
	if len(event.RemovedSpools) == 0 {
		return
	}
	now := time.Now()
	for trayID, spoolID := range event.RemovedSpools {
		err := s.store.MarkRemoved(spoolID, now)
		switch {
		case errors.Is(err, ErrNotFound):
			s.logger.Warn().
				Str("spool", spoolID).
				Int("tray", trayID).
				Msg("removed spool has no inventory record")
		case err != nil:
			s.logger.Error().Err(err).Str("spool", spoolID).Msg("removal update failed")
		default:
			s.logger.Info().
				Str("spool", spoolID).
				Str("printer", event.Serial).
				Int("tray", trayID).
				Msg("spool removed from tray")
		}
	}
}
