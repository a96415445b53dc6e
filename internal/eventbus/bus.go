// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package eventbus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/bambu"
	"github.com/filatrack/filatrack/internal/logging"
)

// Topics carried on the bus.
const (
	TopicTraysUpdated = "trays.updated"
	TopicConnectivity = "printer.connectivity"
)

// TraysUpdatedEvent fans out a change of a printer's tray presence state.
type TraysUpdatedEvent struct {
	Serial string `json:"serial"`

	PrevExist    *uint32 `json:"prev_exist,omitempty"`
	PrevReadDone *uint32 `json:"prev_read_done,omitempty"`
	PrevReading  *uint32 `json:"prev_reading,omitempty"`
	Exist        *uint32 `json:"exist,omitempty"`
	ReadDone     *uint32 `json:"read_done,omitempty"`
	Reading      *uint32 `json:"reading,omitempty"`

	// RemovedSpools maps wire tray ids to the spool ids that left them.
	RemovedSpools map[int]string `json:"removed_spools,omitempty"`
}

// ConnectivityEvent fans out a printer connectivity transition.
type ConnectivityEvent struct {
	Serial    string `json:"serial"`
	Connected bool   `json:"connected"`
}

// Bus is the in-process event bus printers publish state changes to.
// Implements bambu.Events.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// NewBus creates the bus.
func NewBus() *Bus {
	logger := logging.WithComponent("eventbus")
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			// Without this each publish delivers on a fresh goroutine and
			// back-to-back events can arrive reversed; connectivity
			// transitions must keep their order.
			BlockPublishUntilSubscriberAck: true,
		}, watermillAdapter{logger: logger}),
		logger: logger,
	}
}

// TraysUpdated implements bambu.Events.
func (b *Bus) TraysUpdated(serial string, prev, curr bambu.TrayBits, removedSpools map[int]string) {
	b.publish(TopicTraysUpdated, TraysUpdatedEvent{
		Serial:        serial,
		PrevExist:     prev.Exist,
		PrevReadDone:  prev.ReadDone,
		PrevReading:   prev.Reading,
		Exist:         curr.Exist,
		ReadDone:      curr.ReadDone,
		Reading:       curr.Reading,
		RemovedSpools: removedSpools,
	})
}

// ConnectStatus implements bambu.Events.
func (b *Bus) ConnectStatus(serial string, connected bool) {
	b.publish(TopicConnectivity, ConnectivityEvent{Serial: serial, Connected: connected})
}

func (b *Bus) publish(topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("event encode failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

// Subscribe delivers messages for a topic until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillAdapter routes watermill's internal logging into zerolog.
type watermillAdapter struct {
	logger zerolog.Logger
}

func (a watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error().Err(err), msg, fields)
}

func (a watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), msg, fields)
}

func (a watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), msg, fields)
}

func (a watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), msg, fields)
}

func (a watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return watermillAdapter{logger: ctx.Logger()}
}

func (a watermillAdapter) event(e *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
