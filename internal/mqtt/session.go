// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/bambu"
	"github.com/filatrack/filatrack/internal/logging"
	"github.com/filatrack/filatrack/internal/metrics"
)

const (
	// brokerPort is the printer's local MQTT listener.
	brokerPort = 8883

	// brokerUsername is fixed across all Bambu printers; the access code is
	// the password.
	brokerUsername = "bblp"

	keepAlive      = 30 * time.Second
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	reconnectWait  = 5 * time.Second
)

// Config describes one printer's MQTT endpoint.
type Config struct {
	Serial     string
	IP         string
	AccessCode string
}

// Session is the MQTT connection to one printer. It subscribes to the
// printer's report topic and publishes to its request topic, reconnecting
// and resubscribing on its own.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	client   paho.Client
	messages chan []byte
	status   chan bambu.TransportStatus
}

// NewSession creates a session for the given endpoint. The connection is
// opened by Serve.
func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:      cfg,
		logger:   logging.WithComponent("mqtt").With().Str("printer", cfg.Serial).Logger(),
		messages: make(chan []byte, 64),
		status:   make(chan bambu.TransportStatus, 4),
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", cfg.IP, brokerPort)).
		SetClientID("filatrack-" + cfg.Serial).
		SetUsername(brokerUsername).
		SetPassword(cfg.AccessCode).
		SetTLSConfig(&tls.Config{
			// Printers present a self-signed certificate.
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectWait).
		SetCleanSession(true).
		SetOrderMatters(true)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = paho.NewClient(opts)
	return s
}

func (s *Session) reportTopic() string  { return "device/" + s.cfg.Serial + "/report" }
func (s *Session) requestTopic() string { return "device/" + s.cfg.Serial + "/request" }

// onConnect runs on every (re)connect; the subscription does not survive a
// clean session and must be reissued.
func (s *Session) onConnect(c paho.Client) {
	s.logger.Info().Msg("connected, subscribing to report topic")
	token := c.Subscribe(s.reportTopic(), 1, s.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Msg("report subscription failed")
			return
		}
		metrics.Reconnects.WithLabelValues(s.cfg.Serial).Inc()
		metrics.Connected.WithLabelValues(s.cfg.Serial).Set(1)
		s.pushStatus(bambu.TransportConnected)
	}()
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	s.logger.Warn().Err(err).Msg("connection lost")
	metrics.Connected.WithLabelValues(s.cfg.Serial).Set(0)
	s.pushStatus(bambu.TransportDisconnected)
}

func (s *Session) onMessage(_ paho.Client, msg paho.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case s.messages <- payload:
	default:
		s.logger.Warn().Msg("report queue full, report dropped")
	}
}

func (s *Session) pushStatus(st bambu.TransportStatus) {
	select {
	case s.status <- st:
	default:
		s.logger.Warn().Msg("status queue full, transition dropped")
	}
}

// Messages implements bambu.Transport.
func (s *Session) Messages() <-chan []byte { return s.messages }

// Status implements bambu.Transport.
func (s *Session) Status() <-chan bambu.TransportStatus { return s.status }

// Publish sends a request payload at QoS 0. Reports echo the outcome, so
// delivery is confirmed at the protocol level instead.
func (s *Session) Publish(payload []byte) error {
	token := s.client.Publish(s.requestTopic(), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", s.requestTopic())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", s.requestTopic(), err)
	}
	return nil
}

// String implements suture's service naming.
func (s *Session) String() string {
	return "mqtt-" + s.cfg.Serial
}

// Serve implements suture.Service: it holds the connection open until the
// context ends. Reconnects are handled by the client itself.
func (s *Session) Serve(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect: %w", err)
		}
	}

	<-ctx.Done()
	s.client.Disconnect(uint(publishTimeout / time.Millisecond))
	return ctx.Err()
}
