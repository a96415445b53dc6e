// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filatrack/filatrack/internal/analysis"
	"github.com/filatrack/filatrack/internal/metrics"
)

// receiveTimeout is how long the dispatcher waits for a report before
// probing the printer. Healthy printers push at least every few seconds.
const receiveTimeout = 20 * time.Second

// TransportStatus is a connectivity transition of the printer session.
type TransportStatus int

const (
	// TransportConnected fires once the report subscription is confirmed.
	TransportConnected TransportStatus = iota
	TransportDisconnected
)

// Transport is the printer's message session. Publish must be safe to call
// from multiple goroutines.
type Transport interface {
	Publisher
	Messages() <-chan []byte
	Status() <-chan TransportStatus
}

// Service is the dispatcher of one printer: the single goroutine that owns
// the printer state. It folds in reports, drains persistence requests and
// deferred tasks, applies analysis results and probes the printer when it
// goes quiet.
type Service struct {
	printer   *Printer
	transport Transport
	results   <-chan analysis.Result

	// knownToBeUp distinguishes the first receive timeout (probe with a
	// pushall) from repeated ones (stay silent until the printer returns).
	knownToBeUp bool
}

// NewService wires a printer to its transport and analysis results.
func NewService(p *Printer, t Transport, results <-chan analysis.Result) *Service {
	p.SetPublisher(t)
	return &Service{printer: p, transport: t, results: results}
}

// String implements suture's service naming.
func (s *Service) String() string {
	return "printer-" + s.printer.Serial()
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	p := s.printer

	if _, err := p.LoadPrinterState(); err != nil {
		p.logger.Error().Err(err).Msg("printer state restore failed")
	}
	if p.cfg.TrackPrintConsume {
		if _, err := p.LoadPrintProjectState(); err != nil {
			p.logger.Warn().Err(err).Msg("print job restore failed")
		}
	}

	timer := time.NewTimer(receiveTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalSave()
			return ctx.Err()

		case payload, ok := <-s.transport.Messages():
			if !ok {
				s.finalSave()
				return errors.New("bambu: transport message channel closed")
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(receiveTimeout)
			s.handleMessage(payload)

		case status, ok := <-s.transport.Status():
			if !ok {
				s.finalSave()
				return errors.New("bambu: transport status channel closed")
			}
			s.handleStatus(ctx, status)

		case result := <-s.results:
			s.handleAnalysisResult(result)

		case req := <-p.StoreRequests():
			s.handleStoreRequest(req)

		case task := <-p.LoopTasks():
			task()

		case <-timer.C:
			s.handleReceiveTimeout()
			timer.Reset(receiveTimeout)
		}
	}
}

func (s *Service) handleMessage(payload []byte) {
	p := s.printer
	s.knownToBeUp = true

	msg, err := ParseMessage(payload)
	if err != nil {
		p.logger.Warn().Err(err).Msg("undecodable report dropped")
		metrics.ReportsRejected.WithLabelValues(p.cfg.Serial, "undecodable").Inc()
		return
	}

	switch {
	case msg.Print != nil:
		if msg.Print.Result != nil && *msg.Print.Result == resultFail {
			cmd := ""
			if msg.Print.Command != nil {
				cmd = *msg.Print.Command
			}
			p.logger.Warn().Str("command", cmd).Msg("printer rejected a command")
			metrics.ReportsRejected.WithLabelValues(p.cfg.Serial, "failed").Inc()
			return
		}

		p.guard.Acquire()
		prevBits := p.TrayBitsSnapshot()
		p.guard.Release()

		p.ProcessPrintMessage(msg.Print)

		p.guard.Acquire()
		currBits := p.TrayBitsSnapshot()
		removed := p.TakeRemovedSpools()
		p.guard.Release()

		if p.events != nil && (!prevBits.Equal(currBits) || len(removed) > 0) {
			p.events.TraysUpdated(p.cfg.Serial, prevBits, currBits, removed)
		}

		metrics.ReportsProcessed.WithLabelValues(p.cfg.Serial).Inc()

		if stored, err := p.StorePrinterState(); err != nil {
			p.logger.Error().Err(err).Msg("printer state store failed")
			metrics.StateStores.WithLabelValues(p.cfg.Serial, "error").Inc()
		} else if stored {
			metrics.StateStores.WithLabelValues(p.cfg.Serial, "ok").Inc()
		}

	case msg.Info != nil:
		s.handleInfo(msg.Info)
	}
}

func (s *Service) handleInfo(info *InfoData) {
	p := s.printer
	if info.Command != CommandGetVersion {
		return
	}
	for _, m := range info.Module {
		if m.Name != "ota" || m.SwVer == nil {
			continue
		}
		p.logger.Info().Str("firmware", *m.SwVer).Msg("printer firmware version")
	}
}

func (s *Service) handleStatus(ctx context.Context, status TransportStatus) {
	p := s.printer
	connected := status == TransportConnected

	p.guard.Acquire()
	p.ReportConnectivity(connected)
	p.guard.Release()

	if connected {
		// The subscription is live; bootstrap state on the side while the
		// dispatcher keeps consuming reports.
		go p.FetchInitialInfo(ctx)
	}
}

func (s *Service) handleAnalysisResult(result analysis.Result) {
	p := s.printer
	if result.Err != nil {
		// Already logged by the analysis manager. The job keeps its
		// Requested phase; consumption stays disarmed.
		return
	}
	p.guard.Acquire()
	p.SetGcodeAnalysis(result.JobNumber, result.Usage)
	p.guard.Release()
}

func (s *Service) handleStoreRequest(req StoreRequest) {
	p := s.printer
	var err error
	switch req.Kind {
	case StoreRequestPrinterState:
		_, err = p.StorePrinterState()
	case StoreRequestPrintProject:
		err = p.StorePrintProject()
	case StoreRequestConsumeIndex:
		err = p.StoreConsumeIndexState(req.Counter)
	case StoreRequestDeletePrintProject:
		err = p.DeletePrintProjectFiles()
	default:
		err = fmt.Errorf("bambu: unknown store request kind %d", req.Kind)
	}
	if err != nil {
		p.logger.Error().Err(err).Int("kind", int(req.Kind)).Msg("store request failed")
	}
}

// handleReceiveTimeout probes a silent printer once, then stays quiet until
// it speaks again.
func (s *Service) handleReceiveTimeout() {
	if !s.knownToBeUp {
		return
	}
	s.knownToBeUp = false
	s.printer.logger.Info().Msg("no reports received, probing printer")
	s.printer.RequestFullUpdate()
}

// finalSave flushes dirty state on the way out. Queued store requests are
// drained first so a pending project store is not lost.
func (s *Service) finalSave() {
	p := s.printer
	for {
		select {
		case req := <-p.StoreRequests():
			s.handleStoreRequest(req)
			continue
		default:
		}
		break
	}
	if _, err := p.StorePrinterState(); err != nil {
		p.logger.Error().Err(err).Msg("final state store failed")
	}
}
