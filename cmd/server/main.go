// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/filatrack/filatrack/internal/alerts"
	"github.com/filatrack/filatrack/internal/analysis"
	"github.com/filatrack/filatrack/internal/api"
	"github.com/filatrack/filatrack/internal/bambu"
	"github.com/filatrack/filatrack/internal/config"
	"github.com/filatrack/filatrack/internal/eventbus"
	"github.com/filatrack/filatrack/internal/inventory"
	"github.com/filatrack/filatrack/internal/logging"
	"github.com/filatrack/filatrack/internal/mqtt"
	"github.com/filatrack/filatrack/internal/state"
	"github.com/filatrack/filatrack/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "filatrack:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "filatrack.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logger := logging.WithComponent("main")

	files, err := state.NewDirStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	spools, err := inventory.Open(cfg.Inventory.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := spools.Close(); err != nil {
			logger.Error().Err(err).Msg("inventory close failed")
		}
	}()

	bus := eventbus.NewBus()
	defer bus.Close()

	sink := alerts.NewSink(64)

	root := supervisor.New("filatrack")
	root.Add(sink)
	root.Add(inventory.NewSubscriber(spools, bus))

	printersSup := supervisor.New("printers")
	var printers []*bambu.Printer
	for i := range cfg.Printers {
		entry := &cfg.Printers[i]
		pcfg := entry.BambuConfig()

		analyzer := analysis.NewManager(pcfg.Serial)
		printer := bambu.NewPrinter(pcfg, bambu.Deps{
			Files:    files,
			Spools:   spools,
			Notifier: sink,
			Events:   bus,
			Analyzer: analyzer,
		})
		printers = append(printers, printer)

		session := mqtt.NewSession(mqtt.Config{
			Serial:     pcfg.Serial,
			IP:         pcfg.IP,
			AccessCode: pcfg.AccessCode,
		})

		printersSup.Add(session)
		printersSup.Add(bambu.NewService(printer, session, analyzer.Results()))
		logger.Info().
			Str("printer", pcfg.Serial).
			Str("model", printer.Model().String()).
			Msg("printer configured")
	}
	root.Add(printersSup)

	root.Add(bambu.NewFlusher(printers))
	root.Add(api.NewServer(cfg.Server.Listen, spools, printers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("printers", len(printers)).Msg("starting")
	err = root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
