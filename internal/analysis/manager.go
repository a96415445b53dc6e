// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package analysis

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/filatrack/filatrack/internal/logging"
	"github.com/filatrack/filatrack/internal/metrics"
)

// maxArchiveBytes caps how much of a job archive is accepted. Sliced job
// archives are tens of megabytes at most.
const maxArchiveBytes = 256 << 20

// Result is the outcome of one analysis job.
type Result struct {
	JobNumber   int32
	Usage       []FilamentUsageEntry
	TotalLayers int32
	Err         error
}

// Manager runs filament usage analysis jobs for one printer. Jobs are
// numbered monotonically; at most one runs at a time and scheduling a new
// job cancels the previous one. Cancel with an unknown or stale job number
// is a silent no-op, which makes late cancellations after a new job has
// started harmless.
type Manager struct {
	serial  string
	logger  zerolog.Logger
	results chan Result
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]

	mu         sync.Mutex
	nextJob    int32
	currentJob int32
	cancel     context.CancelFunc
}

// NewManager creates a job manager for the given printer serial.
func NewManager(serial string) *Manager {
	return &Manager{
		serial:  serial,
		logger:  logging.WithComponent("analysis").With().Str("printer", serial).Logger(),
		results: make(chan Result, 4),
		client:  &http.Client{Timeout: 2 * time.Minute},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "3mf-fetch-" + serial,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
		}),
	}
}

// Results delivers one Result per finished (or failed) job.
func (m *Manager) Results() <-chan Result { return m.results }

// Request schedules analysis of a job archive and returns the job number.
func (m *Manager) Request(projectID, url, gcodeFilename string) int32 {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.nextJob++
	job := m.nextJob
	m.currentJob = job
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info().Int32("job", job).Str("project_id", projectID).Msg("analysis requested")
	go m.run(ctx, job, url, gcodeFilename)
	return job
}

// Cancel stops the job if it is still the current one.
func (m *Manager) Cancel(jobNumber int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobNumber != m.currentJob || m.cancel == nil {
		return
	}
	m.logger.Info().Int32("job", jobNumber).Msg("analysis canceled")
	m.cancel()
	m.cancel = nil
}

func (m *Manager) run(ctx context.Context, job int32, url, gcodeFilename string) {
	usage, layers, err := m.analyze(ctx, url, gcodeFilename)
	if ctx.Err() != nil {
		// Canceled jobs report nothing; the requester has moved on.
		return
	}
	if err != nil {
		m.logger.Warn().Int32("job", job).Err(err).Msg("analysis failed")
		metrics.AnalysisJobs.WithLabelValues(m.serial, "error").Inc()
	} else {
		metrics.AnalysisJobs.WithLabelValues(m.serial, "ok").Inc()
	}
	select {
	case m.results <- Result{JobNumber: job, Usage: usage, TotalLayers: layers, Err: err}:
	case <-ctx.Done():
	}
}

func (m *Manager) analyze(ctx context.Context, url, gcodeFilename string) ([]FilamentUsageEntry, int32, error) {
	archive, err := m.fetch(ctx, url)
	if err != nil {
		return nil, -1, err
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, -1, fmt.Errorf("analysis: open 3mf: %w", err)
	}
	var gcode *zip.File
	for _, f := range zr.File {
		if f.Name == gcodeFilename || strings.TrimPrefix(f.Name, "/") == strings.TrimPrefix(gcodeFilename, "/") {
			gcode = f
			break
		}
	}
	if gcode == nil {
		return nil, -1, fmt.Errorf("analysis: %s not found in 3mf", gcodeFilename)
	}

	rc, err := gcode.Open()
	if err != nil {
		return nil, -1, fmt.Errorf("analysis: open gcode entry: %w", err)
	}
	defer rc.Close()

	calc := NewCalc()
	buf := make([]byte, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return nil, -1, err
		}
		n, readErr := rc.Read(buf)
		if n > 0 {
			if err := calc.AddBuffer(buf[:n]); err != nil {
				return nil, -1, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, -1, fmt.Errorf("analysis: read gcode: %w", readErr)
		}
	}
	calc.Done()

	m.logger.Info().
		Int("entries", len(calc.Entries)).
		Int32("swaps", calc.FilamentSwaps).
		Float64("total_extruded_mm", float64(calc.TotalExtruded)).
		Msg("analysis complete")
	return calc.Entries, calc.TotalLayers, nil
}

// fetch downloads the job archive with retries behind a circuit breaker so
// a printer or cloud outage cannot hammer the endpoint.
func (m *Manager) fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("analysis: unsupported archive url scheme in %q", url)
	}

	var body []byte
	operation := func() error {
		data, err := m.breaker.Execute(func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := m.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("analysis: fetch status %s", resp.Status)
			}
			return io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
		})
		if err != nil {
			return err
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("analysis: fetch %s: %w", url, err)
	}
	return body, nil
}
