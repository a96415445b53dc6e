// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/filatrack/filatrack/internal/state"
)

// memStore is an in-memory FileStore for tests.
type memStore struct {
	mu         sync.Mutex
	files      map[string]string
	failWrites bool
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string]string)}
}

func (m *memStore) Read(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", state.ErrNotFound, path)
	}
	return content, nil
}

func (m *memStore) Write(path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return fmt.Errorf("write refused: %s", path)
	}
	m.files[path] = content
	return nil
}

func (m *memStore) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

// stubPublisher records published command payloads.
type stubPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *stubPublisher) Publish(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *stubPublisher) commands() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.payloads))
	for _, p := range s.payloads {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// stubSpools is a fixed-weight SpoolLookup.
type stubSpools map[string]float32

func (s stubSpools) SpoolConsumedWeight(id string) (float32, bool) {
	w, ok := s[id]
	return w, ok
}

// stubAnalyzer records analysis requests and cancellations.
type stubAnalyzer struct {
	mu       sync.Mutex
	nextJob  int32
	requests []string
	canceled []int32
}

func (a *stubAnalyzer) Request(projectID, url, gcodeFilename string) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextJob++
	a.requests = append(a.requests, projectID)
	return a.nextJob
}

func (a *stubAnalyzer) Cancel(jobNumber int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled = append(a.canceled, jobNumber)
}

const testSerial = "01S00A3B0300262"

func newTestPrinter(cfg PrinterConfig, files state.FileStore) *Printer {
	if cfg.Serial == "" {
		cfg.Serial = testSerial
	}
	if files == nil {
		files = newMemStore()
	}
	return NewPrinter(cfg, Deps{Files: files})
}

func hx(v uint32) *HexUint32 {
	h := HexUint32(v)
	return &h
}

func fu(v uint32) *FlexUint32 {
	f := FlexUint32(v)
	return &f
}

func fi(v int32) *FlexInt32 {
	f := FlexInt32(v)
	return &f
}

func sp(s string) *string { return &s }

func i32(v int32) *int32 { return &v }

func gs(s GcodeState) *GcodeState { return &s }

// fullPushMessage builds a minimal full state push: one PLA spool in tray
// 0 (read done), nothing loaded, empty external holder.
func fullPushMessage() *PrintData {
	return &PrintData{
		Ams: &PrintAms{
			TrayExistBits:    hx(0b1),
			TrayReadDoneBits: hx(0b1),
			TrayReadingBits:  hx(0),
			AmsExistBits:     hx(0b1),
			TrayTar:          fi(255),
			TrayNow:          fi(255),
			Ams: []PrintAmsData{{
				ID: 0,
				Tray: []PrintTray{{
					ID:            fu(0),
					TrayType:      sp("PLA"),
					TrayInfoIdx:   sp("GFL99"),
					TrayColor:     sp("FF0000FF"),
					NozzleTempMax: fu(230),
					NozzleTempMin: fu(190),
				}},
			}},
		},
		VtTray: &PrintTray{
			ID:          fu(254),
			TrayType:    sp(""),
			TrayInfoIdx: sp(""),
			TrayColor:   sp(""),
		},
		NozzleDiameter: sp("0.4"),
	}
}
