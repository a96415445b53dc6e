// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"strings"
	"testing"

	"github.com/filatrack/filatrack/internal/state"
)

func TestStoreSkipsWhenClean(t *testing.T) {
	p := newTestPrinter(PrinterConfig{}, nil)
	stored, err := p.StorePrinterState()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored {
		t.Error("clean printer must not write a snapshot")
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	ms := newMemStore()
	p := newTestPrinter(PrinterConfig{}, ms)
	p.ProcessPrintMessage(fullPushMessage())
	id := "spool-11"
	p.amsTrays[0].Meta.SpoolID = &id
	p.amsTrays[0].Meta.ConsumedSinceLoad = 17.5
	p.amsTraysDirty[0] = true
	p.SetPrinterName("Workshop")
	p.calibrations = []Calibration{{Extruder: 0, Diameter: "0.4", FilamentID: "GFL99", KValue: "0.020", Name: "PLA", CaliIdx: 1}}
	p.calibrationsDirty = true

	stored, err := p.StorePrinterState()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !stored {
		t.Fatal("dirty printer must write a snapshot")
	}

	q := newTestPrinter(PrinterConfig{}, ms)
	found, err := q.LoadPrinterState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("snapshot not found")
	}

	if !q.amsTrays[0].Equal(p.amsTrays[0]) || !q.amsTrays[0].Meta.Equal(p.amsTrays[0].Meta) {
		t.Errorf("tray 0 = %+v, want %+v", q.amsTrays[0], p.amsTrays[0])
	}
	if q.trayExistBits == nil || *q.trayExistBits != *p.trayExistBits {
		t.Errorf("tray exist bits = %v, want %v", q.trayExistBits, p.trayExistBits)
	}
	if q.Name() != "Workshop" {
		t.Errorf("printer name = %q, want Workshop", q.Name())
	}
	if d := q.NozzleDiameter(0); d == nil || *d != "0.4" {
		t.Errorf("nozzle diameter = %v, want 0.4", d)
	}
	if len(q.Calibrations()) != 1 || q.Calibrations()[0].KValue != "0.020" {
		t.Errorf("calibrations = %+v", q.Calibrations())
	}
}

func TestLoadNoSnapshot(t *testing.T) {
	p := newTestPrinter(PrinterConfig{}, nil)
	found, err := p.LoadPrinterState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Error("empty store reported a snapshot")
	}
}

func TestStoreSkipsWhilePendingKRestore(t *testing.T) {
	ms := newMemStore()
	p := newTestPrinter(PrinterConfig{AutoRestoreK: true}, ms)
	p.amsTraysDirty[0] = true

	stored, err := p.StorePrinterState()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored {
		t.Error("store must wait for the K restore sequence")
	}

	p.pendingKRestore = false
	stored, err = p.StorePrinterState()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !stored {
		t.Error("store must run once the K restore sequence is done")
	}
}

func TestStoreFailureRestoresDirtyFlags(t *testing.T) {
	ms := newMemStore()
	p := newTestPrinter(PrinterConfig{}, ms)
	p.amsTraysDirty[3] = true
	ms.failWrites = true

	if _, err := p.StorePrinterState(); err == nil {
		t.Fatal("expected a write error")
	}
	if !p.isStateDirty() {
		t.Fatal("failed store must leave the state dirty")
	}
	if !p.forceStoreState {
		t.Error("failed store must force the next attempt")
	}

	ms.failWrites = false
	stored, err := p.StorePrinterState()
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !stored {
		t.Error("retry must write the snapshot")
	}
	if p.isStateDirty() {
		t.Error("state still dirty after a verified store")
	}
}

// corruptStore flips the stored bytes so the read-back verification fails.
type corruptStore struct {
	*memStore
}

func (c corruptStore) Write(path, content string) error {
	return c.memStore.Write(path, content+" ")
}

func TestStoreReadBackVerification(t *testing.T) {
	p := newTestPrinter(PrinterConfig{}, corruptStore{newMemStore()})
	p.virtTraysDirty = true

	_, err := p.StorePrinterState()
	if err == nil || !strings.Contains(err.Error(), "verify") {
		t.Fatalf("expected a verify error, got %v", err)
	}
	if !p.isStateDirty() {
		t.Error("verification failure must leave the state dirty")
	}
}

func TestLoadLegacySnapshot(t *testing.T) {
	ms := newMemStore()
	legacy := `{
		"ams_trays": [
			{"state":"Ready","filament":{"Known":{"tray_info_idx":"GFL99","tray_type":"PLA","tray_color":"FF0000FF","nozzle_temp_max":230,"nozzle_temp_min":190}},"tag_info":{"id":"tag-1"},"consumed_since_load":5,"consumed_since_load_saved":0,"consumed_since_weight":0},
			{"state":"Ready","filament":"Unknown","spool_id":"gone","consumed_since_load":0,"consumed_since_load_saved":0,"consumed_since_weight":0}
		],
		"virt_tray": {"state":"Loaded","filament":{"Known":{"tray_info_idx":"GFG99","tray_type":"PETG","tray_color":"00FF00FF","nozzle_temp_max":260,"nozzle_temp_min":220}},"consumed_since_load":1,"consumed_since_load_saved":0,"consumed_since_weight":2},
		"nozzle_diameter": "0.4",
		"printer_name": "Shop"
	}`
	if err := ms.Write(state.PrinterStatePath(testSerial), legacy); err != nil {
		t.Fatal(err)
	}

	p := NewPrinter(PrinterConfig{Serial: testSerial}, Deps{
		Files:  ms,
		Spools: stubSpools{"tag-1": 123.5},
	})
	found, err := p.LoadPrinterState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("snapshot not found")
	}

	tray := p.amsTrays[0]
	if tray.Meta.SpoolID == nil || *tray.Meta.SpoolID != "tag-1" {
		t.Errorf("tag reference not migrated: %+v", tray.Meta)
	}
	if tray.Meta.LegacyTagInfo != nil {
		t.Error("legacy tag reference kept after migration")
	}
	if tray.Meta.ConsumedSinceWeight != 123.5 {
		t.Errorf("consumed weight not inherited: %v", tray.Meta.ConsumedSinceWeight)
	}

	if p.amsTrays[1].Meta.SpoolID != nil {
		t.Error("spool id without an inventory record must be dropped")
	}

	if p.virtTrays[0].State != TrayStateLoaded || !p.virtTrays[0].Filament.Known {
		t.Errorf("singular external holder not restored: %+v", p.virtTrays[0])
	}
	if p.virtTrays[1].State != TrayStateUnknown {
		t.Errorf("second holder = %v, want default", p.virtTrays[1].State)
	}
	if d := p.NozzleDiameter(0); d == nil || *d != "0.4" {
		t.Errorf("legacy nozzle diameter = %v, want 0.4", d)
	}
	if p.Name() != "Shop" {
		t.Errorf("printer name = %q, want Shop", p.Name())
	}
	if !p.isStateDirty() {
		t.Error("migration must schedule a rewrite in the new schema")
	}
}

func TestConfiguredNameWinsOverStored(t *testing.T) {
	ms := newMemStore()
	if err := ms.Write(state.PrinterStatePath(testSerial), `{"ams_trays":[],"printer_name":"Stored"}`); err != nil {
		t.Fatal(err)
	}
	p := NewPrinter(PrinterConfig{Serial: testSerial, IP: "192.168.1.10", Name: "Configured"}, Deps{Files: ms})
	if _, err := p.LoadPrinterState(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name() != "Configured" {
		t.Errorf("printer name = %q, want Configured", p.Name())
	}
}
