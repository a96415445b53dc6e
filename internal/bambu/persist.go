// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/filatrack/filatrack/internal/alerts"
	"github.com/filatrack/filatrack/internal/state"
)

// PersistentState is the on-disk snapshot of a printer. The singular
// virt_tray and top-level nozzle_diameter fields are legacy input from
// older snapshots and are never written back.
type PersistentState struct {
	AmsTrays         []Tray        `json:"ams_trays"`
	VirtTray         *Tray         `json:"virt_tray,omitempty"`
	VirtTrays        []Tray        `json:"virt_trays,omitempty"`
	NozzleDiameter   *string       `json:"nozzle_diameter,omitempty"`
	AmsExistBits     *uint32       `json:"ams_exist_bits,omitempty"`
	TrayExistBits    *uint32       `json:"tray_exist_bits,omitempty"`
	TrayReadDoneBits *uint32       `json:"tray_read_done_bits,omitempty"`
	Calibrations     []Calibration `json:"calibrations,omitempty"`
	PrinterName      string        `json:"printer_name,omitempty"`
	Extruders        []Extruder    `json:"extruders,omitempty"`
	ExtruderState    *int32        `json:"extruder_state,omitempty"`
}

// LoadPrinterState restores the printer from its startup snapshot. Returns
// false when no snapshot exists yet.
func (p *Printer) LoadPrinterState() (bool, error) {
	content, err := p.files.Read(state.PrinterStatePath(p.cfg.Serial))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	var ps PersistentState
	if err := json.Unmarshal([]byte(content), &ps); err != nil {
		return false, fmt.Errorf("bambu: decode state snapshot: %w", err)
	}
	p.initFromPersistentState(&ps)
	return true, nil
}

func (p *Printer) initFromPersistentState(ps *PersistentState) {
	for i := 0; i < NumAmsTrays && i < len(ps.AmsTrays); i++ {
		p.amsTrays[i] = ps.AmsTrays[i]
	}

	switch {
	case len(ps.VirtTrays) > 0:
		for i := 0; i < NumVirtTrays && i < len(ps.VirtTrays); i++ {
			p.virtTrays[i] = ps.VirtTrays[i]
		}
	case ps.VirtTray != nil:
		// Single external holder format from before dual extruder support.
		p.virtTrays[0] = *ps.VirtTray
		p.virtTrays[1] = DefaultTray()
	}

	if ps.NozzleDiameter != nil && *ps.NozzleDiameter != "" {
		d := *ps.NozzleDiameter
		p.extruders[0].Diameter = &d
		p.nozzle0.Store(&d)
	}
	for i := 0; i < NumExtruders && i < len(ps.Extruders); i++ {
		p.extruders[i] = ps.Extruders[i]
		if i == 0 && ps.Extruders[i].Diameter != nil {
			d := *ps.Extruders[i].Diameter
			p.nozzle0.Store(&d)
		}
	}
	p.extruderState = ps.ExtruderState

	p.amsExistBits = ps.AmsExistBits
	p.trayExistBits = ps.TrayExistBits
	p.trayReadDoneBits = ps.TrayReadDoneBits
	p.calibrations = ps.Calibrations

	stateName := ps.PrinterName
	if stateName == "" {
		stateName = UnknownPrinterName
	}
	if p.cfg.IP != "" {
		// A statically configured printer keeps its configured name; the
		// stored one only fills the gap when no name was configured.
		if p.printerName == UnknownPrinterName && stateName != UnknownPrinterName {
			p.printerName = stateName
		}
	} else if stateName != UnknownPrinterName {
		p.printerName = stateName
	}

	p.migrateTrayMeta()
}

// migrateTrayMeta upgrades per-tray bookkeeping from older snapshot
// schemas: tag references become spool ids, and spools without a recorded
// consumed weight inherit it from the inventory record. A spool id whose
// inventory record is gone is dropped.
func (p *Printer) migrateTrayMeta() {
	ids := make([]int, 0, NumAmsTrays+NumVirtTrays)
	for i := 0; i < NumAmsTrays; i++ {
		ids = append(ids, i)
	}
	ids = append(ids, TrayIDExternal1, TrayIDExternal0)

	for _, id := range ids {
		tray := p.GetAnyTray(id)
		if tray == nil {
			continue
		}
		if tag := tray.Meta.LegacyTagInfo; tag != nil {
			if tag.ID != nil && tray.Meta.SpoolID == nil {
				spoolID := *tag.ID
				tray.Meta.SpoolID = &spoolID
				p.forceStoreState = true
			}
			tray.Meta.LegacyTagInfo = nil
		}
		if tray.Meta.SpoolID != nil && tray.Meta.ConsumedSinceWeight == 0 && p.spools != nil {
			if w, ok := p.spools.SpoolConsumedWeight(*tray.Meta.SpoolID); ok {
				if w != 0 {
					tray.Meta.ConsumedSinceWeight = w
					p.forceStoreState = true
				}
			} else {
				tray.Meta.SpoolID = nil
				p.forceStoreState = true
			}
		}
	}
}

// dirtySnapshot captures every dirty flag so a failed store can be undone.
type dirtySnapshot struct {
	force            bool
	extruders        bool
	amsTrays         [NumAmsTrays]bool
	virtTrays        bool
	trayExistBits    bool
	trayReadDoneBits bool
	amsExistBits     bool
	calibrations     bool
	printerName      bool
	extruderState    bool
}

func (p *Printer) takeDirtySnapshot() dirtySnapshot {
	snap := dirtySnapshot{
		force:            p.forceStoreState,
		extruders:        p.extrudersDirty,
		amsTrays:         p.amsTraysDirty,
		virtTrays:        p.virtTraysDirty,
		trayExistBits:    p.trayExistBitsDirty,
		trayReadDoneBits: p.trayReadDoneBitsDirty,
		amsExistBits:     p.amsExistBitsDirty,
		calibrations:     p.calibrationsDirty,
		printerName:      p.printerNameDirty,
		extruderState:    p.relevantExtruderStateDirty,
	}
	p.forceStoreState = false
	p.extrudersDirty = false
	p.amsTraysDirty = [NumAmsTrays]bool{}
	p.virtTraysDirty = false
	p.trayExistBitsDirty = false
	p.trayReadDoneBitsDirty = false
	p.amsExistBitsDirty = false
	p.calibrationsDirty = false
	p.printerNameDirty = false
	p.relevantExtruderStateDirty = false
	return snap
}

// undoStore restores the dirty flags captured before a failed store. The
// force flag guarantees a retry even if nothing changes in the meantime.
func (p *Printer) undoStore(snap dirtySnapshot, code string) {
	p.forceStoreState = true
	p.extrudersDirty = p.extrudersDirty || snap.extruders
	for i := range p.amsTraysDirty {
		p.amsTraysDirty[i] = p.amsTraysDirty[i] || snap.amsTrays[i]
	}
	p.virtTraysDirty = p.virtTraysDirty || snap.virtTrays
	p.trayExistBitsDirty = p.trayExistBitsDirty || snap.trayExistBits
	p.trayReadDoneBitsDirty = p.trayReadDoneBitsDirty || snap.trayReadDoneBits
	p.amsExistBitsDirty = p.amsExistBitsDirty || snap.amsExistBits
	p.calibrationsDirty = p.calibrationsDirty || snap.calibrations
	p.printerNameDirty = p.printerNameDirty || snap.printerName
	p.relevantExtruderStateDirty = p.relevantExtruderStateDirty || snap.extruderState

	p.notifyUser(alerts.SeverityError, "State Store Error", code)
}

func (p *Printer) isStateDirty() bool {
	return p.anyTrayDirty() ||
		p.virtTraysDirty ||
		p.extrudersDirty ||
		p.amsExistBitsDirty ||
		p.trayExistBitsDirty ||
		p.trayReadDoneBitsDirty ||
		p.calibrationsDirty ||
		p.printerNameDirty ||
		p.forceStoreState ||
		p.relevantExtruderStateDirty
}

func (p *Printer) buildPersistentState() PersistentState {
	amsTrays := make([]Tray, NumAmsTrays)
	copy(amsTrays, p.amsTrays[:])
	virtTrays := make([]Tray, NumVirtTrays)
	copy(virtTrays, p.virtTrays[:])
	extruders := make([]Extruder, NumExtruders)
	copy(extruders, p.extruders[:])
	calibrations := make([]Calibration, len(p.calibrations))
	copy(calibrations, p.calibrations)

	return PersistentState{
		AmsTrays:         amsTrays,
		VirtTrays:        virtTrays,
		AmsExistBits:     u32PtrClone(p.amsExistBits),
		TrayExistBits:    u32PtrClone(p.trayExistBits),
		TrayReadDoneBits: u32PtrClone(p.trayReadDoneBits),
		Calibrations:     calibrations,
		PrinterName:      p.printerName,
		Extruders:        extruders,
		ExtruderState:    p.extruderState,
	}
}

// StorePrinterState persists the printer snapshot if anything is dirty.
// The write is verified by reading the file back and comparing bytes; any
// failure restores the dirty flags so the next attempt retries the full
// snapshot. While a K restore sequence is still pending the store is
// skipped: trays may hold pre-disconnect calibration state that must not
// overwrite the stored snapshot.
//
// Returns whether a snapshot was written.
func (p *Printer) StorePrinterState() (bool, error) {
	p.guard.Acquire()

	if p.cfg.AutoRestoreK && p.pendingKRestore {
		p.guard.Release()
		return false, nil
	}
	if !p.isStateDirty() {
		p.guard.Release()
		return false, nil
	}

	snap := p.takeDirtySnapshot()
	ps := p.buildPersistentState()
	serialized, err := json.Marshal(&ps)
	p.guard.Release()

	path := state.PrinterStatePath(p.cfg.Serial)

	fail := func(code string, cause error) (bool, error) {
		p.guard.Acquire()
		p.undoStore(snap, code)
		p.guard.Release()
		if cause != nil {
			return false, fmt.Errorf("bambu: store printer state (%s): %w", code, cause)
		}
		return false, fmt.Errorf("bambu: store printer state (%s)", code)
	}

	if err != nil {
		return fail("serialize", err)
	}
	if len(serialized) == 0 {
		return fail("empty", nil)
	}
	if err := p.files.Write(path, string(serialized)); err != nil {
		return fail("write", err)
	}
	readBack, err := p.files.Read(path)
	if err != nil {
		return fail("read_back", err)
	}
	if readBack != string(serialized) {
		return fail("verify", nil)
	}

	p.logger.Debug().Int("bytes", len(serialized)).Msg("printer state stored")
	return true, nil
}
