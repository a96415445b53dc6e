// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"strconv"
	"strings"
)

// lockedModeBit in the "fun" capability word marks a printer running in
// locked (read-only) mode.
const lockedModeBit = 0x20000000

// ProcessPrintMessage folds one "print" report into the printer state.
// Must run on the dispatcher goroutine.
func (p *Printer) ProcessPrintMessage(msg *PrintData) {
	p.guard.Acquire()
	defer p.guard.Release()

	if msg.SequenceID != nil {
		p.logger.Debug().Str("sequence_id", *msg.SequenceID).Msg("print report")
	}

	command := ""
	if msg.Command != nil {
		command = *msg.Command
	}
	switch command {
	case CommandAmsFilamentSetting:
		p.handleAmsFilamentSetting(msg)
	case CommandExtrusionCaliSet, CommandExtrusionCaliDel:
		// The printer does not push the updated profile list; ask for it.
		if d := p.NozzleDiameter(0); d != nil {
			p.FetchFilamentCalibrations(*d)
		}
	case CommandExtrusionCaliSel:
		p.handleExtrusionCaliSel(msg)
	case CommandExtrusionCaliGet:
		p.handleExtrusionCaliGet(msg)
	case CommandProjectFile:
		p.handleProjectFile(msg)
	default:
		p.processCommon(msg)
		p.resumeLoadedProject(msg)
	}
}

// processCommon handles status pushes: lifecycle, nozzle and extruder
// hardware, AMS content and the external holders.
func (p *Printer) processCommon(msg *PrintData) {
	if msg.Fun != nil {
		if fun, err := strconv.ParseUint(*msg.Fun, 16, 64); err == nil {
			locked := fun&lockedModeBit != 0
			if p.lockedMode == nil || *p.lockedMode != locked {
				p.logger.Info().Bool("locked", locked).Msg("printer lock mode")
			}
			p.lockedMode = &locked
		}
	}

	// A push carrying both the AMS block and the external holder block is a
	// full state push; only those are trustworthy enough to anchor the
	// post-reconnect K restore comparison.
	fullPush := msg.Ams != nil && (msg.VtTray != nil || len(msg.VirSlot) > 0)

	var kSnap *kRestoreSnapshot
	if fullPush && p.cfg.AutoRestoreK && p.printerWasDisconnected {
		kSnap = p.takeKRestoreSnapshot()
	}

	if p.currPrintProject != nil {
		p.processPrintProject(msg)
	}

	if msg.GcodeState != nil {
		p.gcodeState = *msg.GcodeState
	}
	if msg.LayerNum != nil {
		p.layerNum = *msg.LayerNum
	}

	if msg.Device != nil && msg.Device.Nozzle != nil && len(msg.Device.Nozzle.Info) > 0 {
		for _, n := range msg.Device.Nozzle.Info {
			if id := int(n.ID); id < NumExtruders {
				p.SetExtruderInfo(id, n.Diameter, n.Type)
			}
		}
	} else if msg.NozzleDiameter != nil {
		p.SetNozzleDiameter(0, *msg.NozzleDiameter)
	}

	trayFeedChanged := p.processTrayFeed(msg)

	if msg.Ams != nil {
		p.processAms(msg.Ams)
	}

	switch {
	case len(msg.VirSlot) > 0:
		for i := range msg.VirSlot {
			ext := 0
			if msg.VirSlot[i].ID != nil && int(*msg.VirSlot[i].ID) == TrayIDExternal1 {
				ext = 1
			}
			p.processVtTray(ext, &msg.VirSlot[i])
		}
	case msg.VtTray != nil:
		p.processVtTray(0, msg.VtTray)
	case trayFeedChanged:
		p.rederiveExternalStates()
	}

	if fullPush && p.cfg.AutoRestoreK && p.printerWasDisconnected {
		p.printerWasDisconnected = false
		if kSnap != nil && p.kRestoreNeeded(kSnap) {
			go p.fixKOnRestart(kSnap)
		} else {
			p.pendingKRestore = false
		}
	}
}

// processTrayFeed updates which tray feeds which extruder. Multi-extruder
// models report packed codes per extruder in the device block; older
// models report flat ids on the AMS block for extruder 0. Returns whether
// anything changed.
func (p *Printer) processTrayFeed(msg *PrintData) bool {
	changed := false

	if msg.Device != nil && msg.Device.Extruder != nil {
		ext := msg.Device.Extruder
		if ext.State != nil {
			if p.SetExtruderState(*ext.State) {
				changed = true
			}
		}
		for _, info := range ext.Info {
			e := int(info.ID)
			if e >= NumExtruders {
				continue
			}
			if info.Snow != nil {
				if v := int32(normalizedH2DTrayCode(*info.Snow)); v != p.trayNow[e] {
					p.trayNow[e] = v
					changed = true
				}
			}
			if info.Star != nil {
				if v := int32(normalizedH2DTrayCode(*info.Star)); v != p.trayTar[e] {
					p.trayTar[e] = v
					changed = true
				}
			}
			if info.Spre != nil {
				if v := int32(normalizedH2DTrayCode(*info.Spre)); v != p.trayPre[e] {
					p.trayPre[e] = v
					changed = true
				}
			}
		}
		return changed
	}

	if msg.Ams == nil {
		return false
	}
	if msg.Ams.TrayTar != nil {
		if v := int32(*msg.Ams.TrayTar); v != p.trayTar[0] {
			p.trayTar[0] = v
			changed = true
		}
	}
	if msg.Ams.TrayNow != nil {
		if v := int32(*msg.Ams.TrayNow); v != p.trayNow[0] {
			p.trayNow[0] = v
			changed = true
		}
	}
	if msg.Ams.TrayPre != nil {
		if v := int32(*msg.Ams.TrayPre); v != p.trayPre[0] {
			p.trayPre[0] = v
			changed = true
		}
	}
	return changed
}

// normalizedH2DTrayCode flattens a packed ams<<8|slot tray code to a wire
// tray id.
func normalizedH2DTrayCode(v uint32) uint32 {
	amsID := v >> 8
	tray := v & 0xFF
	switch {
	case amsID <= 2:
		return amsID*4 + (tray & 0x03)
	case amsID >= 128 && amsID <= 134:
		return amsID
	case amsID == 254 || amsID == 255:
		if tray != 255 {
			return TrayIDExternal1
		}
		return trayNone
	default:
		return trayNone
	}
}

// processAms folds the AMS block in: presence bitmasks, per-unit extruder
// assignments and each unit's trays.
func (p *Printer) processAms(ams *PrintAms) {
	prevExist := u32PtrClone(p.trayExistBits)

	if ams.TrayExistBits != nil {
		p.SetTrayExistBits(uint32(*ams.TrayExistBits))
	}
	if ams.TrayReadDoneBits != nil {
		p.SetTrayReadDoneBits(uint32(*ams.TrayReadDoneBits))
	}
	if ams.TrayReadingBits != nil {
		p.SetTrayReadingBits(uint32(*ams.TrayReadingBits))
	}
	if ams.AmsExistBits != nil {
		p.SetAmsExistBits(uint32(*ams.AmsExistBits))
	}

	for _, unit := range ams.Ams {
		if unit.Info == nil {
			continue
		}
		extruder := (uint32(*unit.Info) >> 8) & 0x0F
		if idx, ok := amsUnitInfoIndex(int(unit.ID)); ok {
			p.amsInfo[idx].extruder = extruder
		}
	}
	// The external holders have fixed extruder assignments regardless of
	// what the info words claim.
	p.amsInfo[12].extruder = 1
	p.amsInfo[13].extruder = 0

	// Once exist bits are known every tray is re-derived on each AMS block,
	// units array or not: a bits-only delta still empties trays and fires
	// removal detection.
	if p.trayExistBits == nil && len(ams.Ams) == 0 {
		return
	}
	for flat := 0; flat < NumAmsTrays; flat++ {
		unitID, trayInUnit := amsWireAddress(flat)
		update := findTrayUpdate(ams.Ams, unitID, trayInUnit)
		old := p.amsTrays[flat]

		next := p.getUpdatedAMSTray(&old, update, flat)
		if next == nil {
			continue
		}

		spoolRemoved := prevExist != nil && p.trayExistBits != nil &&
			*prevExist&(1<<flat) != 0 && *p.trayExistBits&(1<<flat) == 0
		prev, _ := p.SwapAMSTray(flat, *next)
		if spoolRemoved && prev.Meta.SpoolID != nil && next.Meta.SpoolID == nil {
			p.recordRemovedSpool(flat, *prev.Meta.SpoolID)
		}
	}
}

// amsUnitInfoIndex maps a wire AMS unit id to the per-unit extruder table.
func amsUnitInfoIndex(unitID int) (int, bool) {
	switch {
	case unitID >= 0 && unitID <= 3:
		return unitID, true
	case unitID >= 128 && unitID <= 134:
		return unitID - 128 + 4, true
	case unitID == 254 || unitID == 255:
		return unitID - 254 + 12, true
	default:
		return 0, false
	}
}

// amsWireAddress returns the (unit id, tray-in-unit id) pair a flat tray
// index is reported under.
func amsWireAddress(flat int) (int, int) {
	if flat < 16 {
		return flat / 4, flat % 4
	}
	return 128 + (flat - 16), 0
}

func findTrayUpdate(units []PrintAmsData, unitID, trayInUnit int) *PrintTray {
	for u := range units {
		if int(units[u].ID) != unitID {
			continue
		}
		for t := range units[u].Tray {
			tray := &units[u].Tray[t]
			if tray.ID != nil && int(*tray.ID) == trayInUnit {
				return tray
			}
		}
		return nil
	}
	return nil
}

type trayUpdateKind int

const (
	trayUpdateData trayUpdateKind = iota
	trayUpdateNoData
	trayUpdateJunk
)

// trayFromUpdate builds a tray from a reported tray block. Blocks missing
// the filament triple carry no data; blocks with corrupted type or info
// index are junk and must not replace known state.
func (p *Printer) trayFromUpdate(u *PrintTray) (Tray, trayUpdateKind) {
	if u.TrayType == nil || u.TrayInfoIdx == nil || u.TrayColor == nil {
		return Tray{}, trayUpdateNoData
	}
	if strings.HasSuffix(*u.TrayType, "00") || strings.HasPrefix(*u.TrayInfoIdx, "00") {
		p.logger.Warn().
			Str("tray_type", *u.TrayType).
			Str("tray_info_idx", *u.TrayInfoIdx).
			Msg("corrupted tray block rejected")
		return Tray{}, trayUpdateJunk
	}

	var t Tray
	if *u.TrayType == "" {
		t.Filament = UnknownFilament()
	} else {
		info := FilamentInfo{
			TrayInfoIdx:   *u.TrayInfoIdx,
			TrayType:      *u.TrayType,
			TrayColor:     *u.TrayColor,
			NozzleTempMax: 250,
			NozzleTempMin: 190,
		}
		if u.NozzleTempMax != nil {
			info.NozzleTempMax = uint32(*u.NozzleTempMax)
		}
		if u.NozzleTempMin != nil {
			info.NozzleTempMin = uint32(*u.NozzleTempMin)
		}
		t.Filament = KnownFilament(info)
	}
	t.CaliIdx = u.CaliIdx
	t.KFromTray = u.K
	return t, trayUpdateData
}

// getUpdatedAMSTray computes the next value of an AMS tray from the
// presence bitmasks and an optional tray block. Returns nil when the
// update must be ignored.
func (p *Printer) getUpdatedAMSTray(old *Tray, update *PrintTray, flat int) *Tray {
	if p.trayExistBits == nil {
		next := *old
		next.State = TrayStateUnknown
		return &next
	}
	bit := uint32(1) << flat
	if *p.trayExistBits&bit == 0 {
		// Removal empties the slot but keeps the filament history; only the
		// spool bookkeeping is wiped.
		next := *old
		next.State = TrayStateEmpty
		next.Meta = TrayMetaInfo{}
		return &next
	}

	var next Tray
	if update != nil {
		parsed, kind := p.trayFromUpdate(update)
		switch kind {
		case trayUpdateJunk:
			return nil
		case trayUpdateNoData:
			next = *old
			next.State = TrayStateEmpty
		default:
			next = parsed
		}
	} else {
		next = *old
		next.State = TrayStateEmpty
	}

	next.State = TrayStateSpool
	next.Meta = old.Meta
	if p.trayReadingBits != nil && *p.trayReadingBits&bit != 0 {
		next.State = TrayStateReading
	}
	if p.trayReadDoneBits != nil && *p.trayReadDoneBits&bit != 0 {
		next.State = p.trayDetailedReadyState(flat)
	}
	return &next
}

// processVtTray folds in an external holder block.
func (p *Printer) processVtTray(extruder int, update *PrintTray) {
	if extruder < 0 || extruder >= NumVirtTrays {
		return
	}
	externalID := TrayIDExternal0
	if extruder == 1 {
		externalID = TrayIDExternal1
	}
	old := p.virtTrays[extruder]

	if update.ID == nil {
		// A holder block without an id is a truncated partial push; the only
		// safe reaction is asking for a full one.
		p.RequestFullUpdate()
		return
	}

	parsed, kind := p.trayFromUpdate(update)
	switch kind {
	case trayUpdateJunk:
		return
	case trayUpdateNoData:
		next := old
		next.State = TrayStateUnknown
		p.SetVirtTray(extruder, next)
		return
	}

	next := parsed
	if !next.Filament.Known {
		next.State = TrayStateEmpty
		next.Meta = TrayMetaInfo{}
	} else {
		next.State = p.trayDetailedReadyState(externalID)
		if old.State == TrayStateLoaded && next.State == TrayStateEmpty {
			next.Meta = TrayMetaInfo{}
		} else {
			next.Meta = old.Meta
		}
	}

	if old.State == TrayStateLoaded && next.State != TrayStateLoaded &&
		old.Meta.SpoolID != nil && next.Meta.SpoolID == nil {
		p.recordRemovedSpool(externalID, *old.Meta.SpoolID)
	}
	p.SetVirtTray(extruder, next)
}

// rederiveExternalStates recomputes the external holder states after the
// active tray moved without a holder block in the report.
func (p *Printer) rederiveExternalStates() {
	for ext := 0; ext < NumVirtTrays; ext++ {
		externalID := TrayIDExternal0
		if ext == 1 {
			externalID = TrayIDExternal1
		}
		t := p.virtTrays[ext]
		if !t.Filament.Known {
			continue
		}
		newState := p.trayDetailedReadyState(externalID)
		if t.State == newState {
			continue
		}
		if t.State == TrayStateLoaded && newState != TrayStateLoaded && t.Meta.SpoolID != nil {
			p.recordRemovedSpool(externalID, *t.Meta.SpoolID)
		}
		t.State = newState
		p.SetVirtTray(ext, t)
	}
}

// handleAmsFilamentSetting applies a filament assignment echo to the
// addressed tray.
func (p *Printer) handleAmsFilamentSetting(msg *PrintData) {
	amsID := flexToI32(msg.AmsID)
	trayID := flexToI32(msg.TrayID)
	slotID := flexToI32(msg.SlotID)
	idx := TrayIndexFromPrintMsg(amsID, trayID, slotID)

	filament := UnknownFilament()
	if msg.TrayInfoIdx != nil && *msg.TrayInfoIdx != "" {
		info := FilamentInfo{
			TrayInfoIdx:   *msg.TrayInfoIdx,
			NozzleTempMax: 250,
			NozzleTempMin: 190,
		}
		if msg.TrayType != nil {
			info.TrayType = *msg.TrayType
		}
		if msg.TrayColor != nil {
			info.TrayColor = *msg.TrayColor
		}
		if msg.NozzleTempMax != nil {
			info.NozzleTempMax = *msg.NozzleTempMax
		}
		if msg.NozzleTempMin != nil {
			info.NozzleTempMin = *msg.NozzleTempMin
		}
		filament = KnownFilament(info)
	}

	external := (amsID == nil && idx != nil && *idx == TrayIDExternal1) ||
		(amsID != nil && (*amsID == TrayIDExternal0 || *amsID == TrayIDExternal1))
	if external {
		ext := 0
		externalID := TrayIDExternal0
		if amsID != nil && *amsID == TrayIDExternal1 {
			ext = 1
			externalID = TrayIDExternal1
		}
		t := p.virtTrays[ext]
		t.State = p.trayDetailedReadyState(externalID)
		if !filament.Known {
			t.Meta = TrayMetaInfo{}
		}
		t.Filament = filament
		p.SetVirtTray(ext, t)
		return
	}

	if idx == nil {
		p.logger.Warn().Msg("ams_filament_setting without a tray reference")
		return
	}
	tp := p.GetAnyTray(int(*idx))
	if tp == nil {
		p.logger.Warn().Int32("tray", *idx).Msg("ams_filament_setting for unknown tray")
		return
	}
	t := *tp
	t.Filament = filament
	// The tag-derived K no longer matches a manually assigned filament.
	t.KFromTray = nil
	p.UpdateAMSTray(int(*idx), t)
}

// handleExtrusionCaliSel applies a profile selection echo to the addressed
// tray.
func (p *Printer) handleExtrusionCaliSel(msg *PrintData) {
	idx := TrayIndexFromPrintMsg(flexToI32(msg.AmsID), flexToI32(msg.TrayID), flexToI32(msg.SlotID))
	if idx == nil || msg.CaliIdx == nil {
		return
	}
	tp := p.GetAnyTray(int(*idx))
	if tp == nil {
		return
	}
	t := *tp
	if *msg.CaliIdx == -1 || *msg.CaliIdx == 0 {
		t.CaliIdx = nil
	} else {
		ci := *msg.CaliIdx
		t.CaliIdx = &ci
	}
	p.UpdateAnyTray(int(*idx), t)
}

// handleExtrusionCaliGet caches a calibration profile listing. Only the
// full listing for a diameter (empty filament_id) replaces the cache.
func (p *Printer) handleExtrusionCaliGet(msg *PrintData) {
	if msg.NozzleDiameter == nil || msg.Filaments == nil {
		return
	}
	if msg.FilamentID != nil && *msg.FilamentID != "" {
		return
	}
	p.replaceCalibrations(*msg.NozzleDiameter, msg.Filaments)
}

func flexToI32(v *FlexInt32) *int32 {
	if v == nil {
		return nil
	}
	i := int32(*v)
	return &i
}
