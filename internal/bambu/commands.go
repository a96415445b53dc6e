// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/filatrack/filatrack/internal/materials"
)

// ErrPrinterLocked is returned when a state-changing command is suppressed
// because the printer runs in locked mode.
var ErrPrinterLocked = errors.New("bambu: printer is locked")

// ErrNoPublisher is returned when no outbound transport is attached.
var ErrNoPublisher = errors.New("bambu: no publisher attached")

func (p *Printer) publish(cmd any) error {
	if p.publisher == nil {
		return ErrNoPublisher
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bambu: encode command: %w", err)
	}
	return p.publisher.Publish(payload)
}

// publishMutating sends a command that changes printer-side settings.
// Suppressed while the printer is locked.
func (p *Printer) publishMutating(cmd any) error {
	if p.IsLocked() {
		p.logger.Warn().Msg("command suppressed, printer is locked")
		return ErrPrinterLocked
	}
	return p.publish(cmd)
}

// RequestFullUpdate asks the printer for a complete state push.
func (p *Printer) RequestFullUpdate() {
	if err := p.publish(NewPushAllCommand()); err != nil {
		p.logger.Warn().Err(err).Msg("pushall request failed")
	}
}

// FetchFilamentCalibrations requests the calibration profile listing for a
// nozzle diameter.
func (p *Printer) FetchFilamentCalibrations(nozzleDiameter string) {
	if err := p.publishMutating(NewExtrusionCaliGetCommand(nozzleDiameter)); err != nil {
		if !errors.Is(err, ErrPrinterLocked) {
			p.logger.Warn().Err(err).Msg("calibration listing request failed")
		}
	}
}

// quadForSetFilament expands a wire tray id to the addressing quad used by
// filament commands: the ams/tray pair for ams_filament_setting, the slot,
// and the tray id extrusion_cali_sel expects.
func quadForSetFilament(trayID int32, numExtruders int) (amsID, amsTrayID, slotID, originalTrayID int32) {
	switch {
	case trayID >= 0 && trayID < 16:
		return trayID / 4, trayID % 4, trayID % 4, trayID
	case trayID >= 16 && trayID < NumAmsTrays:
		amsID = 128 + (trayID - 16)
		// Cali selection addresses HT trays by ams*4, not by the flat id.
		return amsID, 0, 0, amsID * 4
	default:
		originalTrayID = trayID
		if numExtruders == 1 {
			originalTrayID = TrayIDExternal1
		}
		return trayID, TrayIDExternal1, 0, originalTrayID
	}
}

// ResetTray clears the filament assignment and profile selection of a tray.
func (p *Printer) ResetTray(trayID int32) error {
	extruder, err := p.ExtruderForTray(int(trayID))
	if err != nil {
		return err
	}
	diameter := p.NozzleDiameter(extruder)
	if diameter == nil {
		return fmt.Errorf("bambu: nozzle diameter for extruder %d unknown", extruder)
	}

	amsID, amsTrayID, slotID, originalTrayID := quadForSetFilament(trayID, p.NumExtrudersActive())
	setting := NewAmsFilamentSettingCommand(amsID, amsTrayID, slotID, "", "", "", 0, 0, "")
	if err := p.publishMutating(setting); err != nil {
		return err
	}
	sel := NewExtrusionCaliSelCommand(nil, "", *diameter, amsID, originalTrayID, slotID)
	return p.publishMutating(sel)
}

// TrayFilamentRequest describes a filament assignment for a tray, typically
// sourced from an inventory spool.
type TrayFilamentRequest struct {
	TrayID int32
	// Filament describes the spool. TrayInfoIdx and the temperatures may be
	// left zero; defaults are then derived from the material type.
	Filament FilamentInfo
	// Name and KValue are matched against the printer's calibration
	// profiles to reselect the spool's flow profile.
	Name   string
	KValue string

	SpoolID        string
	ConsumedWeight float32
}

// SetTrayFilament assigns a filament to a tray and selects the best
// matching calibration profile. The tray's spool bookkeeping is rebased to
// the given spool.
func (p *Printer) SetTrayFilament(req TrayFilamentRequest) error {
	extruder, err := p.ExtruderForTray(int(req.TrayID))
	if err != nil {
		return err
	}
	diameter := p.NozzleDiameter(extruder)
	if diameter == nil {
		return fmt.Errorf("bambu: nozzle diameter for extruder %d unknown", extruder)
	}

	filament := req.Filament
	if filament.TrayInfoIdx == "" || filament.NozzleTempMax == 0 {
		defaults, ok := materials.Lookup(filament.TrayType)
		if !ok {
			return fmt.Errorf("bambu: no defaults for material %q", filament.TrayType)
		}
		if filament.TrayInfoIdx == "" {
			filament.TrayInfoIdx = defaults.FilamentID
		}
		if filament.NozzleTempMax == 0 {
			filament.NozzleTempMax = defaults.TempHigh
			filament.NozzleTempMin = defaults.TempLow
		}
	}

	cal := p.findMatchingCalibration(extruder, *diameter, filament.TrayInfoIdx, req.Name, req.KValue)

	amsID, amsTrayID, slotID, originalTrayID := quadForSetFilament(req.TrayID, p.NumExtrudersActive())
	settingID := ""
	if cal != nil && cal.SettingID != nil {
		settingID = *cal.SettingID
	}
	// Locked mode suppresses the outbound commands only; the local spool
	// bookkeeping below is rebased either way.
	setting := NewAmsFilamentSettingCommand(
		amsID, amsTrayID, slotID,
		filament.TrayInfoIdx, settingID, filament.TrayColor,
		int32(filament.NozzleTempMin), int32(filament.NozzleTempMax), filament.TrayType)
	if err := p.publishMutating(setting); err != nil && !errors.Is(err, ErrPrinterLocked) {
		return err
	}

	var caliIdx *int32
	if cal != nil {
		ci := cal.CaliIdx
		caliIdx = &ci
	}
	sel := NewExtrusionCaliSelCommand(caliIdx, filament.TrayInfoIdx, *diameter, amsID, originalTrayID, slotID)
	if err := p.publishMutating(sel); err != nil && !errors.Is(err, ErrPrinterLocked) {
		return err
	}

	tray := p.GetAnyTray(int(req.TrayID))
	if tray == nil {
		return fmt.Errorf("bambu: tray %d out of range", req.TrayID)
	}
	t := *tray
	t.Meta = TrayMetaInfo{ConsumedSinceWeight: req.ConsumedWeight}
	if req.SpoolID != "" {
		id := req.SpoolID
		t.Meta.SpoolID = &id
	}
	p.UpdateAnyTray(int(req.TrayID), t)
	return nil
}

// findMatchingCalibration picks the profile a spool should reselect, in
// order of preference: exact name, name modulo punctuation and case, same
// K value.
func (p *Printer) findMatchingCalibration(extruder int, diameter, filamentID, name, kValue string) *Calibration {
	e := &p.extruders[extruder]
	nozzleType := e.NozzleTypeCode()

	var candidates []*Calibration
	for i := range p.calibrations {
		c := &p.calibrations[i]
		if c.Extruder != int32(extruder) || c.Diameter != diameter || c.FilamentID != filamentID {
			continue
		}
		if nozzleType != nil && c.NozzleTypeCode() != *nozzleType {
			continue
		}
		candidates = append(candidates, c)
	}

	for _, c := range candidates {
		if c.Name == name {
			return c
		}
	}
	cleaned := cleanCompareName(name)
	for _, c := range candidates {
		if cleanCompareName(c.Name) == cleaned {
			return c
		}
	}
	for _, c := range candidates {
		if FormatKValue(c.KValue) == FormatKValue(kValue) && kValue != "" {
			return c
		}
	}
	return nil
}

// cleanCompareName normalizes a profile name for fuzzy comparison.
func cleanCompareName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case ' ', '\t', '.', '-', ',':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// AddCalibrationToPrinter creates a new flow calibration profile on the
// printer. Unlike the tray commands this works in locked mode; profiles
// live on the printer account side.
func (p *Printer) AddCalibrationToPrinter(extruder int, filamentID, kValue, name string) error {
	diameter := p.NozzleDiameter(extruder)
	if diameter == nil {
		return fmt.Errorf("bambu: nozzle diameter for extruder %d unknown", extruder)
	}
	var extruderID *int32
	if p.NumExtrudersActive() > 1 {
		e := int32(extruder)
		extruderID = &e
	}
	cmd := NewExtrusionCaliSetCommand(extruderID, filamentID, kValue, name, *diameter, nil, nil)
	return p.publish(cmd)
}
