// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"fmt"
	"strconv"
	"strings"
)

// Calibration is one flow calibration profile cached from the printer.
type Calibration struct {
	Extruder   int32   `json:"extruder"`
	Diameter   string  `json:"diameter"`
	NozzleID   *string `json:"nozzle_id,omitempty"`
	FilamentID string  `json:"filament_id"`
	KValue     string  `json:"k_value"`
	SettingID  *string `json:"setting_id,omitempty"`
	Name       string  `json:"name"`
	CaliIdx    int32   `json:"cali_idx"`
}

// NozzleTypeCode returns the flow class of the nozzle this profile was
// calibrated for.
func (c *Calibration) NozzleTypeCode() NozzleType {
	if c.NozzleID == nil {
		return NozzleTypeStandard
	}
	return nozzleTypeFromCode(*c.NozzleID)
}

// CalibrationFromWire converts an extrusion_cali_get entry for the given
// nozzle diameter into a cached profile.
func CalibrationFromWire(e CalibrationEntry, diameter string) Calibration {
	extruder := int32(0)
	if e.ExtruderID != nil {
		extruder = *e.ExtruderID
	}
	return Calibration{
		Extruder:   extruder,
		Diameter:   diameter,
		NozzleID:   e.NozzleID,
		FilamentID: e.FilamentID,
		KValue:     FormatKValue(e.KValue),
		SettingID:  e.SettingID,
		Name:       e.Name,
		CaliIdx:    e.CaliIdx,
	}
}

// FormatKValue normalizes a K value string to three decimals. Parenthesized
// values, used for defaults, keep their parentheses. Values that do not
// parse are returned unchanged.
func FormatKValue(k string) string {
	if k == "" {
		return ""
	}
	if strings.HasPrefix(k, "(") && strings.HasSuffix(k, ")") {
		inner := k[1 : len(k)-1]
		v, err := strconv.ParseFloat(inner, 32)
		if err != nil {
			return k
		}
		return fmt.Sprintf("(%.3f)", v)
	}
	v, err := strconv.ParseFloat(k, 32)
	if err != nil {
		return k
	}
	return fmt.Sprintf("%.3f", v)
}
