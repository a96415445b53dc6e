// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

// NozzleType distinguishes the flow class of an installed nozzle.
type NozzleType int

const (
	NozzleTypeStandard NozzleType = iota
	NozzleTypeHighFlow
)

// String returns the flow class name.
func (n NozzleType) String() string {
	if n == NozzleTypeHighFlow {
		return "HighFlow"
	}
	return "Standard"
}

// nozzleTypeFromCode classifies a printer nozzle type string. High flow
// nozzles report codes like "H01-..." where the second character is 'H'.
func nozzleTypeFromCode(code string) NozzleType {
	if len(code) >= 8 && code[1] == 'H' {
		return NozzleTypeHighFlow
	}
	return NozzleTypeStandard
}

// Extruder is one extruder's known hardware configuration. Diameter stays
// nil until the printer reports it; calibration handling is gated on that.
type Extruder struct {
	ID         uint32  `json:"id"`
	Diameter   *string `json:"diameter,omitempty"`
	NozzleType *string `json:"nozzle_type,omitempty"`
}

// NozzleTypeCode returns the extruder's flow class, or nil while the nozzle
// is still unreported.
func (e *Extruder) NozzleTypeCode() *NozzleType {
	if e.Diameter == nil {
		return nil
	}
	t := NozzleTypeStandard
	if e.NozzleType != nil {
		t = nozzleTypeFromCode(*e.NozzleType)
	}
	return &t
}
