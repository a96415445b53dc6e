// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

// Model is a printer model decoded from its serial prefix.
type Model int

const (
	ModelUnknown Model = iota
	ModelX1C
	ModelX1E
	ModelP1P
	ModelP1S
	ModelP2S
	ModelA1
	ModelA1Mini
	ModelH2D
	ModelH2DPro
	ModelH2C
)

// Series groups models that share a hardware generation.
type Series int

const (
	SeriesUnknown Series = iota
	SeriesX1
	SeriesP1
	SeriesP2
	SeriesA1
	SeriesH2
)

var serialPrefixModels = map[string]Model{
	"00M": ModelX1C,
	"03W": ModelX1E,
	"01S": ModelP1P,
	"01P": ModelP1S,
	"22E": ModelP2S,
	"039": ModelA1,
	"030": ModelA1Mini,
	"094": ModelH2D,
	"239": ModelH2DPro,
	"31B": ModelH2C,
}

// ModelFromSerial decodes the model from the serial's three character prefix.
func ModelFromSerial(serial string) Model {
	if len(serial) < 3 {
		return ModelUnknown
	}
	return serialPrefixModels[serial[:3]]
}

// ModelSeries returns the hardware generation of a model.
func ModelSeries(m Model) Series {
	switch m {
	case ModelX1C, ModelX1E:
		return SeriesX1
	case ModelP1P, ModelP1S:
		return SeriesP1
	case ModelP2S:
		return SeriesP2
	case ModelA1, ModelA1Mini:
		return SeriesA1
	case ModelH2D, ModelH2DPro, ModelH2C:
		return SeriesH2
	default:
		return SeriesUnknown
	}
}

// String returns the marketing name of the model.
func (m Model) String() string {
	switch m {
	case ModelX1C:
		return "X1C"
	case ModelX1E:
		return "X1E"
	case ModelP1P:
		return "P1P"
	case ModelP1S:
		return "P1S"
	case ModelP2S:
		return "P2S"
	case ModelA1:
		return "A1"
	case ModelA1Mini:
		return "A1 Mini"
	case ModelH2D:
		return "H2D"
	case ModelH2DPro:
		return "H2D Pro"
	case ModelH2C:
		return "H2C"
	default:
		return "Unknown"
	}
}
