// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// TrayState is the lifecycle state of a tray slot.
type TrayState int

const (
	TrayStateUnknown TrayState = iota
	TrayStateEmpty
	TrayStateSpool
	TrayStateReading
	TrayStateReady
	TrayStateLoading
	TrayStateUnloading
	TrayStateLoaded
)

var trayStateNames = [...]string{
	"Unknown", "Empty", "Spool", "Reading", "Ready", "Loading", "Unloading", "Loaded",
}

// String returns the persistent name of the state.
func (s TrayState) String() string {
	if s < 0 || int(s) >= len(trayStateNames) {
		return "Unknown"
	}
	return trayStateNames[s]
}

// MarshalJSON implements json.Marshaler.
func (s TrayState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TrayState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range trayStateNames {
		if n == name {
			*s = TrayState(i)
			return nil
		}
	}
	*s = TrayStateUnknown
	return nil
}

// FilamentInfo is the filament description attached to a tray.
type FilamentInfo struct {
	TrayInfoIdx   string `json:"tray_info_idx"`
	TrayType      string `json:"tray_type"`
	TrayColor     string `json:"tray_color"`
	NozzleTempMax uint32 `json:"nozzle_temp_max"`
	NozzleTempMin uint32 `json:"nozzle_temp_min"`
}

// Filament is either unknown or a known FilamentInfo. The JSON form keeps
// the externally tagged shape older state files were written with:
// "Unknown" or {"Known":{...}}.
type Filament struct {
	Known bool
	Info  FilamentInfo
}

// UnknownFilament returns the unknown filament value.
func UnknownFilament() Filament { return Filament{} }

// KnownFilament wraps info in a known filament value.
func KnownFilament(info FilamentInfo) Filament {
	return Filament{Known: true, Info: info}
}

// Equal reports value equality. Info is only compared when both sides are
// known.
func (f Filament) Equal(o Filament) bool {
	if f.Known != o.Known {
		return false
	}
	return !f.Known || f.Info == o.Info
}

// MarshalJSON implements json.Marshaler.
func (f Filament) MarshalJSON() ([]byte, error) {
	if !f.Known {
		return json.Marshal("Unknown")
	}
	return json.Marshal(map[string]FilamentInfo{"Known": f.Info})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filament) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		if name != "Unknown" {
			return fmt.Errorf("bambu: unexpected filament variant %q", name)
		}
		*f = Filament{}
		return nil
	}
	var tagged struct {
		Known *FilamentInfo `json:"Known"`
	}
	if err := json.Unmarshal(b, &tagged); err != nil {
		return err
	}
	if tagged.Known == nil {
		return fmt.Errorf("bambu: filament object without Known variant")
	}
	*f = Filament{Known: true, Info: *tagged.Known}
	return nil
}

// LegacyTagInfo is the pre-spool-id tag reference older state files carry.
// It is read for migration and never written back.
type LegacyTagInfo struct {
	ID *string `json:"id,omitempty"`
}

// TrayMetaInfo is bookkeeping attached to a tray that does not originate
// from the printer: which inventory spool sits in the slot and how much of
// it has been consumed. It is excluded from Tray.Equal; comparisons against
// printer-reported trays must not be perturbed by local bookkeeping.
type TrayMetaInfo struct {
	SpoolID       *string
	LegacyTagInfo *LegacyTagInfo

	// ConsumedSinceLoad accumulates grams consumed since the spool was
	// loaded; ConsumedSinceLoadSaved is the portion already folded into the
	// inventory record.
	ConsumedSinceLoad      float32
	ConsumedSinceLoadSaved float32

	// UsedInPrint marks trays referenced by the active print job. Runtime
	// only: not persisted and excluded from Equal.
	UsedInPrint bool

	// ConsumedSinceWeight accumulates grams consumed since the spool was
	// last weighed.
	ConsumedSinceWeight float32
}

// Equal compares everything except UsedInPrint and the legacy tag input.
func (m TrayMetaInfo) Equal(o TrayMetaInfo) bool {
	return strPtrEqual(m.SpoolID, o.SpoolID) &&
		m.ConsumedSinceLoad == o.ConsumedSinceLoad &&
		m.ConsumedSinceLoadSaved == o.ConsumedSinceLoadSaved &&
		m.ConsumedSinceWeight == o.ConsumedSinceWeight
}

// Tray is one tray slot of the printer, AMS or external.
type Tray struct {
	State     TrayState
	Filament  Filament
	KFromTray *float32
	CaliIdx   *int32
	Meta      TrayMetaInfo
}

// DefaultTray returns the zero tray: unknown state, unknown filament.
func DefaultTray() Tray {
	return Tray{State: TrayStateUnknown, Filament: UnknownFilament()}
}

// Equal compares printer-owned fields only; Meta is bookkeeping and does
// not participate.
func (t Tray) Equal(o Tray) bool {
	return t.State == o.State &&
		t.Filament.Equal(o.Filament) &&
		f32PtrEqual(t.KFromTray, o.KFromTray) &&
		i32PtrEqual(t.CaliIdx, o.CaliIdx)
}

// trayJSON is the flattened persistent form of a tray.
type trayJSON struct {
	State                  TrayState      `json:"state"`
	Filament               Filament       `json:"filament"`
	KFromTray              *float32       `json:"k_from_tray,omitempty"`
	CaliIdx                *int32         `json:"cali_idx,omitempty"`
	SpoolID                *string        `json:"spool_id,omitempty"`
	TagInfo                *LegacyTagInfo `json:"tag_info,omitempty"`
	ConsumedSinceLoad      float32        `json:"consumed_since_load"`
	ConsumedSinceLoadSaved float32        `json:"consumed_since_load_saved"`
	ConsumedSinceWeight    float32        `json:"consumed_since_weight"`
}

// MarshalJSON implements json.Marshaler. The legacy tag_info input is never
// written back.
func (t Tray) MarshalJSON() ([]byte, error) {
	return json.Marshal(trayJSON{
		State:                  t.State,
		Filament:               t.Filament,
		KFromTray:              t.KFromTray,
		CaliIdx:                t.CaliIdx,
		SpoolID:                t.Meta.SpoolID,
		ConsumedSinceLoad:      t.Meta.ConsumedSinceLoad,
		ConsumedSinceLoadSaved: t.Meta.ConsumedSinceLoadSaved,
		ConsumedSinceWeight:    t.Meta.ConsumedSinceWeight,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tray) UnmarshalJSON(b []byte) error {
	var tj trayJSON
	tj.State = TrayStateUnknown
	if err := json.Unmarshal(b, &tj); err != nil {
		return err
	}
	*t = Tray{
		State:     tj.State,
		Filament:  tj.Filament,
		KFromTray: tj.KFromTray,
		CaliIdx:   tj.CaliIdx,
		Meta: TrayMetaInfo{
			SpoolID:                tj.SpoolID,
			LegacyTagInfo:          tj.TagInfo,
			ConsumedSinceLoad:      tj.ConsumedSinceLoad,
			ConsumedSinceLoadSaved: tj.ConsumedSinceLoadSaved,
			ConsumedSinceWeight:    tj.ConsumedSinceWeight,
		},
	}
	return nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func f32PtrEqual(a, b *float32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func i32PtrEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func u32PtrEqual(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
