// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"context"
	"errors"
)

// ErrDispatcherBusy is returned when the dispatcher cannot serve a
// snapshot request in time.
var ErrDispatcherBusy = errors.New("bambu: dispatcher busy")

// TraySummary is the outward view of one tray.
type TraySummary struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	TrayType string `json:"tray_type,omitempty"`
	Color    string `json:"color,omitempty"`

	SpoolID           *string `json:"spool_id,omitempty"`
	ConsumedSinceLoad float32 `json:"consumed_since_load"`
	KValue            string  `json:"k_value"`
	UsedInPrint       bool    `json:"used_in_print,omitempty"`
}

// Summary is the outward view of one printer.
type Summary struct {
	Serial     string        `json:"serial"`
	Name       string        `json:"name"`
	Model      string        `json:"model"`
	GcodeState string        `json:"gcode_state"`
	LayerNum   int32         `json:"layer_num"`
	Locked     bool          `json:"locked"`
	Connected  *bool         `json:"connected,omitempty"`
	TrayActive *int32        `json:"tray_active,omitempty"`
	Trays      []TraySummary `json:"trays"`
}

// Snapshot assembles the printer summary on the dispatcher goroutine and
// returns it, or ErrDispatcherBusy / the context error when the dispatcher
// does not get to it in time.
func (p *Printer) Snapshot(ctx context.Context) (Summary, error) {
	ch := make(chan Summary, 1)
	p.EnqueueTask(func() {
		p.guard.Acquire()
		defer p.guard.Release()
		ch <- p.buildSummary()
	})
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Summary{}, errors.Join(ErrDispatcherBusy, ctx.Err())
	}
}

func (p *Printer) buildSummary() Summary {
	s := Summary{
		Serial:     p.cfg.Serial,
		Name:       p.printerName,
		Model:      p.model.String(),
		GcodeState: p.gcodeState.String(),
		LayerNum:   p.layerNum,
		Locked:     p.IsLocked(),
		Connected:  p.connected,
		TrayActive: p.TrayActive(),
	}
	appendTray := func(id int, t *Tray) {
		extruder, err := p.ExtruderForTray(id)
		if err != nil {
			extruder = 0
		}
		sum := TraySummary{
			ID:                id,
			State:             t.State.String(),
			SpoolID:           t.Meta.SpoolID,
			ConsumedSinceLoad: t.Meta.ConsumedSinceLoad,
			KValue:            p.TrayResolvedKValue(t, extruder),
			UsedInPrint:       t.Meta.UsedInPrint,
		}
		if t.Filament.Known {
			sum.TrayType = t.Filament.Info.TrayType
			sum.Color = t.Filament.Info.TrayColor
		}
		s.Trays = append(s.Trays, sum)
	}
	for i := range p.amsTrays {
		appendTray(i, &p.amsTrays[i])
	}
	appendTray(TrayIDExternal0, &p.virtTrays[0])
	appendTray(TrayIDExternal1, &p.virtTrays[1])
	return s
}
