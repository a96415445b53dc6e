// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestFilamentJSONRoundTrip(t *testing.T) {
	known := KnownFilament(FilamentInfo{
		TrayInfoIdx:   "GFL99",
		TrayType:      "PLA",
		TrayColor:     "FF0000FF",
		NozzleTempMax: 230,
		NozzleTempMin: 190,
	})
	for _, f := range []Filament{UnknownFilament(), known} {
		b, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Filament
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if !got.Equal(f) {
			t.Errorf("round trip changed filament: %s", b)
		}
	}
}

func TestFilamentJSONForms(t *testing.T) {
	var f Filament
	if err := json.Unmarshal([]byte(`"Unknown"`), &f); err != nil {
		t.Fatalf("unknown variant: %v", err)
	}
	if f.Known {
		t.Error("string variant decoded as known")
	}

	if err := json.Unmarshal([]byte(`{"Known":{"tray_type":"PETG"}}`), &f); err != nil {
		t.Fatalf("known variant: %v", err)
	}
	if !f.Known || f.Info.TrayType != "PETG" {
		t.Errorf("known variant decoded as %+v", f)
	}

	if err := json.Unmarshal([]byte(`"Mystery"`), &f); err == nil {
		t.Error("expected error for unexpected variant name")
	}
	if err := json.Unmarshal([]byte(`{}`), &f); err == nil {
		t.Error("expected error for object without Known variant")
	}
}

func TestTrayJSONRoundTrip(t *testing.T) {
	id := "spool-7"
	k := float32(0.025)
	ci := int32(3)
	tray := Tray{
		State:     TrayStateReady,
		Filament:  KnownFilament(FilamentInfo{TrayInfoIdx: "GFL99", TrayType: "PLA", TrayColor: "00FF00FF", NozzleTempMax: 230, NozzleTempMin: 190}),
		KFromTray: &k,
		CaliIdx:   &ci,
		Meta: TrayMetaInfo{
			SpoolID:                &id,
			ConsumedSinceLoad:      12.5,
			ConsumedSinceLoadSaved: 10,
			ConsumedSinceWeight:    33.25,
		},
	}
	b, err := json.Marshal(tray)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Tray
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(tray) || !got.Meta.Equal(tray.Meta) {
		t.Errorf("round trip changed tray: %s", b)
	}
}

func TestTrayLegacyTagInfo(t *testing.T) {
	var tray Tray
	input := `{"state":"Ready","filament":"Unknown","tag_info":{"id":"tag-9"}}`
	if err := json.Unmarshal([]byte(input), &tray); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tray.Meta.LegacyTagInfo == nil || tray.Meta.LegacyTagInfo.ID == nil || *tray.Meta.LegacyTagInfo.ID != "tag-9" {
		t.Fatalf("tag_info not decoded: %+v", tray.Meta)
	}

	// The legacy field is input only.
	b, err := json.Marshal(tray)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "tag_info") {
		t.Errorf("tag_info written back: %s", b)
	}
}

func TestTrayEqualIgnoresMeta(t *testing.T) {
	a := DefaultTray()
	b := DefaultTray()
	id := "spool-1"
	b.Meta.SpoolID = &id
	b.Meta.ConsumedSinceLoad = 5
	if !a.Equal(b) {
		t.Error("Equal must ignore bookkeeping meta")
	}
	if a.Meta.Equal(b.Meta) {
		t.Error("Meta.Equal must see the difference")
	}

	b.Meta.UsedInPrint = true
	c := b
	c.Meta.UsedInPrint = false
	if !b.Meta.Equal(c.Meta) {
		t.Error("Meta.Equal must ignore UsedInPrint")
	}

	k := float32(0.02)
	b.KFromTray = &k
	if a.Equal(b) {
		t.Error("Equal must compare KFromTray")
	}
}

func TestTrayStateNames(t *testing.T) {
	for s := TrayStateUnknown; s <= TrayStateLoaded; s++ {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		var got TrayState
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if got != s {
			t.Errorf("state %v round tripped to %v", s, got)
		}
	}
	var s TrayState
	if err := json.Unmarshal([]byte(`"Weird"`), &s); err != nil || s != TrayStateUnknown {
		t.Errorf("unrecognized state should decode to Unknown, got %v, %v", s, err)
	}
}
