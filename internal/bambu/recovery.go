// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"context"
	"time"
)

// FetchInitialInfo runs the post-connect bootstrap: firmware versions,
// calibration listings for the common nozzle diameters, then a full state
// push. Once the push has revealed the installed nozzle, the listing for
// that diameter is requested again so the cache ends up authoritative.
// Runs on its own goroutine; state is only read through the lock-free
// nozzle mirror.
func (p *Printer) FetchInitialInfo(ctx context.Context) {
	if err := p.publish(NewGetVersionCommand()); err != nil {
		p.logger.Warn().Err(err).Msg("get_version request failed")
	}

	for _, diameter := range []string{"0.2", "0.6", "0.8", "0.4"} {
		if err := p.publish(NewExtrusionCaliGetCommand(diameter)); err != nil {
			p.logger.Warn().Err(err).Str("diameter", diameter).Msg("calibration listing request failed")
		}
		if !sleepCtx(ctx, 200*time.Millisecond) {
			return
		}
	}

	p.RequestFullUpdate()

	for p.Nozzle0Diameter() == nil {
		if !sleepCtx(ctx, 100*time.Millisecond) {
			return
		}
	}
	diameter := *p.Nozzle0Diameter()
	if err := p.publish(NewExtrusionCaliGetCommand(diameter)); err != nil {
		p.logger.Warn().Err(err).Str("diameter", diameter).Msg("calibration listing request failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// kRestoreSnapshot captures the tray and nozzle state loaded from disk,
// taken just before the first full push after a reconnect overwrites it.
type kRestoreSnapshot struct {
	amsTrays  [NumAmsTrays]Tray
	virtTray0 Tray
	nozzle0   *string
}

// takeKRestoreSnapshot copies the restore-relevant state. Caller holds the
// guard.
func (p *Printer) takeKRestoreSnapshot() *kRestoreSnapshot {
	var d *string
	if v := p.NozzleDiameter(0); v != nil {
		c := *v
		d = &c
	}
	snap := &kRestoreSnapshot{virtTray0: p.virtTrays[0], nozzle0: d}
	snap.amsTrays = p.amsTrays
	return snap
}

// kRestoreNeeded reports whether the full push changed anything the K
// restore sequence cares about. Caller holds the guard.
func (p *Printer) kRestoreNeeded(snap *kRestoreSnapshot) bool {
	for i := range snap.amsTrays {
		if !snap.amsTrays[i].Equal(p.amsTrays[i]) {
			return true
		}
	}
	if !snap.virtTray0.Equal(p.virtTrays[0]) {
		return true
	}
	return !strPtrEqual(snap.nozzle0, p.NozzleDiameter(0))
}

// kRestorePlan is one profile reselection the restore sequence will send.
type kRestorePlan struct {
	trayID     int32
	caliIdx    int32
	filamentID string
}

// fixKOnRestart reselects the calibration profiles the printer forgot
// while this service was down. Printers clear a tray's profile selection
// when the controlling client disappears; the selection saved before the
// restart is pushed back for every tray whose filament is unchanged.
// Runs on its own goroutine; state access goes through dispatcher tasks.
func (p *Printer) fixKOnRestart(snap *kRestoreSnapshot) {
	// Let the full push settle before comparing.
	time.Sleep(time.Second)

	type planResult struct {
		plans  []kRestorePlan
		nozzle string
		locked bool
	}
	resCh := make(chan planResult, 1)
	p.EnqueueTask(func() {
		p.guard.Acquire()
		defer p.guard.Release()

		curr := p.NozzleDiameter(0)
		if snap.nozzle0 == nil || curr == nil || *snap.nozzle0 != *curr {
			// A nozzle change invalidates every saved selection.
			p.pendingKRestore = false
			resCh <- planResult{}
			return
		}

		var plans []kRestorePlan
		appendPlan := func(trayID int32, prev, now *Tray) {
			if !prev.Filament.Known || !now.Filament.Known || !prev.Filament.Equal(now.Filament) {
				return
			}
			prevCali := int32(-1)
			if prev.CaliIdx != nil {
				prevCali = *prev.CaliIdx
			}
			currCali := int32(-1)
			if now.CaliIdx != nil {
				currCali = *now.CaliIdx
			}
			if currCali == -1 && prevCali != -1 {
				plans = append(plans, kRestorePlan{
					trayID:     trayID,
					caliIdx:    prevCali,
					filamentID: now.Filament.Info.TrayInfoIdx,
				})
			}
		}
		for i := 0; i < NumAmsTrays; i++ {
			appendPlan(int32(i), &snap.amsTrays[i], &p.amsTrays[i])
		}
		appendPlan(TrayIDExternal1, &snap.virtTray0, &p.virtTrays[0])

		resCh <- planResult{plans: plans, nozzle: *curr, locked: p.IsLocked()}
	})
	res := <-resCh

	if len(res.plans) > 0 && !res.locked {
		p.logger.Info().Int("trays", len(res.plans)).Msg("restoring calibration selections")
		for _, plan := range res.plans {
			originalTrayID := plan.trayID
			amsID, slotID := AMSAndSlotID(plan.trayID)
			ci := plan.caliIdx
			cmd := NewExtrusionCaliSelCommand(&ci, plan.filamentID, res.nozzle, amsID, originalTrayID, slotID)
			if err := p.publish(cmd); err != nil {
				p.logger.Warn().Err(err).Int32("tray", plan.trayID).Msg("calibration reselect failed")
			}
			time.Sleep(250 * time.Millisecond)
		}
		time.Sleep(500 * time.Millisecond)
	}

	p.EnqueueTask(func() {
		p.guard.Acquire()
		defer p.guard.Release()
		p.pendingKRestore = false
		// The skipped saves can proceed now.
		p.requestStore(StoreRequest{Kind: StoreRequestPrinterState})
	})
}
