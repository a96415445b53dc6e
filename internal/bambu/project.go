// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/filatrack/filatrack/internal/analysis"
	"github.com/filatrack/filatrack/internal/metrics"
	"github.com/filatrack/filatrack/internal/state"
)

// Print project files inside the printer's state directory. The consume
// index alternates between two checkpoint files so an interrupted write
// can never destroy the last good checkpoint.
const (
	printProjectFile  = "print.jsn"
	printUsageFile    = "print.csv"
	consumeIndexFile0 = "print.ci0"
	consumeIndexFile1 = "print.ci1"
)

// AnalysisPhase is the lifecycle of a job's usage analysis.
type AnalysisPhase int

const (
	// AnalysisWaitingForPrinter waits for the job to actually start before
	// requesting analysis; slicer uploads arrive before the print begins.
	AnalysisWaitingForPrinter AnalysisPhase = iota
	AnalysisRequested
	AnalysisReceived
)

var analysisPhaseNames = [...]string{"WaitingForPrinter", "Requested", "Received"}

// String returns the persistent name of the phase.
func (p AnalysisPhase) String() string {
	if p < 0 || int(p) >= len(analysisPhaseNames) {
		return "WaitingForPrinter"
	}
	return analysisPhaseNames[p]
}

// MarshalJSON implements json.Marshaler.
func (p AnalysisPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *AnalysisPhase) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range analysisPhaseNames {
		if n == name {
			*p = AnalysisPhase(i)
			return nil
		}
	}
	return fmt.Errorf("bambu: unknown analysis phase %q", name)
}

// GcodeAnalysis tracks the usage analysis of a print job. Usage is stored
// in the separate usage file, not in the project snapshot.
type GcodeAnalysis struct {
	Phase       AnalysisPhase `json:"phase"`
	RequestedAt time.Time     `json:"requested_at,omitempty"`
	JobNumber   int32         `json:"job_number,omitempty"`
	Usage       []analysis.FilamentUsageEntry `json:"-"`
}

// ConsumeIndexState is one consume checkpoint. Rev increases with every
// checkpoint; on load the higher of the two files wins.
type ConsumeIndexState struct {
	Rev   int32 `json:"rev"`
	Value int32 `json:"value"`
}

// PrintProject is the state of the print job being tracked for consumption.
type PrintProject struct {
	ProjectID     string             `json:"project_id"`
	SubtaskName   string             `json:"subtask_name"`
	ThreemfURL    string             `json:"url"`
	GcodeFilename string             `json:"param"`
	AmsMapping    []int32            `json:"ams_mapping"`
	AmsMapping2   []AmsMapping2Entry `json:"ams_mapping2,omitempty"`
	UseAms        *bool              `json:"use_ams,omitempty"`
	Analysis      GcodeAnalysis      `json:"gcode_analysis"`
	TotalLayerNum int32              `json:"total_layer_num"`

	// needConsume arms the consumption engine; it is raised by job progress
	// events and lowered once the matching usage entries are consumed.
	needConsume bool
	// consumeIndex is the next unconsumed usage entry, -1 before analysis.
	consumeIndex        int32
	consumeStoreCounter int32
}

// AmsMappingTrayID resolves which tray a gcode filament id draws from.
// Returns nil when the job does not map the filament to any tray.
func (pr *PrintProject) AmsMappingTrayID(filamentID int32) *int32 {
	if filamentID < 0 {
		return nil
	}
	slot := int32(-1)
	if int(filamentID) < len(pr.AmsMapping) {
		slot = pr.AmsMapping[filamentID]
	}
	if slot != -1 {
		return &slot
	}
	if int(filamentID) < len(pr.AmsMapping2) {
		e := pr.AmsMapping2[filamentID]
		if e.SlotID == 0 {
			switch e.AmsID {
			case TrayIDExternal0:
				v := int32(TrayIDExternal0)
				return &v
			case TrayIDExternal1:
				v := int32(TrayIDExternal1)
				return &v
			}
		}
	}
	if pr.UseAms != nil && !*pr.UseAms {
		v := int32(TrayIDExternal0)
		return &v
	}
	return nil
}

type consumeTriggerKind int

const (
	consumeFilamentSwitch consumeTriggerKind = iota
	consumeLayerChange
	consumeFinish
)

type consumeTrigger struct {
	kind  consumeTriggerKind
	layer int32
}

// handleProjectFile starts tracking a new print job announced by a
// project_file command.
func (p *Printer) handleProjectFile(msg *PrintData) {
	// A new job supersedes whatever project files are still on disk.
	p.requestStore(StoreRequest{Kind: StoreRequestDeletePrintProject})

	if !p.cfg.TrackPrintConsume {
		return
	}
	if msg.SubtaskName == nil || msg.AmsMapping == nil || msg.URL == nil || msg.Param == nil {
		p.logger.Warn().Msg("project_file without job details, consumption not tracked")
		return
	}

	projectID := ""
	if msg.ProjectID != nil {
		projectID = *msg.ProjectID
	}
	if projectID == "" {
		// Prints started from the printer display carry no project id.
		seq := ""
		if msg.SequenceID != nil {
			seq = *msg.SequenceID
		}
		projectID = "display_print_" + seq
	}

	proj := &PrintProject{
		ProjectID:     projectID,
		SubtaskName:   *msg.SubtaskName,
		ThreemfURL:    *msg.URL,
		GcodeFilename: *msg.Param,
		AmsMapping:    msg.AmsMapping,
		AmsMapping2:   msg.AmsMapping2,
		UseAms:        msg.UseAms,
		Analysis:      GcodeAnalysis{Phase: AnalysisWaitingForPrinter},
		TotalLayerNum: -1,
		consumeIndex:  -1,
	}

	url := proj.ThreemfURL
	fetchNow := p.cfg.Fetch3mf == Fetch3mfCloudHTTP ||
		strings.HasPrefix(url, "ftp://") ||
		strings.HasPrefix(url, "file://") ||
		strings.HasPrefix(url, "brtc://")
	if fetchNow && p.analyzer != nil {
		job := p.analyzer.Request(proj.ProjectID, url, proj.GcodeFilename)
		proj.Analysis = GcodeAnalysis{Phase: AnalysisRequested, RequestedAt: time.Now(), JobNumber: job}
	}

	p.updateTraysFromPrintJob(proj)
	p.currPrintProject = proj
	p.logger.Info().Str("project_id", proj.ProjectID).Str("subtask", proj.SubtaskName).Msg("print job tracking started")
}

// updateTraysFromPrintJob marks the trays the job draws from. UsedInPrint
// is runtime bookkeeping; it is not persisted and raises no dirty flags.
func (p *Printer) updateTraysFromPrintJob(proj *PrintProject) {
	for i := range p.amsTrays {
		p.amsTrays[i].Meta.UsedInPrint = false
	}
	for i := range p.virtTrays {
		p.virtTrays[i].Meta.UsedInPrint = false
	}
	for _, slot := range proj.AmsMapping {
		if slot >= 0 && slot < NumAmsTrays {
			p.amsTrays[slot].Meta.UsedInPrint = true
		}
	}
	external := false
	for _, e := range proj.AmsMapping2 {
		if e.SlotID != 0 {
			continue
		}
		switch e.AmsID {
		case TrayIDExternal0:
			p.virtTrays[0].Meta.UsedInPrint = true
			external = true
		case TrayIDExternal1:
			p.virtTrays[1].Meta.UsedInPrint = true
			external = true
		}
	}
	if !external && proj.UseAms != nil && !*proj.UseAms {
		p.virtTrays[0].Meta.UsedInPrint = true
	}
}

// processPrintProject reacts to job progress carried by a print report.
// Runs before the report is folded into the tray/lifecycle state, so
// comparisons against p.gcodeState, p.layerNum and the active tray see the
// pre-report values.
func (p *Printer) processPrintProject(msg *PrintData) {
	proj := p.currPrintProject
	if proj == nil {
		return
	}

	stateChanged := msg.GcodeState != nil && *msg.GcodeState != p.gcodeState
	newState := p.gcodeState
	if msg.GcodeState != nil {
		newState = *msg.GcodeState
	}
	if stateChanged && newState == GcodeStateUnsupported {
		p.logger.Error().Msg("printer reported an unsupported gcode state")
	}

	if stateChanged && newState == GcodeStatePrepare && msg.SubtaskName != nil {
		proj.SubtaskName = *msg.SubtaskName
	}
	if msg.TotalLayerNum != nil {
		proj.TotalLayerNum = *msg.TotalLayerNum
	}

	layerChanged := msg.LayerNum != nil && *msg.LayerNum != p.layerNum
	newLayer := p.layerNum
	if msg.LayerNum != nil {
		newLayer = *msg.LayerNum
	}

	newActive := p.printDataTrayActive(msg)
	currActive := p.TrayActive()
	trayActiveChanged := !i32PtrEqual(newActive, currActive)

	// tray_tar moves ahead of tray_now when the AMS starts a filament
	// switch. Only meaningful on the legacy single-extruder AMS path.
	tarChanged := false
	if msg.Device == nil || msg.Device.Extruder == nil {
		if msg.Ams != nil && msg.Ams.TrayTar != nil {
			tar := int32(*msg.Ams.TrayTar)
			tarChanged = tar != p.trayTar[0] && tar != p.trayNow[0]
		}
	}

	if stateChanged && newState == GcodeStateRunning {
		if proj.Analysis.Phase == AnalysisWaitingForPrinter && p.analyzer != nil {
			job := p.analyzer.Request(proj.ProjectID, proj.ThreemfURL, proj.GcodeFilename)
			proj.Analysis = GcodeAnalysis{Phase: AnalysisRequested, RequestedAt: time.Now(), JobNumber: job}
		}
		proj.needConsume = true
	}
	if layerChanged && newState == GcodeStateRunning {
		proj.needConsume = true
	}
	if trayActiveChanged && newActive != nil {
		proj.needConsume = true
	}

	if tarChanged && proj.consumeIndex != 0 {
		p.tryConsume(consumeTrigger{kind: consumeFilamentSwitch})
	}
	if trayActiveChanged {
		p.tryConsume(consumeTrigger{kind: consumeFilamentSwitch})
	}
	if layerChanged && newLayer != 0 {
		p.tryConsume(consumeTrigger{kind: consumeLayerChange, layer: newLayer})
	}

	if stateChanged && newState == GcodeStateFinish {
		p.tryConsume(consumeTrigger{kind: consumeFinish})
		if proj.Analysis.Phase == AnalysisReceived && int(proj.consumeIndex) != len(proj.Analysis.Usage) {
			p.logger.Warn().
				Int32("consumed", proj.consumeIndex).
				Int("entries", len(proj.Analysis.Usage)).
				Msg("print finished with unconsumed usage entries")
		}
	}
	if stateChanged && newState == GcodeStateFailed && proj.Analysis.Phase != AnalysisWaitingForPrinter {
		if p.analyzer != nil {
			p.analyzer.Cancel(proj.Analysis.JobNumber)
		}
	}

	if stateChanged && (newState == GcodeStateFinish || newState == GcodeStateFailed) {
		p.currPrintProject = nil
		p.requestStore(StoreRequest{Kind: StoreRequestDeletePrintProject})
		for i := range p.amsTrays {
			p.amsTrays[i].Meta.UsedInPrint = false
		}
		for i := range p.virtTrays {
			p.virtTrays[i].Meta.UsedInPrint = false
		}
	}
}

// printDataTrayActive derives the post-report active tray from a report
// without mutating state. Multi-extruder models report it per extruder in
// the device block; older models report tray_now on the AMS block.
func (p *Printer) printDataTrayActive(msg *PrintData) *int32 {
	if msg.Device != nil && msg.Device.Extruder != nil {
		ext := msg.Device.Extruder
		active := p.ActiveExtruder()
		if ext.State != nil {
			a := int((*ext.State >> 4) & 0x0F)
			if a <= 1 {
				active = &a
			}
		}
		if active != nil {
			for _, info := range ext.Info {
				if int(info.ID) == *active && info.Snow != nil {
					now := int32(normalizedH2DTrayCode(*info.Snow))
					return commonTrayActive(*active, now)
				}
			}
		}
		return p.TrayActive()
	}
	if msg.Ams != nil && msg.Ams.TrayNow != nil {
		return commonTrayActive(0, int32(*msg.Ams.TrayNow))
	}
	return p.TrayActive()
}

// tryConsume advances the consume index for a progress trigger. Filament
// switches consume exactly the entry they correspond to; layer changes and
// job completion catch up over any missed entries.
func (p *Printer) tryConsume(trigger consumeTrigger) {
	proj := p.currPrintProject
	if proj == nil || !proj.needConsume {
		return
	}
	if proj.Analysis.Phase != AnalysisReceived {
		return
	}
	usage := proj.Analysis.Usage
	startIndex := proj.consumeIndex
	if proj.consumeIndex < 0 {
		proj.consumeIndex = 0
	}

	switch trigger.kind {
	case consumeLayerChange, consumeFinish:
		upTo := int32(-1)
		if trigger.kind == consumeLayerChange {
			upTo = trigger.layer
		}
		for int(proj.consumeIndex) < len(usage) &&
			(upTo == -1 || usage[proj.consumeIndex].Layer < upTo) {
			p.consumeEntry(proj, usage[proj.consumeIndex])
			proj.consumeIndex++
		}
		proj.needConsume = false

	case consumeFilamentSwitch:
		if int(proj.consumeIndex) >= len(usage) {
			break
		}
		entry := usage[proj.consumeIndex]
		tray := proj.AmsMappingTrayID(entry.GcodeFilamentID)
		active := p.TrayActive()
		if p.layerNum == entry.Layer &&
			tray != nil && active != nil && *active == *tray &&
			*tray >= 0 && *tray < NumAmsTrays {
			p.consumeEntry(proj, entry)
			proj.consumeIndex++
			proj.needConsume = false
		}
		// No match: keep needConsume armed so the next layer change
		// catches up.
	}

	if proj.consumeIndex != startIndex {
		proj.consumeStoreCounter++
		p.requestStore(StoreRequest{Kind: StoreRequestConsumeIndex, Counter: proj.consumeStoreCounter})
	}
}

func (p *Printer) consumeEntry(proj *PrintProject, entry analysis.FilamentUsageEntry) {
	slot := proj.AmsMappingTrayID(entry.GcodeFilamentID)
	if slot == nil {
		p.logger.Error().
			Int32("filament", entry.GcodeFilamentID).
			Msg("usage entry has no tray mapping, weight not attributed")
		return
	}
	tray := p.GetAnyTray(int(*slot))
	if tray == nil {
		p.logger.Error().Int32("tray", *slot).Msg("usage entry maps to an invalid tray")
		return
	}
	tray.Meta.ConsumedSinceLoad += entry.WeightG
	tray.Meta.ConsumedSinceWeight += entry.WeightG
	p.markTrayDirty(int(*slot))
	metrics.ConsumeEvents.WithLabelValues(p.cfg.Serial).Inc()
}

func (p *Printer) markTrayDirty(trayID int) {
	switch trayID {
	case TrayIDExternal0, TrayIDExternal1:
		p.virtTraysDirty = true
	default:
		if idx, ok := normalizeAmsTrayIndex(trayID); ok {
			p.amsTraysDirty[idx] = true
		}
	}
}

// SetGcodeAnalysis installs a finished analysis on the tracked job. Results
// for a job other than the one last requested are stale and ignored.
func (p *Printer) SetGcodeAnalysis(jobNumber int32, usage []analysis.FilamentUsageEntry) {
	proj := p.currPrintProject
	if proj == nil {
		p.logger.Warn().Int32("job", jobNumber).Msg("analysis result without a tracked job")
		return
	}
	if proj.Analysis.Phase == AnalysisWaitingForPrinter {
		p.logger.Warn().Int32("job", jobNumber).Msg("analysis result while none was requested")
		return
	}
	if proj.Analysis.JobNumber != jobNumber {
		p.logger.Warn().
			Int32("job", jobNumber).
			Int32("expected", proj.Analysis.JobNumber).
			Msg("stale analysis result ignored")
		return
	}
	proj.Analysis.Phase = AnalysisReceived
	proj.Analysis.Usage = usage
	if proj.consumeIndex == -1 {
		proj.consumeIndex = 0
	}
	p.requestStore(StoreRequest{Kind: StoreRequestPrintProject})
}

// StorePrintProject persists the tracked job: project snapshot, usage
// table, and a fresh consume checkpoint. Previous files are removed first
// so a partial set never masquerades as a complete one.
func (p *Printer) StorePrintProject() error {
	p.guard.Acquire()
	proj := p.currPrintProject
	if proj == nil {
		p.guard.Release()
		return nil
	}
	projJSON, err := json.Marshal(proj)
	if err != nil {
		p.guard.Release()
		return fmt.Errorf("bambu: encode print project: %w", err)
	}
	usageCSV := analysis.EncodeUsage(proj.Analysis.Usage)
	ci := ConsumeIndexState{Rev: proj.consumeStoreCounter, Value: proj.consumeIndex}
	p.guard.Release()

	if err := p.DeletePrintProjectFiles(); err != nil {
		return err
	}
	serial := p.cfg.Serial
	if err := p.files.Write(state.PrinterStateFilePath(serial, printProjectFile), string(projJSON)); err != nil {
		return err
	}
	if err := p.files.Write(state.PrinterStateFilePath(serial, printUsageFile), usageCSV); err != nil {
		return err
	}
	return p.writeConsumeIndex(ci)
}

// StoreConsumeIndexState writes a consume checkpoint for the given counter.
// Nothing is written when no job is tracked.
func (p *Printer) StoreConsumeIndexState(counter int32) error {
	p.guard.Acquire()
	if p.currPrintProject == nil {
		p.guard.Release()
		return nil
	}
	ci := ConsumeIndexState{Rev: counter, Value: p.currPrintProject.consumeIndex}
	p.guard.Release()
	return p.writeConsumeIndex(ci)
}

func (p *Printer) writeConsumeIndex(ci ConsumeIndexState) error {
	data, err := json.Marshal(ci)
	if err != nil {
		return fmt.Errorf("bambu: encode consume checkpoint: %w", err)
	}
	file := consumeIndexFile0
	if ci.Rev%2 != 0 {
		file = consumeIndexFile1
	}
	return p.files.Write(state.PrinterStateFilePath(p.cfg.Serial, file), string(data))
}

// DeletePrintProjectFiles removes every print job file.
func (p *Printer) DeletePrintProjectFiles() error {
	serial := p.cfg.Serial
	for _, f := range []string{consumeIndexFile0, consumeIndexFile1, printUsageFile, printProjectFile} {
		if err := p.files.Delete(state.PrinterStateFilePath(serial, f)); err != nil {
			return err
		}
	}
	return nil
}

// LoadPrintProjectState restores an interrupted print job from disk. The
// job becomes the loaded project; it is only promoted to the tracked
// project once the printer confirms the same job is still printing.
// Returns false when no job files exist.
func (p *Printer) LoadPrintProjectState() (bool, error) {
	serial := p.cfg.Serial

	usageCSV, err := p.files.Read(state.PrinterStateFilePath(serial, printUsageFile))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	usage, err := analysis.DecodeUsage(usageCSV)
	if err != nil {
		return false, err
	}

	projJSON, err := p.files.Read(state.PrinterStateFilePath(serial, printProjectFile))
	if err != nil {
		return false, fmt.Errorf("bambu: print job snapshot missing or unreadable: %w", err)
	}
	var proj PrintProject
	if err := json.Unmarshal([]byte(projJSON), &proj); err != nil {
		return false, fmt.Errorf("bambu: decode print job snapshot: %w", err)
	}
	if proj.Analysis.Phase != AnalysisReceived {
		return false, fmt.Errorf("bambu: stored print job has no received analysis")
	}
	proj.Analysis.Usage = usage

	ci, err := p.loadConsumeIndex()
	if err != nil {
		return false, err
	}
	proj.consumeIndex = ci.Value
	proj.consumeStoreCounter = ci.Rev

	p.loadedPrintProject = &proj
	p.logger.Info().
		Str("project_id", proj.ProjectID).
		Int32("consume_index", proj.consumeIndex).
		Msg("interrupted print job restored, waiting for printer confirmation")
	return true, nil
}

func (p *Printer) loadConsumeIndex() (ConsumeIndexState, error) {
	best := ConsumeIndexState{Rev: -1, Value: -1}
	found := false
	for _, f := range []string{consumeIndexFile0, consumeIndexFile1} {
		content, err := p.files.Read(state.PrinterStateFilePath(p.cfg.Serial, f))
		if err != nil {
			continue
		}
		var ci ConsumeIndexState
		if err := json.Unmarshal([]byte(content), &ci); err != nil {
			continue
		}
		if !found || ci.Rev > best.Rev {
			best = ci
			found = true
		}
	}
	if !found {
		return best, fmt.Errorf("bambu: no readable consume checkpoint")
	}
	return best, nil
}

// resumeLoadedProject reconciles a restored job against the printer's
// reported lifecycle after reconnect. The job resumes only if the printer
// is still printing the same project; in every other case its files are
// deleted.
func (p *Printer) resumeLoadedProject(msg *PrintData) {
	proj := p.loadedPrintProject
	if proj == nil {
		return
	}

	switch p.gcodeState {
	case GcodeStateRunning, GcodeStatePrepare, GcodeStatePause:
		if msg.ProjectID == nil {
			p.logger.Warn().Msg("printer busy but no project id yet, keeping restored job")
			return
		}
		if *msg.ProjectID == proj.ProjectID {
			p.loadedPrintProject = nil
			p.updateTraysFromPrintJob(proj)
			p.currPrintProject = proj
			p.logger.Info().Str("project_id", proj.ProjectID).Msg("print job tracking resumed")
			return
		}
		p.logger.Info().
			Str("stored", proj.ProjectID).
			Str("printing", *msg.ProjectID).
			Msg("printer is printing a different job, dropping restored one")
		p.loadedPrintProject = nil
		p.requestStore(StoreRequest{Kind: StoreRequestDeletePrintProject})
	case GcodeStateUnknown:
		// No lifecycle report yet; keep waiting.
	default:
		p.loadedPrintProject = nil
		p.requestStore(StoreRequest{Kind: StoreRequestDeletePrintProject})
	}
}
