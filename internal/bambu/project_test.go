// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"testing"

	"github.com/filatrack/filatrack/internal/analysis"
	"github.com/filatrack/filatrack/internal/state"
)

func boolp(v bool) *bool { return &v }

func TestAmsMappingTrayID(t *testing.T) {
	tests := []struct {
		name     string
		proj     PrintProject
		filament int32
		want     *int32
	}{
		{"direct mapping", PrintProject{AmsMapping: []int32{2, 5}}, 1, i32(5)},
		{"negative filament", PrintProject{AmsMapping: []int32{2}}, -1, nil},
		{"unmapped slot falls through", PrintProject{AmsMapping: []int32{-1}}, 0, nil},
		{
			"extended mapping external 255",
			PrintProject{AmsMapping: []int32{-1}, AmsMapping2: []AmsMapping2Entry{{AmsID: TrayIDExternal0, SlotID: 0}}},
			0, i32(TrayIDExternal0),
		},
		{
			"extended mapping external 254",
			PrintProject{AmsMapping: []int32{-1}, AmsMapping2: []AmsMapping2Entry{{AmsID: TrayIDExternal1, SlotID: 0}}},
			0, i32(TrayIDExternal1),
		},
		{
			"extended mapping non-zero slot ignored",
			PrintProject{AmsMapping: []int32{-1}, AmsMapping2: []AmsMapping2Entry{{AmsID: TrayIDExternal0, SlotID: 1}}},
			0, nil,
		},
		{"no ams means external", PrintProject{AmsMapping: []int32{-1}, UseAms: boolp(false)}, 0, i32(TrayIDExternal0)},
		{"beyond mapping", PrintProject{AmsMapping: []int32{2}}, 4, nil},
	}
	for _, tt := range tests {
		got := tt.proj.AmsMappingTrayID(tt.filament)
		if !i32PtrEqual(got, tt.want) {
			t.Errorf("%s: AmsMappingTrayID(%d) = %v, want %v", tt.name, tt.filament, ptrI32Str(got), ptrI32Str(tt.want))
		}
	}
}

func testUsage() []analysis.FilamentUsageEntry {
	return []analysis.FilamentUsageEntry{
		{Layer: 0, GcodeFilamentID: 0, WeightG: 1.5},
		{Layer: 0, GcodeFilamentID: 1, WeightG: 0.5},
		{Layer: 1, GcodeFilamentID: 0, WeightG: 2},
		{Layer: 3, GcodeFilamentID: 0, WeightG: 3},
		{Layer: 3, GcodeFilamentID: 1, WeightG: 1},
	}
}

func trackedProject(usage []analysis.FilamentUsageEntry) *PrintProject {
	return &PrintProject{
		ProjectID:     "proj-1",
		SubtaskName:   "benchy",
		ThreemfURL:    "https://example.test/job.3mf",
		GcodeFilename: "plate_1.gcode",
		AmsMapping:    []int32{0, 1},
		Analysis:      GcodeAnalysis{Phase: AnalysisReceived, JobNumber: 1, Usage: usage},
		TotalLayerNum: 5,
		consumeIndex:  0,
	}
}

func TestConsumeCatchUpOnLayerChange(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	proj := trackedProject(testUsage())
	proj.needConsume = true
	p.currPrintProject = proj

	p.tryConsume(consumeTrigger{kind: consumeLayerChange, layer: 4})

	if proj.consumeIndex != 5 {
		t.Fatalf("consume index = %d, want 5", proj.consumeIndex)
	}
	if proj.needConsume {
		t.Error("catch-up must disarm the consume flag")
	}
	if got := p.amsTrays[0].Meta.ConsumedSinceLoad; got != 6.5 {
		t.Errorf("tray 0 consumed = %v, want 6.5", got)
	}
	if got := p.amsTrays[1].Meta.ConsumedSinceLoad; got != 1.5 {
		t.Errorf("tray 1 consumed = %v, want 1.5", got)
	}
	if got := p.amsTrays[0].Meta.ConsumedSinceWeight; got != 6.5 {
		t.Errorf("tray 0 consumed since weigh = %v, want 6.5", got)
	}

	select {
	case req := <-p.StoreRequests():
		if req.Kind != StoreRequestConsumeIndex || req.Counter != 1 {
			t.Errorf("store request = %+v, want consume checkpoint 1", req)
		}
	default:
		t.Error("no consume checkpoint requested")
	}
}

func TestConsumePartialCatchUp(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	proj := trackedProject(testUsage())
	proj.needConsume = true
	p.currPrintProject = proj

	// Layer 3 catches up everything below it; the layer 3 entries stay.
	p.tryConsume(consumeTrigger{kind: consumeLayerChange, layer: 3})
	if proj.consumeIndex != 3 {
		t.Fatalf("consume index = %d, want 3", proj.consumeIndex)
	}

	proj.needConsume = true
	p.tryConsume(consumeTrigger{kind: consumeFinish})
	if proj.consumeIndex != 5 {
		t.Errorf("consume index after finish = %d, want 5", proj.consumeIndex)
	}
}

func TestConsumeFilamentSwitch(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	usage := []analysis.FilamentUsageEntry{{Layer: 7, GcodeFilamentID: 0, WeightG: 1.25}}
	proj := trackedProject(usage)
	proj.AmsMapping = []int32{2}
	proj.needConsume = true
	p.currPrintProject = proj
	p.layerNum = 7
	p.trayNow[0] = 2

	p.tryConsume(consumeTrigger{kind: consumeFilamentSwitch})

	if proj.consumeIndex != 1 {
		t.Fatalf("consume index = %d, want 1", proj.consumeIndex)
	}
	if proj.needConsume {
		t.Error("matched switch must disarm the consume flag")
	}
	if got := p.amsTrays[2].Meta.ConsumedSinceLoad; got != 1.25 {
		t.Errorf("tray 2 consumed = %v, want 1.25", got)
	}
}

func TestConsumeFilamentSwitchMismatchKeepsArmed(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	usage := []analysis.FilamentUsageEntry{{Layer: 7, GcodeFilamentID: 0, WeightG: 1.25}}
	proj := trackedProject(usage)
	proj.AmsMapping = []int32{2}
	proj.needConsume = true
	p.currPrintProject = proj
	p.layerNum = 6 // not the entry's layer
	p.trayNow[0] = 2

	p.tryConsume(consumeTrigger{kind: consumeFilamentSwitch})

	if proj.consumeIndex != 0 {
		t.Errorf("consume index = %d, want 0", proj.consumeIndex)
	}
	if !proj.needConsume {
		t.Error("unmatched switch must keep the consume flag armed")
	}
}

func TestConsumeRequiresReceivedAnalysis(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	proj := trackedProject(testUsage())
	proj.Analysis.Phase = AnalysisRequested
	proj.needConsume = true
	p.currPrintProject = proj

	p.tryConsume(consumeTrigger{kind: consumeLayerChange, layer: 4})
	if proj.consumeIndex != 0 {
		t.Errorf("consume index = %d, want 0 while analysis is pending", proj.consumeIndex)
	}
}

func TestSetGcodeAnalysis(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	proj := trackedProject(nil)
	proj.Analysis = GcodeAnalysis{Phase: AnalysisRequested, JobNumber: 3}
	proj.consumeIndex = -1
	p.currPrintProject = proj

	p.SetGcodeAnalysis(2, testUsage())
	if proj.Analysis.Phase != AnalysisRequested {
		t.Error("stale job number must be ignored")
	}

	p.SetGcodeAnalysis(3, testUsage())
	if proj.Analysis.Phase != AnalysisReceived {
		t.Fatalf("phase = %v, want Received", proj.Analysis.Phase)
	}
	if proj.consumeIndex != 0 {
		t.Errorf("consume index = %d, want 0", proj.consumeIndex)
	}
	select {
	case req := <-p.StoreRequests():
		if req.Kind != StoreRequestPrintProject {
			t.Errorf("store request = %+v, want print project", req)
		}
	default:
		t.Error("no project store requested")
	}
}

func TestHandleProjectFileStartsTracking(t *testing.T) {
	an := &stubAnalyzer{}
	p := NewPrinter(PrinterConfig{Serial: testSerial, TrackPrintConsume: true}, Deps{Files: newMemStore(), Analyzer: an})
	cmd := CommandProjectFile
	p.ProcessPrintMessage(&PrintData{
		Command:     &cmd,
		ProjectID:   sp("proj-9"),
		SubtaskName: sp("benchy"),
		URL:         sp("https://example.test/job.3mf"),
		Param:       sp("plate_1.gcode"),
		AmsMapping:  []int32{0},
	})

	proj := p.currPrintProject
	if proj == nil {
		t.Fatal("project not tracked")
	}
	if proj.ProjectID != "proj-9" || proj.SubtaskName != "benchy" {
		t.Errorf("project = %+v", proj)
	}
	// Cloud fetch is off, so analysis waits for the printer to start.
	if proj.Analysis.Phase != AnalysisWaitingForPrinter {
		t.Errorf("phase = %v, want WaitingForPrinter", proj.Analysis.Phase)
	}
	if len(an.requests) != 0 {
		t.Errorf("analysis requested prematurely: %v", an.requests)
	}
	if !p.amsTrays[0].Meta.UsedInPrint {
		t.Error("mapped tray not flagged as used")
	}

	select {
	case req := <-p.StoreRequests():
		if req.Kind != StoreRequestDeletePrintProject {
			t.Errorf("store request = %+v, want delete", req)
		}
	default:
		t.Error("stale project files not scheduled for deletion")
	}
}

func TestHandleProjectFileCloudFetch(t *testing.T) {
	an := &stubAnalyzer{}
	p := NewPrinter(PrinterConfig{Serial: testSerial, TrackPrintConsume: true, Fetch3mf: Fetch3mfCloudHTTP},
		Deps{Files: newMemStore(), Analyzer: an})
	cmd := CommandProjectFile
	p.ProcessPrintMessage(&PrintData{
		Command:     &cmd,
		SubtaskName: sp("vase"),
		URL:         sp("https://example.test/vase.3mf"),
		Param:       sp("plate_1.gcode"),
		AmsMapping:  []int32{1},
		SequenceID:  sp("20005"),
	})

	proj := p.currPrintProject
	if proj == nil {
		t.Fatal("project not tracked")
	}
	// No project id on display prints; a synthetic one keeps the job files
	// addressable.
	if proj.ProjectID != "display_print_20005" {
		t.Errorf("project id = %q", proj.ProjectID)
	}
	if proj.Analysis.Phase != AnalysisRequested || proj.Analysis.JobNumber != 1 {
		t.Errorf("analysis = %+v, want requested job 1", proj.Analysis)
	}
	if len(an.requests) != 1 {
		t.Errorf("analysis requests = %v", an.requests)
	}
}

func TestProcessPrintProjectRunArmAndFinish(t *testing.T) {
	an := &stubAnalyzer{}
	p := NewPrinter(PrinterConfig{Serial: testSerial, TrackPrintConsume: true}, Deps{Files: newMemStore(), Analyzer: an})
	proj := trackedProject(testUsage())
	proj.Analysis = GcodeAnalysis{Phase: AnalysisWaitingForPrinter}
	proj.consumeIndex = -1
	p.currPrintProject = proj
	p.updateTraysFromPrintJob(proj)

	p.processPrintProject(&PrintData{GcodeState: gs(GcodeStateRunning)})
	if proj.Analysis.Phase != AnalysisRequested {
		t.Fatalf("phase = %v, want Requested after RUNNING", proj.Analysis.Phase)
	}
	if !proj.needConsume {
		t.Error("RUNNING transition must arm consumption")
	}
	p.gcodeState = GcodeStateRunning

	p.SetGcodeAnalysis(proj.Analysis.JobNumber, testUsage())

	p.processPrintProject(&PrintData{GcodeState: gs(GcodeStateFinish)})
	if p.currPrintProject != nil {
		t.Error("finished job must stop being tracked")
	}
	if proj.consumeIndex != 5 {
		t.Errorf("consume index = %d, want all 5 entries on finish", proj.consumeIndex)
	}
	if p.amsTrays[0].Meta.UsedInPrint || p.amsTrays[1].Meta.UsedInPrint {
		t.Error("used-in-print flags must clear when the job ends")
	}
}

func TestProcessPrintProjectFailureCancelsAnalysis(t *testing.T) {
	an := &stubAnalyzer{}
	p := NewPrinter(PrinterConfig{Serial: testSerial, TrackPrintConsume: true}, Deps{Files: newMemStore(), Analyzer: an})
	proj := trackedProject(nil)
	proj.Analysis = GcodeAnalysis{Phase: AnalysisRequested, JobNumber: 8}
	p.currPrintProject = proj
	p.gcodeState = GcodeStateRunning

	p.processPrintProject(&PrintData{GcodeState: gs(GcodeStateFailed)})
	if p.currPrintProject != nil {
		t.Error("failed job must stop being tracked")
	}
	if len(an.canceled) != 1 || an.canceled[0] != 8 {
		t.Errorf("canceled jobs = %v, want [8]", an.canceled)
	}
}

func TestProjectStoreLoadRoundTrip(t *testing.T) {
	ms := newMemStore()
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, ms)
	proj := trackedProject(testUsage())
	proj.consumeIndex = 3
	proj.consumeStoreCounter = 4
	p.currPrintProject = proj

	if err := p.StorePrintProject(); err != nil {
		t.Fatalf("store: %v", err)
	}
	for _, f := range []string{printProjectFile, printUsageFile, consumeIndexFile0} {
		if _, err := ms.Read(state.PrinterStateFilePath(testSerial, f)); err != nil {
			t.Errorf("file %s not written: %v", f, err)
		}
	}

	q := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, ms)
	found, err := q.LoadPrintProjectState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("project files not found")
	}
	got := q.loadedPrintProject
	if got == nil {
		t.Fatal("loaded project missing")
	}
	if got.ProjectID != proj.ProjectID || got.SubtaskName != proj.SubtaskName {
		t.Errorf("loaded project = %+v", got)
	}
	if got.Analysis.Phase != AnalysisReceived || len(got.Analysis.Usage) != len(proj.Analysis.Usage) {
		t.Errorf("loaded analysis = %+v", got.Analysis)
	}
	if got.consumeIndex != 3 || got.consumeStoreCounter != 4 {
		t.Errorf("loaded checkpoint = (%d, %d), want (3, 4)", got.consumeIndex, got.consumeStoreCounter)
	}
}

func TestConsumeCheckpointHigherRevWins(t *testing.T) {
	ms := newMemStore()
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, ms)
	proj := trackedProject(testUsage())
	proj.consumeIndex = 2
	proj.consumeStoreCounter = 2
	p.currPrintProject = proj
	if err := p.StorePrintProject(); err != nil {
		t.Fatalf("store: %v", err)
	}

	// A newer checkpoint in the other file supersedes the stored one.
	proj.consumeIndex = 4
	if err := p.StoreConsumeIndexState(5); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := ms.Read(state.PrinterStateFilePath(testSerial, consumeIndexFile1)); err != nil {
		t.Fatalf("odd checkpoint file not written: %v", err)
	}

	q := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, ms)
	if _, err := q.LoadPrintProjectState(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if q.loadedPrintProject.consumeIndex != 4 {
		t.Errorf("consume index = %d, want 4 from the newer checkpoint", q.loadedPrintProject.consumeIndex)
	}
}

func TestLoadPrintProjectStateAbsent(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	found, err := p.LoadPrintProjectState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Error("empty store reported project files")
	}
}

func TestLoadPrintProjectRejectsPendingAnalysis(t *testing.T) {
	ms := newMemStore()
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, ms)
	proj := trackedProject(testUsage())
	proj.Analysis.Phase = AnalysisRequested
	p.currPrintProject = proj
	if err := p.StorePrintProject(); err != nil {
		t.Fatalf("store: %v", err)
	}

	q := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, ms)
	if _, err := q.LoadPrintProjectState(); err == nil {
		t.Error("a snapshot without received analysis must not restore")
	}
}

func TestResumeLoadedProject(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	proj := trackedProject(testUsage())
	p.loadedPrintProject = proj
	p.gcodeState = GcodeStateRunning

	// No project id yet: keep waiting.
	p.resumeLoadedProject(&PrintData{})
	if p.loadedPrintProject == nil || p.currPrintProject != nil {
		t.Fatal("job must stay in the loaded slot until the printer confirms")
	}

	p.resumeLoadedProject(&PrintData{ProjectID: sp("proj-1")})
	if p.currPrintProject != proj || p.loadedPrintProject != nil {
		t.Error("matching job must resume")
	}
	if !p.amsTrays[0].Meta.UsedInPrint {
		t.Error("resumed job must re-flag its trays")
	}
}

func TestResumeLoadedProjectMismatch(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	p.loadedPrintProject = trackedProject(testUsage())
	p.gcodeState = GcodeStateRunning

	p.resumeLoadedProject(&PrintData{ProjectID: sp("other")})
	if p.loadedPrintProject != nil || p.currPrintProject != nil {
		t.Error("mismatched job must be dropped")
	}
	select {
	case req := <-p.StoreRequests():
		if req.Kind != StoreRequestDeletePrintProject {
			t.Errorf("store request = %+v, want delete", req)
		}
	default:
		t.Error("dropped job files not scheduled for deletion")
	}
}

func TestResumeLoadedProjectIdlePrinter(t *testing.T) {
	p := newTestPrinter(PrinterConfig{TrackPrintConsume: true}, nil)
	p.loadedPrintProject = trackedProject(testUsage())
	p.gcodeState = GcodeStateIdle

	p.resumeLoadedProject(&PrintData{})
	if p.loadedPrintProject != nil {
		t.Error("idle printer must drop the restored job")
	}
}

func TestUpdateTraysFromPrintJob(t *testing.T) {
	p := newTestPrinter(PrinterConfig{}, nil)
	proj := &PrintProject{AmsMapping: []int32{0, 5, -1}, UseAms: boolp(false)}
	p.updateTraysFromPrintJob(proj)

	if !p.amsTrays[0].Meta.UsedInPrint || !p.amsTrays[5].Meta.UsedInPrint {
		t.Error("mapped trays not flagged")
	}
	if p.amsTrays[1].Meta.UsedInPrint {
		t.Error("unmapped tray flagged")
	}
	if !p.virtTrays[0].Meta.UsedInPrint {
		t.Error("external print must flag the external holder")
	}
}
