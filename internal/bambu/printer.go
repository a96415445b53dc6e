// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/alerts"
	"github.com/filatrack/filatrack/internal/logging"
	"github.com/filatrack/filatrack/internal/state"
)

const (
	// NumAmsTrays is the tray capacity tracked per printer: four 4-slot AMS
	// units plus eight single-slot AMS HT units.
	NumAmsTrays = 24

	// NumVirtTrays is the number of external spool holders (one per extruder).
	NumVirtTrays = 2

	// NumExtruders is the maximum extruder count across supported models.
	NumExtruders = 2

	// TrayIDExternal0 and TrayIDExternal1 are the wire ids of the external
	// spool holders on extruder 0 and extruder 1.
	TrayIDExternal0 = 255
	TrayIDExternal1 = 254

	// trayNone is the "no tray" value in tray_tar/tray_now/tray_pre.
	trayNone = 255

	// numAmsUnits covers 4-slot units (0..3), HT units (4..11) and the two
	// external holders (12, 13) in the per-unit extruder table.
	numAmsUnits = 14

	// UnknownPrinterName is the placeholder used until a real name is known.
	UnknownPrinterName = "Unknown"
)

// Fetch3mfMode selects how print job 3mf archives are obtained for usage
// analysis.
type Fetch3mfMode int

const (
	// Fetch3mfOff disables job archive fetching.
	Fetch3mfOff Fetch3mfMode = iota
	// Fetch3mfCloudHTTP fetches cloud print jobs over HTTPS.
	Fetch3mfCloudHTTP
)

// PrinterConfig is the static configuration of one printer.
type PrinterConfig struct {
	Serial            string
	AccessCode        string
	IP                string
	Name              string
	AutoRestoreK      bool
	TrackPrintConsume bool
	Fetch3mf          Fetch3mfMode
}

// Publisher sends a payload to the printer's request topic.
type Publisher interface {
	Publish(payload []byte) error
}

// SpoolLookup resolves inventory spools during state restore migration.
type SpoolLookup interface {
	// SpoolConsumedWeight returns the recorded consumed weight for a spool
	// id and whether the spool exists.
	SpoolConsumedWeight(id string) (float32, bool)
}

// Events receives state change notifications for fan-out to observers.
type Events interface {
	TraysUpdated(serial string, prev, curr TrayBits, removedSpools map[int]string)
	ConnectStatus(serial string, connected bool)
}

// Analyzer runs filament usage analysis of print job archives.
type Analyzer interface {
	// Request schedules analysis of a job archive and returns its job number.
	Request(projectID, url, gcodeFilename string) int32
	// Cancel drops a scheduled or running job. Unknown job numbers are a
	// silent no-op.
	Cancel(jobNumber int32)
}

// StoreRequestKind identifies a persistence request queued for the
// dispatcher.
type StoreRequestKind int

const (
	StoreRequestPrinterState StoreRequestKind = iota
	StoreRequestPrintProject
	StoreRequestConsumeIndex
	StoreRequestDeletePrintProject
)

// StoreRequest asks the dispatcher to run a persistence operation outside
// the current state mutation.
type StoreRequest struct {
	Kind StoreRequestKind
	// Counter carries the consume checkpoint counter for
	// StoreRequestConsumeIndex.
	Counter int32
}

// TrayBits is a snapshot of the printer's tray presence bitmasks.
type TrayBits struct {
	Exist    *uint32
	ReadDone *uint32
	Reading  *uint32
}

// Equal reports whether two snapshots are identical.
func (b TrayBits) Equal(o TrayBits) bool {
	return u32PtrEqual(b.Exist, o.Exist) &&
		u32PtrEqual(b.ReadDone, o.ReadDone) &&
		u32PtrEqual(b.Reading, o.Reading)
}

type amsUnitInfo struct {
	extruder uint32
}

// Printer is the synchronized state of one Bambu printer. All mutation runs
// on the printer's dispatcher goroutine under the guard; reads from other
// goroutines go through the dispatcher's task queue.
type Printer struct {
	cfg    PrinterConfig
	model  Model
	guard  Guard
	logger zerolog.Logger

	files     state.FileStore
	spools    SpoolLookup
	notifier  alerts.Notifier
	publisher Publisher
	events    Events
	analyzer  Analyzer

	extruders [NumExtruders]Extruder
	amsTrays  [NumAmsTrays]Tray
	virtTrays [NumVirtTrays]Tray

	// Dirty flags track exactly which persisted groups diverge from the
	// stored snapshot. forceStoreState is the recovery override raised when
	// a store attempt failed.
	forceStoreState            bool
	extrudersDirty             bool
	amsTraysDirty              [NumAmsTrays]bool
	virtTraysDirty             bool
	trayExistBitsDirty         bool
	trayReadDoneBitsDirty      bool
	amsExistBitsDirty          bool
	calibrationsDirty          bool
	printerNameDirty           bool
	relevantExtruderStateDirty bool

	calibrations []Calibration

	trayExistBits    *uint32
	trayReadDoneBits *uint32
	trayReadingBits  *uint32
	amsExistBits     *uint32

	printerWasDisconnected bool
	pendingKRestore        bool
	connected              *bool

	currPrintProject   *PrintProject
	loadedPrintProject *PrintProject

	printerName   string
	extruderState *int32
	trayTar       [NumExtruders]int32
	trayNow       [NumExtruders]int32
	trayPre       [NumExtruders]int32

	gcodeState GcodeState
	layerNum   int32
	lockedMode *bool
	amsInfo    [numAmsUnits]amsUnitInfo

	// removedSpools collects spool removals detected while folding in a
	// report, keyed by wire tray id. Drained by the dispatcher after each
	// message.
	removedSpools map[int]string

	// nozzle0 mirrors extruder 0's diameter for lock-free polls from the
	// startup sequence goroutine.
	nozzle0 atomic.Pointer[string]

	storeReq  chan StoreRequest
	loopTasks chan func()
}

// Deps are the collaborators a Printer needs.
type Deps struct {
	Files    state.FileStore
	Spools   SpoolLookup
	Notifier alerts.Notifier
	Events   Events
	Analyzer Analyzer
}

// NewPrinter creates a printer in the post-restart posture: considered
// disconnected, with a K restore sequence pending.
func NewPrinter(cfg PrinterConfig, deps Deps) *Printer {
	p := &Printer{
		cfg:      cfg,
		model:    ModelFromSerial(cfg.Serial),
		logger:   logging.WithPrinter(cfg.Serial),
		files:    deps.Files,
		spools:   deps.Spools,
		notifier: deps.Notifier,
		events:   deps.Events,
		analyzer: deps.Analyzer,

		printerWasDisconnected: true,
		pendingKRestore:        true,
		printerName:            UnknownPrinterName,
		gcodeState:             GcodeStateUnknown,
		layerNum:               -1,

		storeReq:  make(chan StoreRequest, 32),
		loopTasks: make(chan func(), 16),
	}
	if cfg.Name != "" {
		p.printerName = cfg.Name
	}
	for i := range p.amsTrays {
		p.amsTrays[i] = DefaultTray()
	}
	for i := range p.virtTrays {
		p.virtTrays[i] = DefaultTray()
	}
	for e := 0; e < NumExtruders; e++ {
		p.extruders[e].ID = uint32(e)
		p.trayTar[e] = trayNone
		p.trayNow[e] = trayNone
		p.trayPre[e] = trayNone
	}
	// External holder 254 feeds extruder 1, holder 255 feeds extruder 0.
	p.amsInfo[12].extruder = 1
	p.amsInfo[13].extruder = 0
	return p
}

// Serial returns the printer's serial number.
func (p *Printer) Serial() string { return p.cfg.Serial }

// Model returns the decoded printer model.
func (p *Printer) Model() Model { return p.model }

// Config returns the printer's static configuration.
func (p *Printer) Config() PrinterConfig { return p.cfg }

// Name returns the current printer name.
func (p *Printer) Name() string { return p.printerName }

// SetPublisher attaches the outbound transport. Must be called before the
// dispatcher starts processing.
func (p *Printer) SetPublisher(pub Publisher) { p.publisher = pub }

// StoreRequests exposes the queue of pending persistence requests to the
// dispatcher.
func (p *Printer) StoreRequests() <-chan StoreRequest { return p.storeReq }

// LoopTasks exposes the queue of deferred closures the dispatcher runs on
// its own goroutine.
func (p *Printer) LoopTasks() <-chan func() { return p.loopTasks }

// EnqueueTask schedules fn on the dispatcher goroutine. Drops the task with
// a warning when the dispatcher cannot keep up.
func (p *Printer) EnqueueTask(fn func()) {
	select {
	case p.loopTasks <- fn:
	default:
		p.logger.Warn().Msg("dispatcher task queue full, task dropped")
	}
}

// RequestStateStore queues a state save on the dispatcher. The store
// itself still skips when nothing is dirty, so the request is cheap.
func (p *Printer) RequestStateStore() {
	p.requestStore(StoreRequest{Kind: StoreRequestPrinterState})
}

func (p *Printer) requestStore(r StoreRequest) {
	select {
	case p.storeReq <- r:
	default:
		// The dispatcher drains this queue between messages; overflow means
		// it is wedged. Force a save on the next attempt instead of losing
		// the request.
		p.forceStoreState = true
		p.logger.Warn().Int("kind", int(r.Kind)).Msg("store request queue full")
	}
}

// IsLocked reports whether the printer is in locked (read-only) mode.
// Commands that change printer-side settings are suppressed while locked.
func (p *Printer) IsLocked() bool {
	return p.lockedMode != nil && *p.lockedMode
}

// TrayBitsSnapshot captures the current presence bitmasks.
func (p *Printer) TrayBitsSnapshot() TrayBits {
	return TrayBits{
		Exist:    u32PtrClone(p.trayExistBits),
		ReadDone: u32PtrClone(p.trayReadDoneBits),
		Reading:  u32PtrClone(p.trayReadingBits),
	}
}

func u32PtrClone(v *uint32) *uint32 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// normalizeAmsTrayIndex maps a wire tray index to the flat AMS tray array.
// HT unit trays arrive as 128..135 and map to 16..23.
func normalizeAmsTrayIndex(index int) (int, bool) {
	switch {
	case index >= 0 && index < NumAmsTrays:
		// Flat indexes pass through; internal callers address HT trays
		// as 16..23.
		return index, true
	case index >= 128 && index < 136:
		return index - 128 + 16, true
	default:
		return 0, false
	}
}

// SwapAMSTray replaces the tray at a wire index and returns the previous
// value. Out of range indexes are logged and ignored.
func (p *Printer) SwapAMSTray(index int, tray Tray) (Tray, bool) {
	idx, ok := normalizeAmsTrayIndex(index)
	if !ok {
		p.logger.Error().Int("index", index).Msg("ams tray index out of range")
		return DefaultTray(), false
	}
	prev := p.amsTrays[idx]
	if !prev.Equal(tray) || !prev.Meta.Equal(tray.Meta) {
		p.amsTraysDirty[idx] = true
	}
	p.amsTrays[idx] = tray
	return prev, true
}

// UpdateAMSTray replaces the tray at a wire index.
func (p *Printer) UpdateAMSTray(index int, tray Tray) {
	p.SwapAMSTray(index, tray)
}

// SetVirtTray replaces an external holder tray.
func (p *Printer) SetVirtTray(extruder int, tray Tray) {
	if extruder < 0 || extruder >= NumVirtTrays {
		p.logger.Error().Int("extruder", extruder).Msg("virtual tray extruder out of range")
		return
	}
	prev := p.virtTrays[extruder]
	if !prev.Equal(tray) || !prev.Meta.Equal(tray.Meta) {
		p.virtTraysDirty = true
	}
	p.virtTrays[extruder] = tray
}

// UpdateAnyTray routes a tray update by wire id: 255 and 254 address the
// external holders, everything else the AMS array.
func (p *Printer) UpdateAnyTray(index int, tray Tray) {
	switch index {
	case TrayIDExternal0:
		p.SetVirtTray(0, tray)
	case TrayIDExternal1:
		p.SetVirtTray(1, tray)
	default:
		p.UpdateAMSTray(index, tray)
	}
}

// GetAnyTray returns the tray for a wire id, or nil when out of range.
func (p *Printer) GetAnyTray(index int) *Tray {
	switch index {
	case TrayIDExternal1:
		return &p.virtTrays[1]
	case TrayIDExternal0:
		return &p.virtTrays[0]
	default:
		idx, ok := normalizeAmsTrayIndex(index)
		if !ok {
			return nil
		}
		return &p.amsTrays[idx]
	}
}

// SetTrayExistBits updates the presence bitmask. Returns whether it changed.
func (p *Printer) SetTrayExistBits(v uint32) bool {
	if p.trayExistBits != nil && *p.trayExistBits == v {
		return false
	}
	p.trayExistBits = &v
	p.trayExistBitsDirty = true
	return true
}

// SetTrayReadDoneBits updates the tag-read-complete bitmask.
func (p *Printer) SetTrayReadDoneBits(v uint32) bool {
	if p.trayReadDoneBits != nil && *p.trayReadDoneBits == v {
		return false
	}
	p.trayReadDoneBits = &v
	p.trayReadDoneBitsDirty = true
	return true
}

// SetTrayReadingBits updates the tag-reading bitmask. Not persisted, so no
// dirty flag.
func (p *Printer) SetTrayReadingBits(v uint32) bool {
	if p.trayReadingBits != nil && *p.trayReadingBits == v {
		return false
	}
	p.trayReadingBits = &v
	return true
}

// SetAmsExistBits updates the AMS unit presence bitmask.
func (p *Printer) SetAmsExistBits(v uint32) bool {
	if p.amsExistBits != nil && *p.amsExistBits == v {
		return false
	}
	p.amsExistBits = &v
	p.amsExistBitsDirty = true
	return true
}

// SetNozzleDiameter records an extruder's nozzle diameter as reported in the
// legacy single-nozzle field.
func (p *Printer) SetNozzleDiameter(extruder int, diameter string) {
	if extruder < 0 || extruder >= NumExtruders {
		return
	}
	e := &p.extruders[extruder]
	if e.Diameter == nil || *e.Diameter != diameter {
		d := diameter
		e.Diameter = &d
		p.extrudersDirty = true
	}
	if extruder == 0 {
		d := diameter
		p.nozzle0.Store(&d)
	}
}

// SetExtruderInfo records an extruder's nozzle from a device report.
func (p *Printer) SetExtruderInfo(extruder int, diameter float32, nozzleType string) {
	if extruder < 0 || extruder >= NumExtruders {
		return
	}
	d := fmt.Sprintf("%.1f", diameter)
	e := &p.extruders[extruder]
	changed := e.Diameter == nil || *e.Diameter != d ||
		e.NozzleType == nil || *e.NozzleType != nozzleType
	if changed {
		e.Diameter = &d
		nt := nozzleType
		e.NozzleType = &nt
		p.extrudersDirty = true
	}
	if extruder == 0 {
		p.nozzle0.Store(&d)
	}
}

// NozzleDiameter returns an extruder's known nozzle diameter, or nil.
func (p *Printer) NozzleDiameter(extruder int) *string {
	if extruder < 0 || extruder >= NumExtruders {
		return nil
	}
	return p.extruders[extruder].Diameter
}

// Nozzle0Diameter is the lock-free mirror of extruder 0's diameter for the
// startup sequence goroutine.
func (p *Printer) Nozzle0Diameter() *string {
	return p.nozzle0.Load()
}

// SetExtruderState records the packed extruder state word. Only the low
// byte (extruder count and active extruder) is persisted; changes limited
// to the upper bits do not dirty the state. Returns whether the relevant
// part changed.
func (p *Printer) SetExtruderState(stateWord int32) bool {
	relevantChanged := p.extruderState == nil || (*p.extruderState&0xFF) != (stateWord&0xFF)
	s := stateWord
	p.extruderState = &s
	if relevantChanged {
		p.relevantExtruderStateDirty = true
	}
	return relevantChanged
}

// NumExtrudersActive returns the extruder count from the state word, one
// when unreported.
func (p *Printer) NumExtrudersActive() int {
	if p.extruderState == nil {
		return 1
	}
	n := int(*p.extruderState & 0x0F)
	if n < 1 {
		n = 1
	}
	if n > NumExtruders {
		n = NumExtruders
	}
	return n
}

// ActiveExtruder returns the currently selected extruder, or nil while the
// state word is unreported or carries an invalid selection.
func (p *Printer) ActiveExtruder() *int {
	if p.extruderState == nil {
		return nil
	}
	a := int((*p.extruderState >> 4) & 0x0F)
	if a > 1 {
		return nil
	}
	return &a
}

// SetPrinterName updates the printer's display name.
func (p *Printer) SetPrinterName(name string) {
	if name == "" || p.printerName == name {
		return
	}
	p.printerName = name
	p.printerNameDirty = true
}

// ReportConnectivity records a transport connectivity transition. A drop
// after a confirmed connection re-arms the post-reconnect recovery steps.
func (p *Printer) ReportConnectivity(connected bool) {
	if p.connected != nil && *p.connected && !connected {
		p.printerWasDisconnected = true
		p.pendingKRestore = true
	}
	c := connected
	p.connected = &c
	if p.events != nil {
		p.events.ConnectStatus(p.cfg.Serial, connected)
	}
}

// amsInfoIndexForTray maps a wire tray id to the per-unit extruder table.
func (p *Printer) amsInfoIndexForTray(trayID int) (int, error) {
	switch {
	case trayID >= 0 && trayID < 16:
		return trayID / 4, nil
	case trayID >= 16 && trayID < 24:
		return trayID - 16 + 4, nil
	case trayID == TrayIDExternal1:
		return 12, nil
	case trayID == TrayIDExternal0:
		return 13, nil
	default:
		return 0, fmt.Errorf("bambu: no ams unit for tray %d", trayID)
	}
}

// ExtruderForTray returns which extruder a tray feeds.
func (p *Printer) ExtruderForTray(trayID int) (int, error) {
	idx, err := p.amsInfoIndexForTray(trayID)
	if err != nil {
		return 0, err
	}
	return int(p.amsInfo[idx].extruder), nil
}

// AMSAndSlotID converts a flat tray id to the (ams_id, slot_id) pair used
// by printer commands.
func AMSAndSlotID(trayID int32) (int32, int32) {
	switch {
	case trayID >= 0 && trayID < 16:
		return trayID / 4, trayID % 4
	case trayID >= 16 && trayID < 24:
		return 128 + (trayID - 16), 0
	default:
		return trayID, 0
	}
}

// TrayIndexFromPrintMsg resolves the flat tray index addressed by a command
// echo. Returns nil when the message carries no tray reference.
func TrayIndexFromPrintMsg(amsID, trayID, slotID *int32) *int32 {
	switch {
	case amsID != nil && trayID != nil:
		var idx int32
		switch {
		case *amsID <= 3:
			idx = *amsID*4 + *trayID
		case *amsID < 136:
			idx = 16 + *amsID - 128
		case *amsID == TrayIDExternal0:
			idx = TrayIDExternal0
		default:
			idx = *trayID
		}
		return &idx
	case trayID != nil:
		idx := *trayID
		if idx == TrayIDExternal1 {
			idx = TrayIDExternal0
		}
		return &idx
	default:
		_ = slotID
		return nil
	}
}

// commonTrayActive interprets a tray_now value for an extruder. 255 means
// no tray; 254 means the extruder's own external holder.
func commonTrayActive(extruder int, trayNow int32) *int32 {
	switch trayNow {
	case trayNone:
		return nil
	case TrayIDExternal1:
		v := int32(TrayIDExternal1)
		if extruder == 0 {
			v = TrayIDExternal0
		}
		return &v
	default:
		v := trayNow
		return &v
	}
}

// TrayActive returns the wire id of the tray currently feeding the active
// extruder, or nil when none is loaded.
func (p *Printer) TrayActive() *int32 {
	ext := 0
	if p.extruderState != nil {
		a := p.ActiveExtruder()
		if a == nil {
			return nil
		}
		ext = *a
	}
	return commonTrayActive(ext, p.trayNow[ext])
}

// trayDetailedReadyState classifies a present, fully read tray: Loaded if
// it is the active tray, otherwise Ready. External holders have no Ready
// posture; an inactive external spool reads Empty.
func (p *Printer) trayDetailedReadyState(trayID int) TrayState {
	active := p.TrayActive()
	if active != nil && sameTray(int(*active), trayID) {
		return TrayStateLoaded
	}
	if trayID == TrayIDExternal0 || trayID == TrayIDExternal1 {
		return TrayStateEmpty
	}
	return TrayStateReady
}

// sameTray reports whether two wire tray ids address the same tray slot.
// HT trays appear both in 128..135 wire form and 16..23 flat form.
func sameTray(a, b int) bool {
	if a == b {
		return true
	}
	ai, aok := normalizeAmsTrayIndex(a)
	bi, bok := normalizeAmsTrayIndex(b)
	return aok && bok && ai == bi
}

// recordRemovedSpool notes a detected spool removal for event fan-out.
func (p *Printer) recordRemovedSpool(trayID int, spoolID string) {
	if p.removedSpools == nil {
		p.removedSpools = make(map[int]string)
	}
	p.removedSpools[trayID] = spoolID
}

// TakeRemovedSpools returns and clears the spool removals detected since
// the last call.
func (p *Printer) TakeRemovedSpools() map[int]string {
	r := p.removedSpools
	p.removedSpools = nil
	return r
}

// GetCalibration finds the cached calibration profile matching an
// extruder's current nozzle and a profile index.
func (p *Printer) GetCalibration(extruder int, caliIdx int32) *Calibration {
	if extruder < 0 || extruder >= NumExtruders {
		return nil
	}
	e := &p.extruders[extruder]
	if e.Diameter == nil {
		return nil
	}
	nozzleType := e.NozzleTypeCode()
	for i := range p.calibrations {
		c := &p.calibrations[i]
		if c.Extruder == int32(extruder) &&
			c.Diameter == *e.Diameter &&
			nozzleType != nil && c.NozzleTypeCode() == *nozzleType &&
			c.CaliIdx == caliIdx {
			return c
		}
	}
	return nil
}

// TrayResolvedKValue formats the effective K factor of a tray. Parenthesized
// values are defaults not confirmed by a selected profile.
func (p *Printer) TrayResolvedKValue(tray *Tray, extruder int) string {
	res := "(0.020)"
	if tray.KFromTray != nil {
		res = fmt.Sprintf("(%.3f)", *tray.KFromTray)
	}
	if tray.CaliIdx != nil {
		if c := p.GetCalibration(extruder, *tray.CaliIdx); c != nil {
			if v, err := strconv.ParseFloat(c.KValue, 32); err == nil {
				res = fmt.Sprintf("%.3f", v)
			}
		}
	}
	return res
}

// Calibrations returns the cached calibration profiles.
func (p *Printer) Calibrations() []Calibration { return p.calibrations }

// replaceCalibrations swaps out the cached profiles for one nozzle diameter.
func (p *Printer) replaceCalibrations(diameter string, entries []CalibrationEntry) {
	kept := p.calibrations[:0]
	for _, c := range p.calibrations {
		if c.Diameter != diameter {
			kept = append(kept, c)
		}
	}
	p.calibrations = kept
	for _, e := range entries {
		p.calibrations = append(p.calibrations, CalibrationFromWire(e, diameter))
	}
	p.calibrationsDirty = true
}

// anyTrayDirty reports whether any persisted group is dirty.
func (p *Printer) anyTrayDirty() bool {
	for _, d := range p.amsTraysDirty {
		if d {
			return true
		}
	}
	return false
}

func (p *Printer) notifyUser(severity alerts.Severity, title, body string) {
	if p.notifier != nil {
		p.notifier.Notify(alerts.Notice{Severity: severity, Title: title, Body: body})
	}
}
