// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// The report schema is tolerant by necessity: different printer models and
// firmware generations encode the same field as a JSON number or a quoted
// string, bitmask fields arrive as bare hex strings, and some firmwares emit
// structurally broken sub-objects that must not fail the whole report.

// FlexUint32 is a uint32 that decodes from a JSON number or a decimal string.
// It encodes as a string, which is what the printers themselves send.
type FlexUint32 uint32

// UnmarshalJSON implements json.Unmarshaler.
func (v *FlexUint32) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return fmt.Errorf("bambu: invalid uint32 string %q: %w", s, err)
		}
		*v = FlexUint32(n)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = FlexUint32(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v FlexUint32) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(v), 10))
}

// FlexInt32 is an int32 that decodes from a JSON number or a decimal string.
type FlexInt32 int32

// UnmarshalJSON implements json.Unmarshaler.
func (v *FlexInt32) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return fmt.Errorf("bambu: invalid int32 string %q: %w", s, err)
		}
		*v = FlexInt32(n)
		return nil
	}
	var n int32
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = FlexInt32(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v FlexInt32) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(v), 10))
}

// HexUint32 is a uint32 bitmask that decodes from a bare hex string such as
// "30000". Some firmwares send it as a JSON number instead.
type HexUint32 uint32

// UnmarshalJSON implements json.Unmarshaler.
func (v *HexUint32) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
		if s == "" {
			*v = 0
			return nil
		}
		n, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return fmt.Errorf("bambu: invalid hex string %q: %w", s, err)
		}
		*v = HexUint32(n)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = HexUint32(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v HexUint32) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(v), 16))
}

// GcodeState is the printer's reported print lifecycle state.
type GcodeState int

const (
	GcodeStateUnknown GcodeState = iota
	GcodeStateIdle
	GcodeStateSlicing
	GcodeStatePrepare
	GcodeStateRunning
	GcodeStateFinish
	GcodeStateFailed
	GcodeStatePause
	// GcodeStateUnsupported covers lifecycle strings this build does not know.
	GcodeStateUnsupported
)

var gcodeStateNames = map[string]GcodeState{
	"IDLE":    GcodeStateIdle,
	"SLICING": GcodeStateSlicing,
	"PREPARE": GcodeStatePrepare,
	"RUNNING": GcodeStateRunning,
	"FINISH":  GcodeStateFinish,
	"FAILED":  GcodeStateFailed,
	"PAUSE":   GcodeStatePause,
}

// String returns the wire name of the state.
func (s GcodeState) String() string {
	for name, state := range gcodeStateNames {
		if state == s {
			return name
		}
	}
	if s == GcodeStateUnsupported {
		return "Unsupported"
	}
	return "Unknown"
}

// UnmarshalJSON implements json.Unmarshaler. Unrecognized strings map to
// GcodeStateUnsupported so a firmware addition never breaks report decoding.
func (s *GcodeState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	if state, ok := gcodeStateNames[name]; ok {
		*s = state
		return nil
	}
	*s = GcodeStateUnsupported
	return nil
}

// Message is a decoded report topic payload. Exactly one of the fields is
// set depending on the payload's top-level key.
type Message struct {
	Print *PrintData `json:"print,omitempty"`
	Info  *InfoData  `json:"info,omitempty"`
}

// ParseMessage decodes a raw report payload.
func ParseMessage(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("bambu: decode report: %w", err)
	}
	return &m, nil
}

// AmsMapping2Entry is one slot assignment in the extended AMS mapping.
type AmsMapping2Entry struct {
	AmsID  int32 `json:"ams_id"`
	SlotID int32 `json:"slot_id"`
}

// PrintData is the body of a "print" report. Every field is optional; the
// printer sends partial updates and only the full push after a "pushall"
// request carries the complete picture.
type PrintData struct {
	GcodeState              *GcodeState        `json:"gcode_state,omitempty"`
	GcodeFilePreparePercent *FlexUint32        `json:"gcode_file_prepare_percent,omitempty"`
	ProjectID               *string            `json:"project_id,omitempty"`
	SubtaskName             *string            `json:"subtask_name,omitempty"`
	AmsMapping              []int32            `json:"ams_mapping,omitempty"`
	AmsMapping2             []AmsMapping2Entry `json:"ams_mapping2,omitempty"`
	LayerNum                *int32             `json:"layer_num,omitempty"`
	TotalLayerNum           *int32             `json:"total_layer_num,omitempty"`
	Ams                     *PrintAms          `json:"ams,omitempty"`
	VtTray                  *PrintTray         `json:"vt_tray,omitempty"`
	VirSlot                 []PrintTray        `json:"vir_slot,omitempty"`
	Command                 *string            `json:"command,omitempty"`
	Param                   *string            `json:"param,omitempty"`
	URL                     *string            `json:"url,omitempty"`
	UseAms                  *bool              `json:"use_ams,omitempty"`
	SequenceID              *string            `json:"sequence_id,omitempty"`
	NozzleTempMax           *uint32            `json:"nozzle_temp_max,omitempty"`
	NozzleTempMin           *uint32            `json:"nozzle_temp_min,omitempty"`
	NozzleDiameter          *string            `json:"nozzle_diameter,omitempty"`
	TrayColor               *string            `json:"tray_color,omitempty"`
	TrayID                  *FlexInt32         `json:"tray_id,omitempty"`
	SlotID                  *FlexInt32         `json:"slot_id,omitempty"`
	AmsID                   *FlexInt32         `json:"ams_id,omitempty"`
	CaliIdx                 *int32             `json:"cali_idx,omitempty"`
	TrayInfoIdx             *string            `json:"tray_info_idx,omitempty"`
	TrayType                *string            `json:"tray_type,omitempty"`
	Reason                  *string            `json:"reason,omitempty"`
	Result                  *string            `json:"result,omitempty"`
	FilamentID              *string            `json:"filament_id,omitempty"`
	Filaments               []CalibrationEntry `json:"filaments,omitempty"`
	Fun                     *string            `json:"fun,omitempty"`
	Device                  *PrintDevice       `json:"device,omitempty"`
}

// PrintDevice carries per-extruder and per-nozzle hardware state on
// multi-extruder models.
type PrintDevice struct {
	Extruder *PrintDeviceExtruder `json:"extruder,omitempty"`
	Nozzle   *PrintDeviceNozzle   `json:"nozzle,omitempty"`
}

// PrintDeviceExtruder is the extruder block of a device report.
type PrintDeviceExtruder struct {
	Info  []PrintDeviceExtruderInfo `json:"info,omitempty"`
	State *int32                    `json:"state,omitempty"`
}

// PrintDeviceExtruderInfo carries one extruder's loaded tray codes.
// Snow is the currently loaded tray, Spre the previous one and Star the
// target of an ongoing filament change, all in packed ams/slot form.
type PrintDeviceExtruderInfo struct {
	ID   FlexUint32 `json:"id"`
	Snow *uint32    `json:"snow,omitempty"`
	Spre *uint32    `json:"spre,omitempty"`
	Star *uint32    `json:"star,omitempty"`
}

// PrintDeviceNozzle is the nozzle block of a device report.
type PrintDeviceNozzle struct {
	Info  []PrintDeviceNozzleInfo `json:"info,omitempty"`
	Exist *int32                  `json:"exist,omitempty"`
	State *int32                  `json:"state,omitempty"`
}

// UnmarshalJSON tolerates structurally broken nozzle blocks. Some X1
// firmwares emit a malformed object here; the block is treated as absent
// instead of failing the surrounding report.
func (n *PrintDeviceNozzle) UnmarshalJSON(b []byte) error {
	type plain PrintDeviceNozzle
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		*n = PrintDeviceNozzle{}
		return nil
	}
	*n = PrintDeviceNozzle(p)
	return nil
}

// PrintDeviceNozzleInfo describes one installed nozzle.
type PrintDeviceNozzleInfo struct {
	ID       FlexUint32 `json:"id"`
	Diameter float32    `json:"diameter"`
	Type     string     `json:"type"`
}

// PrintAms is the AMS block of a print report.
type PrintAms struct {
	Ams              []PrintAmsData `json:"ams,omitempty"`
	AmsExistBits     *HexUint32     `json:"ams_exist_bits,omitempty"`
	TrayExistBits    *HexUint32     `json:"tray_exist_bits,omitempty"`
	TrayIsBblBits    *HexUint32     `json:"tray_is_bbl_bits,omitempty"`
	TrayReadDoneBits *HexUint32     `json:"tray_read_done_bits,omitempty"`
	TrayReadingBits  *HexUint32     `json:"tray_reading_bits,omitempty"`
	TrayTar          *FlexInt32     `json:"tray_tar,omitempty"`
	TrayNow          *FlexInt32     `json:"tray_now,omitempty"`
	TrayPre          *FlexInt32     `json:"tray_pre,omitempty"`
}

// PrintAmsData is one AMS unit in a report.
type PrintAmsData struct {
	ID       FlexUint32  `json:"id"`
	Humidity *string     `json:"humidity,omitempty"`
	Tray     []PrintTray `json:"tray,omitempty"`
	Info     *HexUint32  `json:"info,omitempty"`
}

// PrintTray is a tray as reported by the printer. K and CaliIdx are decode
// only; outbound tray settings go through the dedicated commands.
type PrintTray struct {
	ID            *FlexUint32 `json:"id,omitempty"`
	K             *float32    `json:"k,omitempty"`
	CaliIdx       *int32      `json:"cali_idx,omitempty"`
	TrayInfoIdx   *string     `json:"tray_info_idx,omitempty"`
	TrayType      *string     `json:"tray_type,omitempty"`
	TrayColor     *string     `json:"tray_color,omitempty"`
	NozzleTempMax *FlexUint32 `json:"nozzle_temp_max,omitempty"`
	NozzleTempMin *FlexUint32 `json:"nozzle_temp_min,omitempty"`
}

// CalibrationEntry is one flow calibration profile in an
// "extrusion_cali_get" result.
type CalibrationEntry struct {
	FilamentID string  `json:"filament_id"`
	Name       string  `json:"name"`
	KValue     string  `json:"k_value"`
	SettingID  *string `json:"setting_id,omitempty"`
	CaliIdx    int32   `json:"cali_idx"`
	NozzleID   *string `json:"nozzle_id,omitempty"`
	ExtruderID *int32  `json:"extruder_id,omitempty"`
}

// InfoData is the body of an "info" report.
type InfoData struct {
	Command    string       `json:"command"`
	SequenceID *string      `json:"sequence_id,omitempty"`
	Module     []InfoModule `json:"module,omitempty"`
	Result     *string      `json:"result,omitempty"`
	Reason     *string      `json:"reason,omitempty"`
}

// InfoModule describes one firmware module in a "get_version" result.
type InfoModule struct {
	Name        string  `json:"name"`
	ProjectName *string `json:"project_name,omitempty"`
	ProductName *string `json:"product_name,omitempty"`
	SwVer       *string `json:"sw_ver,omitempty"`
	HwVer       *string `json:"hw_ver,omitempty"`
	Sn          *string `json:"sn,omitempty"`
	LoaderVer   *string `json:"loader_ver,omitempty"`
	OtaVer      *string `json:"ota_ver,omitempty"`
}

// Command name constants as they appear in report echoes.
const (
	CommandPushAll             = "pushall"
	CommandGetVersion          = "get_version"
	CommandAmsFilamentSetting  = "ams_filament_setting"
	CommandExtrusionCaliGet    = "extrusion_cali_get"
	CommandExtrusionCaliSel    = "extrusion_cali_sel"
	CommandExtrusionCaliSet    = "extrusion_cali_set"
	CommandExtrusionCaliDel    = "extrusion_cali_del"
	CommandProjectFile         = "project_file"
	resultFail               = "fail"
	defaultCommandSequenceID = "1"
)

// PushAllCommand asks the printer for a full state push.
type PushAllCommand struct {
	Pushing struct {
		Command string `json:"command"`
	} `json:"pushing"`
}

// NewPushAllCommand builds a pushall request.
func NewPushAllCommand() PushAllCommand {
	var c PushAllCommand
	c.Pushing.Command = CommandPushAll
	return c
}

// GetVersionCommand asks for module/firmware versions.
type GetVersionCommand struct {
	Info struct {
		Command string `json:"command"`
	} `json:"info"`
}

// NewGetVersionCommand builds a get_version request.
func NewGetVersionCommand() GetVersionCommand {
	var c GetVersionCommand
	c.Info.Command = CommandGetVersion
	return c
}

// AmsFilamentSettingCommand assigns filament settings to a tray.
type AmsFilamentSettingCommand struct {
	Print struct {
		Command       string `json:"command"`
		AmsID         int32  `json:"ams_id"`
		TrayID        int32  `json:"tray_id"`
		SlotID        int32  `json:"slot_id"`
		TrayInfoIdx   string `json:"tray_info_idx"`
		SettingID     string `json:"setting_id,omitempty"`
		TrayColor     string `json:"tray_color"`
		NozzleTempMin int32  `json:"nozzle_temp_min"`
		NozzleTempMax int32  `json:"nozzle_temp_max"`
		TrayType      string `json:"tray_type"`
		SequenceID    string `json:"sequence_id"`
	} `json:"print"`
}

// NewAmsFilamentSettingCommand builds an ams_filament_setting request.
func NewAmsFilamentSettingCommand(amsID, trayID, slotID int32, trayInfoIdx, settingID, trayColor string, nozzleTempMin, nozzleTempMax int32, trayType string) AmsFilamentSettingCommand {
	var c AmsFilamentSettingCommand
	c.Print.Command = CommandAmsFilamentSetting
	c.Print.AmsID = amsID
	c.Print.TrayID = trayID
	c.Print.SlotID = slotID
	c.Print.TrayInfoIdx = trayInfoIdx
	c.Print.SettingID = settingID
	c.Print.TrayColor = trayColor
	c.Print.NozzleTempMin = nozzleTempMin
	c.Print.NozzleTempMax = nozzleTempMax
	c.Print.TrayType = trayType
	c.Print.SequenceID = defaultCommandSequenceID
	return c
}

// ExtrusionCaliGetCommand requests the calibration profiles for a nozzle
// diameter.
type ExtrusionCaliGetCommand struct {
	Print struct {
		Command        string `json:"command"`
		FilamentID     string `json:"filament_id"`
		NozzleDiameter string `json:"nozzle_diameter"`
		SequenceID     string `json:"sequence_id"`
	} `json:"print"`
}

// NewExtrusionCaliGetCommand builds an extrusion_cali_get request.
// FilamentID stays empty: the reply then lists every profile for the
// diameter, which is what the calibration cache consumes.
func NewExtrusionCaliGetCommand(nozzleDiameter string) ExtrusionCaliGetCommand {
	var c ExtrusionCaliGetCommand
	c.Print.Command = CommandExtrusionCaliGet
	c.Print.FilamentID = ""
	c.Print.NozzleDiameter = nozzleDiameter
	c.Print.SequenceID = defaultCommandSequenceID
	return c
}

// ExtrusionCaliSelCommand selects a calibration profile for a tray.
type ExtrusionCaliSelCommand struct {
	Print struct {
		Command        string `json:"command"`
		CaliIdx        int32  `json:"cali_idx"`
		FilamentID     string `json:"filament_id"`
		NozzleDiameter string `json:"nozzle_diameter"`
		AmsID          int32  `json:"ams_id"`
		TrayID         int32  `json:"tray_id"`
		SlotID         int32  `json:"slot_id"`
		SequenceID     string `json:"sequence_id"`
	} `json:"print"`
}

// NewExtrusionCaliSelCommand builds an extrusion_cali_sel request.
// A nil caliIdx selects the default profile (-1).
func NewExtrusionCaliSelCommand(caliIdx *int32, filamentID, nozzleDiameter string, amsID, trayID, slotID int32) ExtrusionCaliSelCommand {
	var c ExtrusionCaliSelCommand
	c.Print.Command = CommandExtrusionCaliSel
	c.Print.CaliIdx = -1
	if caliIdx != nil {
		c.Print.CaliIdx = *caliIdx
	}
	c.Print.FilamentID = filamentID
	c.Print.NozzleDiameter = nozzleDiameter
	c.Print.AmsID = amsID
	c.Print.TrayID = trayID
	c.Print.SlotID = slotID
	c.Print.SequenceID = defaultCommandSequenceID
	return c
}

// ExtrusionCaliSetFilament is one profile in an extrusion_cali_set request.
type ExtrusionCaliSetFilament struct {
	AmsID          int32   `json:"ams_id"`
	ExtruderID     *int32  `json:"extruder_id,omitempty"`
	FilamentID     string  `json:"filament_id"`
	KValue         string  `json:"k_value"`
	NCoef          string  `json:"n_coef"`
	Name           string  `json:"name"`
	NozzleDiameter string  `json:"nozzle_diameter"`
	NozzleID       *string `json:"nozzle_id,omitempty"`
	SettingID      *string `json:"setting_id,omitempty"`
	SlotID         int32   `json:"slot_id"`
	TrayID         int32   `json:"tray_id"`
}

// ExtrusionCaliSetCommand creates or updates a calibration profile.
type ExtrusionCaliSetCommand struct {
	Print struct {
		Command        string                     `json:"command"`
		Filaments      []ExtrusionCaliSetFilament `json:"filaments"`
		NozzleDiameter string                     `json:"nozzle_diameter"`
		SequenceID     string                     `json:"sequence_id"`
	} `json:"print"`
}

// NewExtrusionCaliSetCommand builds an extrusion_cali_set request for a
// single profile.
func NewExtrusionCaliSetCommand(extruderID *int32, filamentID, kValue, name, nozzleDiameter string, nozzleID, settingID *string) ExtrusionCaliSetCommand {
	var c ExtrusionCaliSetCommand
	c.Print.Command = CommandExtrusionCaliSet
	c.Print.Filaments = []ExtrusionCaliSetFilament{{
		AmsID:          0,
		ExtruderID:     extruderID,
		FilamentID:     filamentID,
		KValue:         kValue,
		NCoef:          "0.000000",
		Name:           name,
		NozzleDiameter: nozzleDiameter,
		NozzleID:       nozzleID,
		SettingID:      settingID,
		SlotID:         0,
		TrayID:         -1,
	}}
	c.Print.NozzleDiameter = nozzleDiameter
	c.Print.SequenceID = defaultCommandSequenceID
	return c
}
