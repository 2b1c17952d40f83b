package cloud

import (
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"printwatch/device"
)

// Status decode runs once per poll per device and once per MQTT report, so
// the whole package shares the drop-in jsoniter codec.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report is the device status payload. The poll endpoint returns it inside
// statusResponse; the MQTT broker publishes it wrapped in reportEnvelope.
// Pointer members distinguish omitted from zero: a value the device stops
// reporting must surface downstream as explicitly unknown, not as a fake 0.
type Report struct {
	GcodeState         string   `json:"gcode_state"`
	McPercent          *float64 `json:"mc_percent"`
	McRemainingTime    *int     `json:"mc_remaining_time"`
	LayerNum           *int     `json:"layer_num"`
	TotalLayerNum      *int     `json:"total_layer_num"`
	NozzleTemper       *float64 `json:"nozzle_temper"`
	NozzleTargetTemper *float64 `json:"nozzle_target_temper"`
	BedTemper          *float64 `json:"bed_temper"`
	BedTargetTemper    *float64 `json:"bed_target_temper"`
	ChamberTemper      *float64 `json:"chamber_temper"`
	WifiSignal         string   `json:"wifi_signal"`
	PrintError         *int64   `json:"print_error"`
	StgCur             *int     `json:"stg_cur"`
}

type reportEnvelope struct {
	Print *Report `json:"print"`
}

type statusResponse struct {
	DevID  string  `json:"dev_id"`
	Online bool    `json:"online"`
	Print  *Report `json:"print"`
}

// stageNames maps the vendor's stg_cur codes to readable stage values.
// Codes outside the table fall back to the numeric string.
var stageNames = map[int]string{
	-1: "idle",
	0:  "printing",
	1:  "bed_leveling",
	2:  "bed_preheating",
	4:  "changing_filament",
	7:  "heating_hotend",
	12: "calibrating_lidar",
	13: "homing",
	14: "cleaning_nozzle",
}

func stageName(code int) string {
	if name, ok := stageNames[code]; ok {
		return name
	}
	return strconv.Itoa(code)
}

// Fields converts the report to canonical snapshot fields. Omitted report
// members produce no entry; every present value goes through the shared
// formatting helpers so poll and push snapshots compare cleanly.
func (r *Report) Fields() map[string]string {
	f := make(map[string]string, 14)
	if r.GcodeState != "" {
		f[device.FieldGcodeState] = r.GcodeState
	}
	if r.McPercent != nil {
		f[device.FieldProgress] = device.FormatPercent(*r.McPercent)
	}
	if r.McRemainingTime != nil {
		f[device.FieldRemainingMin] = device.FormatMinutes(*r.McRemainingTime)
	}
	if r.LayerNum != nil {
		f[device.FieldLayer] = device.FormatCount(*r.LayerNum)
	}
	if r.TotalLayerNum != nil {
		f[device.FieldTotalLayers] = device.FormatCount(*r.TotalLayerNum)
	}
	if r.NozzleTemper != nil {
		f[device.FieldNozzleTemp] = device.FormatTemperature(*r.NozzleTemper)
	}
	if r.NozzleTargetTemper != nil {
		f[device.FieldNozzleTarget] = device.FormatTemperature(*r.NozzleTargetTemper)
	}
	if r.BedTemper != nil {
		f[device.FieldBedTemp] = device.FormatTemperature(*r.BedTemper)
	}
	if r.BedTargetTemper != nil {
		f[device.FieldBedTarget] = device.FormatTemperature(*r.BedTargetTemper)
	}
	if r.ChamberTemper != nil {
		f[device.FieldChamberTemp] = device.FormatTemperature(*r.ChamberTemper)
	}
	if r.WifiSignal != "" {
		f[device.FieldWifiSignal] = r.WifiSignal
	}
	if r.PrintError != nil {
		f[device.FieldErrorCode] = strconv.FormatInt(*r.PrintError, 10)
	}
	if r.StgCur != nil {
		f[device.FieldStage] = stageName(*r.StgCur)
	}
	return f
}

// PushSnapshot converts an MQTT report to a snapshot. A push report implies
// the device is connected to the cloud, so online is always true.
func (r *Report) PushSnapshot(deviceID string, taken time.Time) *device.Snapshot {
	fields := r.Fields()
	fields[device.FieldOnline] = "true"
	return device.NewSnapshot(deviceID, taken, device.SourcePush, fields)
}

func (sr *statusResponse) snapshot(deviceID string, taken time.Time) *device.Snapshot {
	var fields map[string]string
	if sr.Print != nil {
		fields = sr.Print.Fields()
	} else {
		fields = make(map[string]string, 1)
	}
	fields[device.FieldOnline] = strconv.FormatBool(sr.Online)
	return device.NewSnapshot(deviceID, taken, device.SourcePoll, fields)
}

// DecodeReport parses an MQTT report payload. It returns (nil, nil) when
// the message carries no print object; the broker also publishes pushes the
// monitor does not care about on the same topic.
func DecodeReport(payload []byte) (*Report, error) {
	var env reportEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("cloud: decode report: %w", err)
	}
	return env.Print, nil
}
