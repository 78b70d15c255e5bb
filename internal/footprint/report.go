// Package footprint reads compiled-model memory reports and decides
// whether, and how, a model fits a target board.
package footprint

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// ReportFile is the report name written by the local compiler.
const ReportFile = "network_report.json"

// Report is the footprint of a compiled model. Sizes are bytes; fields
// of the inference group are zero unless HasInference is set.
type Report struct {
	ActivationsRAM int64
	WeightsROM     int64
	MACC           int64

	HasInference  bool
	RuntimeRAM    int64
	CodeROM       int64
	Cycles        int64
	InferenceTime float64 // milliseconds

	// Usage splits, when the toolchain reports them.
	InternalRAM   int64
	ExternalRAM   int64
	InternalFlash int64
	ExternalFlash int64

	// Share of the inference time spent on each MPU execution unit.
	HasUnitSplit bool
	NPUPercent   float64
	GPUPercent   float64
	CPUPercent   float64

	ToolVersion string
}

// ParseReport reads a remote ModelReport or a local network_report.json.
// ram_size may be a number (schema 9.0 and later) or a list whose first
// element is the activations size (8.1 and earlier).
func ParseReport(data []byte) (*Report, error) {
	if !gjson.ValidBytes(data) {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat, "model report is not valid JSON")
	}
	doc := gjson.ParseBytes(data)

	ram := doc.Get("ram_size")
	if ram.IsArray() {
		arr := ram.Array()
		if len(arr) > 0 {
			ram = arr[0]
		}
	}
	if !ram.Exists() || !doc.Get("rom_size").Exists() {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
			"model report has no ram_size or rom_size")
	}

	r := &Report{
		ActivationsRAM: ram.Int(),
		WeightsROM:     doc.Get("rom_size").Int(),
		MACC:           first(doc, "macc", "rom_n_macc").Int(),
		ToolVersion:    toolVersion(doc),
	}

	// Benchmark results sit at the top level of a ModelReport; local
	// reports nest them under exec_time and memory_footprint.
	if v := present(doc, "duration_ms", "exec_time.duration_ms"); v.Exists() {
		r.HasInference = true
		r.InferenceTime = v.Float()
	}
	if v := present(doc, "cycles", "exec_time.cycles"); v.Exists() {
		r.HasInference = true
		r.Cycles = v.Int()
	}
	if doc.Get("exec_time").Exists() {
		r.HasInference = true
	}
	if v := doc.Get("estimated_library_ram_size"); v.Exists() {
		r.RuntimeRAM = v.Int()
	} else {
		r.RuntimeRAM = doc.Get("memory_footprint.kernel_ram").Int() + doc.Get("memory_footprint.extra_ram").Int()
	}
	if v := doc.Get("estimated_library_flash_size"); v.Exists() {
		r.CodeROM = v.Int()
	} else {
		r.CodeROM = doc.Get("memory_footprint.kernel_flash").Int() + doc.Get("memory_footprint.toolchain_flash").Int()
	}

	for _, u := range []struct {
		key string
		dst *float64
	}{
		{"npu_percent", &r.NPUPercent},
		{"gpu_percent", &r.GPUPercent},
		{"cpu_percent", &r.CPUPercent},
	} {
		if v := doc.Get(u.key); v.Exists() {
			r.HasUnitSplit = true
			*u.dst = v.Float()
		}
	}

	mapping := doc.Get("memory_mapping")
	r.InternalRAM = mapping.Get("internal_ram").Int()
	r.ExternalRAM = mapping.Get("external_ram").Int()
	r.InternalFlash = mapping.Get("internal_flash").Int()
	r.ExternalFlash = mapping.Get("external_flash").Int()
	return r, nil
}

// ReadReport parses a report file.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model report: %w", err)
	}
	r, err := ParseReport(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Int() != 0 {
			return v
		}
	}
	return gjson.Result{}
}

// present returns the first path that exists, even when zero.
func present(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// toolVersion returns "major.minor.micro" from tools_version, or the plain
// version string some reports carry.
func toolVersion(doc gjson.Result) string {
	if tv := doc.Get("tools_version"); tv.IsObject() {
		return fmt.Sprintf("%d.%d.%d", tv.Get("major").Int(), tv.Get("minor").Int(), tv.Get("micro").Int())
	}
	return doc.Get("version").String()
}

// Metrics returns the report as named values in KiB, millions and ms, the
// units shown to users and logged to the tracker.
func (r *Report) Metrics() map[string]float64 {
	m := map[string]float64{
		"activations_ram_KiB": kib(r.ActivationsRAM),
		"weights_rom_KiB":     kib(r.WeightsROM),
		"macc_M":              float64(r.MACC) / 1e6,
	}
	if r.HasLibrary() {
		m["runtime_ram_KiB"] = kib(r.RuntimeRAM)
		m["code_rom_KiB"] = kib(r.CodeROM)
		m["total_ram_KiB"] = kib(r.RuntimeRAM + r.ActivationsRAM)
		m["total_flash_KiB"] = kib(r.CodeROM + r.WeightsROM)
	}
	if r.HasInference {
		m["cycles_M"] = float64(r.Cycles) / 1e6
		m["inference_time_ms"] = r.InferenceTime
	}
	if r.HasUnitSplit {
		m["npu_percent"] = r.NPUPercent
		m["gpu_percent"] = r.GPUPercent
		m["cpu_percent"] = r.CPUPercent
	}
	if r.InternalRAM+r.ExternalRAM > 0 {
		m["internal_ram_consumption_KiB"] = kib(r.InternalRAM)
		m["external_ram_consumption_KiB"] = kib(r.ExternalRAM)
	}
	if r.InternalFlash+r.ExternalFlash > 0 {
		m["internal_flash_consumption_KiB"] = kib(r.InternalFlash)
		m["external_flash_consumption_KiB"] = kib(r.ExternalFlash)
	}
	return m
}

// HasLibrary reports whether the runtime library sizes are known.
func (r *Report) HasLibrary() bool {
	return r.HasInference || r.RuntimeRAM+r.CodeROM > 0
}

func kib(n int64) float64 {
	return float64(n) / 1024
}
