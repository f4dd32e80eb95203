// Package gpuhealth decodes the section-headed output of `nvidia-smi -q`
// into a flat GPU health snapshot.
package gpuhealth

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/quok-it/benchbot/pkg/models"
)

// Command is the remote query whose output Parse understands
const Command = "sudo nvidia-smi -q"

// Section headers the field table is scoped to
const (
	SectionPowerReadings = "GPU Power Readings"
	SectionTemperature   = "Temperature"
	SectionECCMode       = "ECC Mode"
	SectionECCErrors     = "ECC Errors"
	SectionClocks        = "Clocks"
	SectionMaxClocks     = "Max Clocks"
	SectionFBMemory      = "FB Memory Usage"
	SectionBAR1Memory    = "BAR1 Memory Usage"
	SectionPCI           = "PCI"
	SectionUtilization   = "Utilization"
)

type valueKind int

const (
	kindNumber valueKind = iota
	kindString
)

// fieldRule maps a key prefix, optionally gated on a section, to an output field
type fieldRule struct {
	section  string // empty means unscoped
	prefix   string
	contains string // extra substring the raw line must carry
	field    string
	kind     valueKind
}

var numberPattern = regexp.MustCompile(`[-+]?(\d*\.\d+|\d+)`)

var rules = []fieldRule{
	{prefix: "GPU UUID", field: "gpu_uuid", kind: kindString},
	{prefix: "Product Name", field: "product_name", kind: kindString},
	{prefix: "Performance State", field: "performance_state", kind: kindString},
	{prefix: "Persistence Mode", field: "persistence_mode", kind: kindString},
	{prefix: "Fan Speed", field: "fan_speed_percent"},

	{section: SectionPowerReadings, prefix: "Power Draw", field: "power_draw_watts"},
	{section: SectionPowerReadings, prefix: "Current Power Limit", field: "current_power_limit_watts"},
	{section: SectionPowerReadings, prefix: "Default Power Limit", field: "default_power_limit_watts"},
	{section: SectionPowerReadings, prefix: "Max Power Limit", field: "max_power_limit_watts"},
	{section: SectionPowerReadings, prefix: "Min Power Limit", field: "min_power_limit_watts"},

	{section: SectionTemperature, prefix: "GPU Current Temp", field: "temperature_gpu_celsius"},
	{section: SectionTemperature, prefix: "GPU Shutdown", field: "gpu_shutdown_temp_celsius"},
	{section: SectionTemperature, prefix: "GPU Slowdown", field: "gpu_slowdown_temp_celsius"},
	{section: SectionTemperature, prefix: "GPU Max Operating", field: "gpu_max_operating_temp_celsius"},
	{section: SectionTemperature, prefix: "GPU Target Temperature", field: "gpu_target_temp_celsius"},

	{section: SectionECCMode, prefix: "Current", field: "ecc_mode", kind: kindString},
	{section: SectionECCErrors, prefix: "DRAM Correctable", field: "ecc_errors_correctable_dram"},
	{section: SectionECCErrors, prefix: "DRAM Uncorrectable", field: "ecc_errors_uncorrectable_dram"},

	{section: SectionClocks, prefix: "Graphics", contains: "MHz", field: "graphics_clock_mhz"},
	{section: SectionClocks, prefix: "SM", contains: "MHz", field: "sm_clock_mhz"},
	{section: SectionClocks, prefix: "Memory", contains: "MHz", field: "memory_clock_mhz"},
	{section: SectionMaxClocks, prefix: "Graphics", contains: "MHz", field: "max_graphics_clock_mhz"},
	{section: SectionMaxClocks, prefix: "SM", contains: "MHz", field: "max_sm_clock_mhz"},
	{section: SectionMaxClocks, prefix: "Memory", contains: "MHz", field: "max_memory_clock_mhz"},

	{section: SectionFBMemory, prefix: "Total", field: "memory_total_mb"},
	{section: SectionFBMemory, prefix: "Used", field: "memory_used_mb"},
	{section: SectionFBMemory, prefix: "Free", field: "memory_free_mb"},
	{section: SectionFBMemory, prefix: "Reserved", field: "memory_reserved_mb"},

	{section: SectionBAR1Memory, prefix: "Total", field: "bar1_memory_total_mb"},
	{section: SectionBAR1Memory, prefix: "Used", field: "bar1_memory_used_mb"},
	{section: SectionBAR1Memory, prefix: "Free", field: "bar1_memory_free_mb"},

	{section: SectionPCI, prefix: "Tx Throughput", field: "pci_tx_throughput_kbps"},
	{section: SectionPCI, prefix: "Rx Throughput", field: "pci_rx_throughput_kbps"},

	{section: SectionUtilization, prefix: "Gpu", field: "gpu_utilization_percent"},
	{section: SectionUtilization, prefix: "Memory", field: "memory_utilization_percent"},
	{section: SectionUtilization, prefix: "Encoder", field: "encoder_utilization_percent"},
	{section: SectionUtilization, prefix: "Decoder", field: "decoder_utilization_percent"},
}

// Parse extracts a health snapshot from nvidia-smi -q output.
// It never fails: unknown lines are skipped and numeric values without a
// parseable number are left out of the snapshot.
func Parse(output string) models.GPUHealthSnapshot {
	snapshot := models.GPUHealthSnapshot{
		models.SnapshotKeyVersion: models.HealthSnapshotVersion,
	}

	var xids []string
	section := ""

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		// XID lines are an error log, never headers or fields. No rule
		// prefix contains "XID", so field matching is skipped for them.
		if strings.Contains(line, "XID") {
			xids = append(xids, line)
			continue
		}

		key, value, isData := strings.Cut(line, ":")
		if !isData {
			if !strings.HasPrefix(line, "-") {
				section = line
			}
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		for _, r := range rules {
			if r.section != "" && r.section != section {
				continue
			}
			if !strings.HasPrefix(key, r.prefix) {
				continue
			}
			if r.contains != "" && !strings.Contains(line, r.contains) {
				continue
			}

			switch r.kind {
			case kindString:
				snapshot[r.field] = value
			default:
				if n, ok := ExtractNumber(value); ok {
					snapshot[r.field] = n
				}
			}
		}
	}

	if len(xids) > 0 {
		snapshot[models.SnapshotKeyXIDErrors] = xids
	}
	return snapshot
}

// ExtractNumber returns the first signed decimal or integer literal in s
func ExtractNumber(s string) (float64, bool) {
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
