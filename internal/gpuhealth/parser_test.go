package gpuhealth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quok-it/benchbot/pkg/models"
)

func TestParse_PowerAndTemperature(t *testing.T) {
	output := `GPU Power Readings
    Power Draw                    : 65.3 W
Temperature
    GPU Current Temp              : 42 C
`
	snapshot := Parse(output)

	assert.Equal(t, models.GPUHealthSnapshot{
		"snapshot_version":        1,
		"power_draw_watts":        65.3,
		"temperature_gpu_celsius": 42.0,
	}, snapshot)
}

func TestParse_SectionScoping(t *testing.T) {
	tests := []struct {
		name      string
		section   string
		wantField string
		notField  string
	}{
		{
			name:      "framebuffer memory",
			section:   "FB Memory Usage",
			wantField: "memory_used_mb",
			notField:  "bar1_memory_used_mb",
		},
		{
			name:      "bar1 memory",
			section:   "BAR1 Memory Usage",
			wantField: "bar1_memory_used_mb",
			notField:  "memory_used_mb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := Parse(tt.section + "\n    Used : 10 MiB\n")

			v, ok := snapshot.Float(tt.wantField)
			require.True(t, ok)
			assert.Equal(t, 10.0, v)
			assert.NotContains(t, snapshot, tt.notField)
		})
	}
}

func TestParse_BothMemorySectionsStaySeparate(t *testing.T) {
	output := `FB Memory Usage
    Total                         : 81559 MiB
    Reserved                      : 587 MiB
    Used                          : 10 MiB
    Free                          : 80961 MiB
BAR1 Memory Usage
    Total                         : 131072 MiB
    Used                          : 1 MiB
    Free                          : 131071 MiB
`
	snapshot := Parse(output)

	assert.Equal(t, 81559.0, snapshot["memory_total_mb"])
	assert.Equal(t, 587.0, snapshot["memory_reserved_mb"])
	assert.Equal(t, 10.0, snapshot["memory_used_mb"])
	assert.Equal(t, 80961.0, snapshot["memory_free_mb"])
	assert.Equal(t, 131072.0, snapshot["bar1_memory_total_mb"])
	assert.Equal(t, 1.0, snapshot["bar1_memory_used_mb"])
	assert.Equal(t, 131071.0, snapshot["bar1_memory_free_mb"])
}

func TestParse_UnparseableNumberIsAbsent(t *testing.T) {
	output := `GPU Power Readings
    Power Draw                    : N/A
    Current Power Limit           : 700.00 W
`
	var snapshot models.GPUHealthSnapshot
	require.NotPanics(t, func() { snapshot = Parse(output) })

	assert.NotContains(t, snapshot, "power_draw_watts")
	assert.Equal(t, 700.0, snapshot["current_power_limit_watts"])
}

func TestParse_KeyOutsideSectionIgnored(t *testing.T) {
	output := `Temperature
    Power Draw                    : 65.3 W
`
	snapshot := Parse(output)
	assert.NotContains(t, snapshot, "power_draw_watts")
}

func TestParse_UnscopedFields(t *testing.T) {
	output := `==============NVSMI LOG==============
Attached GPUs                             : 1
GPU 00000000:18:00.0
    Product Name                          : NVIDIA H100 80GB HBM3
    Persistence Mode                      : Enabled
    GPU UUID                              : GPU-5a6c1b2e-0000-1111-2222-333344445555
    Fan Speed                             : 30 %
    Performance State                     : P0
`
	snapshot := Parse(output)

	assert.Equal(t, "NVIDIA H100 80GB HBM3", snapshot["product_name"])
	assert.Equal(t, "Enabled", snapshot["persistence_mode"])
	assert.Equal(t, "GPU-5a6c1b2e-0000-1111-2222-333344445555", snapshot["gpu_uuid"])
	assert.Equal(t, 30.0, snapshot["fan_speed_percent"])
	assert.Equal(t, "P0", snapshot["performance_state"])
}

func TestParse_ClocksRequireMHz(t *testing.T) {
	output := `Clocks
    Graphics                          : 1980 MHz
    SM                                : 1980 MHz
    Memory                            : 2619 MHz
Max Clocks
    Graphics                          : 1980 MHz
    SM                                : 1980 MHz
    Memory                            : 2619 MHz
Utilization
    Gpu                               : 97 %
    Memory                            : 40 %
    Encoder                           : 0 %
    Decoder                           : 0 %
`
	snapshot := Parse(output)

	assert.Equal(t, 1980.0, snapshot["graphics_clock_mhz"])
	assert.Equal(t, 1980.0, snapshot["sm_clock_mhz"])
	assert.Equal(t, 2619.0, snapshot["memory_clock_mhz"])
	assert.Equal(t, 1980.0, snapshot["max_graphics_clock_mhz"])
	assert.Equal(t, 2619.0, snapshot["max_memory_clock_mhz"])
	assert.Equal(t, 97.0, snapshot["gpu_utilization_percent"])
	assert.Equal(t, 40.0, snapshot["memory_utilization_percent"], "utilization memory must not read clock values")
	assert.Equal(t, 0.0, snapshot["encoder_utilization_percent"])
	assert.Equal(t, 0.0, snapshot["decoder_utilization_percent"])
}

func TestParse_ECCAndPCI(t *testing.T) {
	output := `ECC Mode
    Current                           : Enabled
    Pending                           : Enabled
ECC Errors
    DRAM Correctable                  : 0
    DRAM Uncorrectable                : 2
PCI
    Tx Throughput                     : 512 KB/s
    Rx Throughput                     : 1024 KB/s
`
	snapshot := Parse(output)

	assert.Equal(t, "Enabled", snapshot["ecc_mode"])
	assert.Equal(t, 0.0, snapshot["ecc_errors_correctable_dram"])
	assert.Equal(t, 2.0, snapshot["ecc_errors_uncorrectable_dram"])
	assert.Equal(t, 512.0, snapshot["pci_tx_throughput_kbps"])
	assert.Equal(t, 1024.0, snapshot["pci_rx_throughput_kbps"])
}

func TestParse_XIDLines(t *testing.T) {
	output := `Temperature
    GPU Current Temp              : 42 C
XID 79 GPU has fallen off the bus
    GPU Shutdown Temp             : 92 C
    Last XID : 48
`
	snapshot := Parse(output)

	assert.Equal(t, []string{
		"XID 79 GPU has fallen off the bus",
		"Last XID : 48",
	}, snapshot.XIDErrors())
	assert.Equal(t, 92.0, snapshot["gpu_shutdown_temp_celsius"], "XID line must not replace the current section")
}

func TestParse_XIDLineSetsNoFields(t *testing.T) {
	snapshot := Parse("Temperature\n    Last XID : 48\n")

	assert.Equal(t, models.GPUHealthSnapshot{
		models.SnapshotKeyVersion:   models.HealthSnapshotVersion,
		models.SnapshotKeyXIDErrors: []string{"Last XID : 48"},
	}, snapshot)
}

func TestParse_NoXIDKeyWhenClean(t *testing.T) {
	snapshot := Parse("Temperature\n    GPU Current Temp : 40 C\n")
	assert.NotContains(t, snapshot, models.SnapshotKeyXIDErrors)
}

func TestParse_EmptyInput(t *testing.T) {
	snapshot := Parse("")
	assert.Equal(t, models.GPUHealthSnapshot{"snapshot_version": 1}, snapshot)
	assert.Equal(t, 1, snapshot.Version())
}

func TestParse_ListMarkerIsNotHeader(t *testing.T) {
	output := `FB Memory Usage
- not a section
    Used : 12 MiB
`
	snapshot := Parse(output)
	assert.Equal(t, 12.0, snapshot["memory_used_mb"])
}

func TestExtractNumber(t *testing.T) {
	tests := []struct {
		input  string
		want   float64
		wantOK bool
	}{
		{"65.3 W", 65.3, true},
		{"42 C", 42, true},
		{"-5 C", -5, true},
		{".5 W", 0.5, true},
		{"N/A", 0, false},
		{"", 0, false},
		{"[Not Supported]", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ExtractNumber(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
