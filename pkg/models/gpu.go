package models

import (
	"strings"
	"time"
)

// Offer represents a rentable GPU resource returned by a marketplace listing
type Offer struct {
	NodeID       string  `json:"node_id"`                // Provider's node / hostnode ID
	ClusterName  string  `json:"cluster_name,omitempty"` // Hyperbolic cluster; empty for TensorDock
	GPUModel     string  `json:"gpu_model"`              // "NVIDIA-H100-80GB-HBM3", "geforcertx4090-pcie-24gb", etc.
	GPURAM       int     `json:"gpu_ram,omitempty"`      // Per-GPU memory as reported by the provider (MB)
	PricePerHour float64 `json:"price_per_hour"`         // USD per hour
	Region       string  `json:"region"`                 // Geographic location

	// Backend-specific sizing hints, zero when the provider does not report them
	AvailableCount int `json:"available_count,omitempty"`
	MaxVCPUsPerGPU int `json:"max_vcpus_per_gpu,omitempty"`
	MaxRAMPerGPU   int `json:"max_ram_per_gpu,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// OfferFilter narrows a listing to GPU models containing Name.
// Matching is a case-sensitive substring test; an empty Name matches everything.
type OfferFilter struct {
	Name string `json:"name,omitempty"`
}

// Matches reports whether the offer's GPU model satisfies the filter
func (f OfferFilter) Matches(gpuModel string) bool {
	if f.Name == "" {
		return true
	}
	return strings.Contains(gpuModel, f.Name)
}
