package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Benchmark keys stored on a rental session
const (
	BenchmarkGPUHealthSnapshot = "gpu_health_snapshot"
	BenchmarkGPUBenchmarks     = "gpu_benchmarks"
)

// TerminationStatus describes how a rental session ended
type TerminationStatus string

const (
	TerminationTerminated TerminationStatus = "terminated"       // Provider confirmed termination (or already gone)
	TerminationFailed     TerminationStatus = "terminate_failed" // Terminate call errored; instance may still be billing
	TerminationNotRented  TerminationStatus = "not_rented"       // No instance was ever created
)

// ErrFieldAlreadySet is returned when a set-once field is written twice
var ErrFieldAlreadySet = errors.New("field already set")

// RentalSession records the observable history of one provisioning attempt.
// It is owned by a single orchestrator run; it is not safe for concurrent use.
type RentalSession struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`    // Marketplace node the offer came from
	ClusterName string    `json:"cluster_name"` // Cluster (Hyperbolic) or hostnode (TensorDock)
	Marketplace string    `json:"marketplace"`
	GPUModel    string    `json:"gpu_model"`
	InstanceID  string    `json:"instance_id,omitempty"`
	StartTime   time.Time `json:"start_time"`

	BootSuccess  *bool    `json:"boot_success"`
	BootTimeMs   *float64 `json:"boot_time_ms"`
	SSHSuccess   *bool    `json:"ssh_success"`
	SSHLatencyMs *float64 `json:"ssh_latency_ms"`

	Benchmarks map[string]any `json:"benchmarks"`
	Errors     []string       `json:"errors"`

	TerminationTime   *time.Time        `json:"termination_time"`
	TerminationStatus TerminationStatus `json:"termination_status,omitempty"`
}

// NewRentalSession creates a session for a selected offer
func NewRentalSession(clientID, clusterName, marketplace, gpuModel string) *RentalSession {
	return &RentalSession{
		SessionID:   uuid.New().String(),
		ClientID:    clientID,
		ClusterName: clusterName,
		Marketplace: marketplace,
		GPUModel:    gpuModel,
		StartTime:   time.Now().UTC(),
		Benchmarks:  make(map[string]any),
		Errors:      []string{},
	}
}

// AddError appends a failure description
func (s *RentalSession) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// SetBoot records the boot-poll outcome. A failed boot carries no boot time.
func (s *RentalSession) SetBoot(success bool, bootTime time.Duration) error {
	if s.BootSuccess != nil {
		return ErrFieldAlreadySet
	}
	s.BootSuccess = &success
	if success {
		ms := durationMs(bootTime)
		s.BootTimeMs = &ms
	}
	return nil
}

// SetSSH records the reachability outcome
func (s *RentalSession) SetSSH(success bool, latency time.Duration) error {
	if s.SSHSuccess != nil {
		return ErrFieldAlreadySet
	}
	s.SSHSuccess = &success
	if success {
		ms := durationMs(latency)
		s.SSHLatencyMs = &ms
	}
	return nil
}

// RecordBenchmark stores a structured result under name
func (s *RentalSession) RecordBenchmark(name string, result any) {
	if s.Benchmarks == nil {
		s.Benchmarks = make(map[string]any)
	}
	s.Benchmarks[name] = result
}

// MarkTerminated stamps the end of the session
func (s *RentalSession) MarkTerminated(status TerminationStatus, at time.Time) error {
	if s.TerminationTime != nil {
		return ErrFieldAlreadySet
	}
	at = at.UTC()
	s.TerminationTime = &at
	s.TerminationStatus = status
	return nil
}

// Booted returns true only if boot was recorded as successful
func (s *RentalSession) Booted() bool {
	return s.BootSuccess != nil && *s.BootSuccess
}

// Reachable returns true only if SSH was recorded as successful
func (s *RentalSession) Reachable() bool {
	return s.SSHSuccess != nil && *s.SSHSuccess
}

// Succeeded reports a fully clean run: booted, reachable, no errors
func (s *RentalSession) Succeeded() bool {
	return s.Booted() && s.Reachable() && len(s.Errors) == 0
}

// IsTerminal returns true once termination has been recorded
func (s *RentalSession) IsTerminal() bool {
	return s.TerminationTime != nil
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
