package provider

import (
	"context"
	"time"

	"github.com/quok-it/benchbot/pkg/models"
)

// Marketplace names
const (
	NameHyperbolic = "hyperbolic"
	NameTensorDock = "tensordock"
)

// Marketplace defines the capability set every GPU marketplace backend offers
type Marketplace interface {
	// Name returns the marketplace identifier ("hyperbolic" | "tensordock")
	Name() string

	// ListAvailable returns offers that are ready, unreserved and have a free
	// GPU slot, narrowed by filter. Fails with ErrProviderUnavailable.
	ListAvailable(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)

	// Rent creates a rental for the offer. Fails with ErrRentalRejected.
	Rent(ctx context.Context, offer models.Offer, gpuCount int) (*RentalHandle, error)

	// PollUntilReady queries instance status until it reports ready or the
	// policy's attempts are exhausted. Fails with *BootTimeoutError.
	PollUntilReady(ctx context.Context, handle *RentalHandle, policy PollPolicy) (*InstanceDetails, error)

	// Terminate releases the instance. An instance that is already gone is
	// not an error.
	Terminate(ctx context.Context, instanceID string) error
}

// RentalHandle identifies a created rental
type RentalHandle struct {
	InstanceID string
	Raw        map[string]any // Provider response body as decoded JSON
}

// InstanceDetails describes a ready instance
type InstanceDetails struct {
	// InstanceID is the id Terminate expects. Usually the rented id; Hyperbolic
	// reports a distinct outer id once the instance is listed.
	InstanceID string
	Host       string
	SSHPort    int
	SSHUser    string
	RawStatus  string
}

// PollPolicy bounds boot polling
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPollPolicy matches the marketplaces' observed boot times
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		MaxAttempts: 30,
		Interval:    10 * time.Second,
	}
}
