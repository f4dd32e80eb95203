package provider

import (
	"context"
	"time"
)

// StatusFunc performs one status query. ready reports whether the instance
// reached a backend-specific ready state; status is the raw status string.
// details may be non-nil on a non-ready attempt to report the backend id
// seen so far.
type StatusFunc func(ctx context.Context) (details *InstanceDetails, status string, ready bool, err error)

// Poll issues exactly policy.MaxAttempts status queries, waiting
// policy.Interval between them, until one reports ready. A failed query
// counts as a non-ready attempt. The wait observes ctx.
func Poll(ctx context.Context, instanceID string, policy PollPolicy, query StatusFunc) (*InstanceDetails, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	timeout := &BootTimeoutError{InstanceID: instanceID}

	for attempt := 1; attempt <= attempts; attempt++ {
		details, status, ready, err := query(ctx)
		timeout.Attempts = attempt
		if details != nil && details.InstanceID != "" && details.InstanceID != instanceID {
			timeout.TerminateID = details.InstanceID
		}
		if err != nil {
			timeout.LastErr = err
		} else {
			timeout.LastStatus = status
			if ready {
				return details, nil
			}
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			timeout.LastErr = ctx.Err()
			return nil, timeout
		case <-time.After(policy.Interval):
		}
	}

	return nil, timeout
}
