package entities

import "time"

// CircuitPhase is the breaker state for one provider
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "CLOSED"
	CircuitOpen     CircuitPhase = "OPEN"
	CircuitHalfOpen CircuitPhase = "HALF_OPEN"
)

// CircuitState is the per-provider health record shared by all requests
type CircuitState struct {
	Provider            string       `json:"provider"`
	Phase               CircuitPhase `json:"phase"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	RetryAt             time.Time    `json:"retry_at,omitempty"`
	ProbesInFlight      int          `json:"probes_in_flight"`
	ProbeStartedAt      time.Time    `json:"probe_started_at,omitempty"`
	OpenCount           int          `json:"open_count"`
	Version             int64        `json:"version"`
	UpdatedAt           time.Time    `json:"updated_at,omitempty"`
}

// NewCircuitState returns the initial CLOSED state.
func NewCircuitState(provider string) CircuitState {
	return CircuitState{Provider: provider, Phase: CircuitClosed}
}

// LockLease is a time-bounded exclusive grant over one key
type LockLease struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Renewing   bool      `json:"renewing"`
}

// Remaining returns the time left before passive expiry.
func (l LockLease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// CircuitEvent announces a breaker phase transition to other processes
type CircuitEvent struct {
	ID         string       `json:"id"`
	Provider   string       `json:"provider"`
	From       CircuitPhase `json:"from"`
	To         CircuitPhase `json:"to"`
	RetryAt    time.Time    `json:"retry_at,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
