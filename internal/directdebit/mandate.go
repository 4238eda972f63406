package directdebit

import "time"

// MandateStatus is the lifecycle status of a mandate.
type MandateStatus string

const (
	MandatePendingSubmission MandateStatus = "pending_submission"
	MandateSubmitted         MandateStatus = "submitted"
	MandateActive            MandateStatus = "active"
	MandateFailed            MandateStatus = "failed"
	MandateCancelled         MandateStatus = "cancelled"
	MandateExpired           MandateStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s MandateStatus) Terminal() bool {
	switch s {
	case MandateFailed, MandateCancelled, MandateExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the mandate lifecycle permits moving from
// s to next. The forward path is pending_submission -> submitted -> active;
// failed, cancelled, and expired are reachable from any non-terminal state.
// Transitions are driven exclusively by webhook events, never by the
// creation calls.
func (s MandateStatus) CanTransitionTo(next MandateStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	switch next {
	case MandateFailed, MandateCancelled, MandateExpired:
		return true
	case MandateSubmitted:
		return s == MandatePendingSubmission
	case MandateActive:
		return s == MandateSubmitted
	}
	return false
}

// Mandate is a provider-side authorization for recurring withdrawal, scoped
// to one scheme. Scheme is fixed at creation and never changes.
type Mandate struct {
	ID            string        `json:"id"`
	Scheme        Scheme        `json:"scheme"`
	Status        MandateStatus `json:"status"`
	BankAccountID string        `json:"bank_account_id"`
	Reference     string        `json:"reference,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
