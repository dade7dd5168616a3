package subscription

import "time"

// Status is the lifecycle state of a subscriber record.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

// Record is the persisted entitlement unit for one account. Records are
// never hard-deleted; cancellation is a status, not a removal.
type Record struct {
	ID        string
	AccountID string
	Email     string
	Domain    string
	APIKey    string

	Status    Status
	ExpiresAt *time.Time

	// Billing correlation: at most one non-canceled record should
	// correlate to a given billing subscription id.
	BillingSubscriptionID string
	BillingReference      string

	ActivatedAt *time.Time

	// Verification metadata is informational only; it never determines
	// authorization and may race safely with status writes.
	LastVerifiedAt        *time.Time
	NextVerificationDueAt *time.Time
	LastCallerIP          string
	LastCallerUserAgent   string

	// Version guards status/expiry writes with optimistic concurrency.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entitled reports whether the record grants access at the given instant:
// status in {active, trial} and expiry either unset or not yet passed.
func (r *Record) Entitled(now time.Time) bool {
	if r.Status != StatusActive && r.Status != StatusTrial {
		return false
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// VerificationMeta carries the informational fields refreshed on a
// successful verification.
type VerificationMeta struct {
	VerifiedAt      time.Time
	NextDueAt       time.Time
	CallerIP        string
	CallerUserAgent string
}
