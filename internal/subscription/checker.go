package subscription

import (
	"context"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
)

// Checker is the single capability interface exposed to collaborators:
// may this account use the protected system right now. The access gate,
// the client cache fetch path and the workflow worker all consume it.
type Checker interface {
	Entitled(ctx context.Context, accountID string) (bool, error)
}

// StoreChecker answers entitlement checks with a fresh store read, so
// revocation takes effect on the very next check.
type StoreChecker struct {
	store Store
	now   func() time.Time
}

func NewStoreChecker(store Store) *StoreChecker {
	return &StoreChecker{store: store, now: time.Now}
}

// NewStoreCheckerWithClock is used by tests to pin the clock.
func NewStoreCheckerWithClock(store Store, now func() time.Time) *StoreChecker {
	return &StoreChecker{store: store, now: now}
}

// Entitled returns (false, nil) for a missing record and a non-nil error
// only on backend failure, so callers can tell "denied" from "broken".
func (c *StoreChecker) Entitled(ctx context.Context, accountID string) (bool, error) {
	rec, err := c.store.FindByAccount(ctx, accountID)
	if err != nil {
		if commonerrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return rec.Entitled(c.now()), nil
}
