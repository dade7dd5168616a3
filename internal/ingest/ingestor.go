package ingest

import (
	"context"
	"encoding/json"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/common/metrics"
	"entitlement-service/internal/subscription"
)

type Config struct {
	// WebhookToken is the shared secret expected from the provider.
	// Empty disables authentication.
	WebhookToken string
	// BillingInterval is the entitlement extension granted by a
	// confirmed payment.
	BillingInterval time.Duration
}

// TransitionHook is notified after a transition has been persisted.
// Hooks are best-effort: they cannot fail ingestion.
type TransitionHook interface {
	TransitionApplied(ctx context.Context, rec *subscription.Record, eventType string, from, to subscription.Status)
}

// Ingestor applies provider lifecycle events to subscriber records.
type Ingestor struct {
	config *Config
	store  subscription.Store
	ledger *EventLedger
	locks  *AccountLock
	hooks  []TransitionHook
	logger logger.Logger
	now    func() time.Time
}

func NewIngestor(config *Config, store subscription.Store, ledger *EventLedger, locks *AccountLock, log logger.Logger, hooks ...TransitionHook) *Ingestor {
	return &Ingestor{
		config: config,
		store:  store,
		ledger: ledger,
		locks:  locks,
		hooks:  hooks,
		logger: log.WithFields(map[string]interface{}{"component": "ingest"}),
		now:    time.Now,
	}
}

// WithClock pins the clock; used by tests.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// transition is a computed state change for one event type.
type transition struct {
	status          subscription.Status
	stampActivation bool
	extendExpiry    bool
}

func transitionFor(eventType string) (transition, bool) {
	switch eventType {
	case EventPaymentConfirmed, EventPaymentReceived:
		return transition{status: subscription.StatusActive, stampActivation: true, extendExpiry: true}, true
	case EventPaymentOverdue:
		return transition{status: subscription.StatusSuspended}, true
	case EventPaymentDeleted, EventPaymentRefunded:
		return transition{status: subscription.StatusCanceled}, true
	case EventSubscriptionActivated:
		return transition{status: subscription.StatusActive, stampActivation: true}, true
	case EventSubscriptionCanceled:
		return transition{status: subscription.StatusCanceled}, true
	case EventSubscriptionExpired:
		return transition{status: subscription.StatusSuspended}, true
	}
	return transition{}, false
}

// Process authenticates, parses and applies one provider event. Every
// non-error result is acknowledged as success to the provider so that
// no-ops never trigger retry storms.
func (i *Ingestor) Process(ctx context.Context, token string, payload []byte) (Result, error) {
	if i.config.WebhookToken != "" && token != i.config.WebhookToken {
		metrics.EventsIngested.WithLabelValues("unknown", "unauthorized").Inc()
		return "", commonerrors.NewAuthenticationError("webhook token mismatch")
	}

	if err := validatePayload(payload); err != nil {
		metrics.EventsIngested.WithLabelValues("unknown", "malformed").Inc()
		return "", commonerrors.NewValidationError(err.Error())
	}

	var evt ProviderEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		metrics.EventsIngested.WithLabelValues("unknown", "malformed").Inc()
		return "", commonerrors.NewValidationError(err.Error())
	}

	log := i.logger.WithFields(map[string]interface{}{"eventType": evt.Event, "eventId": evt.ID})

	tr, known := transitionFor(evt.Event)
	if !known {
		log.Info("ignoring unrecognized provider event", nil)
		metrics.EventsIngested.WithLabelValues(evt.Event, string(ResultIgnored)).Inc()
		return ResultIgnored, nil
	}

	eventID := evt.ID
	if eventID == "" {
		eventID = fingerprint(payload)
	}

	claimed, err := i.ledger.Claim(ctx, eventID)
	if err != nil {
		return "", commonerrors.NewInfrastructureError("event ledger", err)
	}
	if !claimed {
		log.Info("skipping already-processed event", map[string]interface{}{"dedupeKey": eventID})
		metrics.EventsIngested.WithLabelValues(evt.Event, string(ResultDuplicate)).Inc()
		return ResultDuplicate, nil
	}

	result, err := i.apply(ctx, &evt, tr, log)
	if err != nil {
		// Release the claim so the provider's retry is reprocessed.
		if relErr := i.ledger.Release(ctx, eventID); relErr != nil {
			log.WithError(relErr).Warn("failed to release event claim", nil)
		}
		return "", err
	}

	metrics.EventsIngested.WithLabelValues(evt.Event, string(result)).Inc()
	return result, nil
}

func (i *Ingestor) apply(ctx context.Context, evt *ProviderEvent, tr transition, log logger.Logger) (Result, error) {
	billingID, reference := evt.correlationID()
	if billingID == "" && reference == "" {
		log.Warn("event carries no billing correlation", nil)
		return ResultUnmatched, nil
	}

	rec, err := i.resolve(ctx, billingID, reference)
	if err != nil {
		if commonerrors.IsNotFound(err) {
			// Deliberate no-op: the provider must still receive success.
			log.Info("no record correlates to event", map[string]interface{}{
				"billingId": billingID,
				"reference": reference,
			})
			return ResultUnmatched, nil
		}
		return "", err
	}

	lockKey := billingID
	if lockKey == "" {
		lockKey = reference
	}
	lockToken, err := i.locks.Acquire(ctx, lockKey)
	if err != nil {
		return "", commonerrors.NewInfrastructureError("account lock", err)
	}
	if lockToken != "" {
		defer func() {
			if err := i.locks.Release(ctx, lockKey, lockToken); err != nil {
				log.WithError(err).Warn("failed to release account lock", nil)
			}
		}()
	} else {
		// Proceed anyway: the conditional write below still prevents
		// lost updates, at the cost of a possible retry.
		log.Warn("account lock contention, relying on conditional write", map[string]interface{}{"lockKey": lockKey})
	}

	const casAttempts = 3
	for attempt := 0; ; attempt++ {
		from := rec.Status

		now := i.now()
		var expiresAt, activatedAt *time.Time
		if tr.extendExpiry {
			expiry := now.Add(i.config.BillingInterval)
			expiresAt = &expiry
		}
		if tr.stampActivation {
			activatedAt = &now
		}

		err = i.store.ApplyTransition(ctx, rec.ID, rec.Version, tr.status, expiresAt, activatedAt)
		if err == nil {
			applied := *rec
			applied.Status = tr.status
			if expiresAt != nil {
				applied.ExpiresAt = expiresAt
			}
			if activatedAt != nil {
				applied.ActivatedAt = activatedAt
			}

			log.Info("transition applied", map[string]interface{}{
				"recordId": rec.ID,
				"from":     string(from),
				"to":       string(tr.status),
			})

			for _, hook := range i.hooks {
				hook.TransitionApplied(ctx, &applied, evt.Event, from, tr.status)
			}
			return ResultApplied, nil
		}

		if !commonerrors.IsCode(err, commonerrors.ErrCodeVersionConflict) || attempt >= casAttempts-1 {
			return "", err
		}

		// Lost a version race with a concurrent event; re-read and retry.
		rec, err = i.resolve(ctx, billingID, reference)
		if err != nil {
			if commonerrors.IsNotFound(err) {
				return ResultUnmatched, nil
			}
			return "", err
		}
	}
}

func (i *Ingestor) resolve(ctx context.Context, billingID, reference string) (*subscription.Record, error) {
	if billingID != "" {
		rec, err := i.store.FindByBillingID(ctx, billingID)
		if err == nil || !commonerrors.IsNotFound(err) {
			return rec, err
		}
	}
	if reference != "" {
		return i.store.FindByReference(ctx, reference)
	}
	return nil, commonerrors.NewNotFoundError("no billing correlation matched")
}
