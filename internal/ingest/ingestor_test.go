package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/subscription"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeStore struct {
	subscription.Store

	findByBillingID func(ctx context.Context, billingID string) (*subscription.Record, error)
	findByReference func(ctx context.Context, reference string) (*subscription.Record, error)
	applyTransition func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error
}

func (f *fakeStore) FindByBillingID(ctx context.Context, billingID string) (*subscription.Record, error) {
	if f.findByBillingID == nil {
		return nil, commonerrors.NewNotFoundError("no record")
	}
	return f.findByBillingID(ctx, billingID)
}

func (f *fakeStore) FindByReference(ctx context.Context, reference string) (*subscription.Record, error) {
	if f.findByReference == nil {
		return nil, commonerrors.NewNotFoundError("no record")
	}
	return f.findByReference(ctx, reference)
}

func (f *fakeStore) ApplyTransition(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
	if f.applyTransition == nil {
		return nil
	}
	return f.applyTransition(ctx, id, version, status, expiresAt, activatedAt)
}

type appliedCall struct {
	id          string
	version     int64
	status      subscription.Status
	expiresAt   *time.Time
	activatedAt *time.Time
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func createTestConfig() *Config {
	return &Config{
		WebhookToken:    "shared-secret",
		BillingInterval: 30 * 24 * time.Hour,
	}
}

func createTestIngestor(t *testing.T, config *Config, store subscription.Store, hooks ...TransitionHook) *Ingestor {
	t.Helper()

	if config == nil {
		config = createTestConfig()
	}
	client := setupRedis(t)
	ledger := NewEventLedger(client, 72*time.Hour)
	locks := NewAccountLock(client, 5*time.Second)
	return NewIngestor(config, store, ledger, locks, logger.NewTestLogger(t), hooks...)
}

func suspendedRecord() *subscription.Record {
	return &subscription.Record{
		ID:                    "rec-1",
		AccountID:             "acct-1",
		Email:                 "owner@example.com",
		Status:                subscription.StatusSuspended,
		BillingSubscriptionID: "sub_123",
		BillingReference:      "acct-1",
		Version:               3,
	}
}

func paymentPayload(eventID, event, billingSub string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"event":%q,"payment":{"id":"pay_1","subscription":%q}}`, eventID, event, billingSub))
}

// ==========================
// Core Functionality Tests
// ==========================

func TestIngestor_Process_AppliesTransitions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		event          string
		expectedStatus subscription.Status
		expectExpiry   bool
		expectActivati bool
	}{
		{
			name:           "confirmed payment reactivates and extends expiry",
			event:          EventPaymentConfirmed,
			expectedStatus: subscription.StatusActive,
			expectExpiry:   true,
			expectActivati: true,
		},
		{
			name:           "received payment reactivates and extends expiry",
			event:          EventPaymentReceived,
			expectedStatus: subscription.StatusActive,
			expectExpiry:   true,
			expectActivati: true,
		},
		{
			name:           "overdue payment suspends",
			event:          EventPaymentOverdue,
			expectedStatus: subscription.StatusSuspended,
		},
		{
			name:           "deleted payment cancels",
			event:          EventPaymentDeleted,
			expectedStatus: subscription.StatusCanceled,
		},
		{
			name:           "refunded payment cancels",
			event:          EventPaymentRefunded,
			expectedStatus: subscription.StatusCanceled,
		},
		{
			name:           "subscription activation activates without expiry change",
			event:          EventSubscriptionActivated,
			expectedStatus: subscription.StatusActive,
			expectActivati: true,
		},
		{
			name:           "subscription cancellation cancels",
			event:          EventSubscriptionCanceled,
			expectedStatus: subscription.StatusCanceled,
		},
		{
			name:           "subscription expiry suspends",
			event:          EventSubscriptionExpired,
			expectedStatus: subscription.StatusSuspended,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var applied []appliedCall
			store := &fakeStore{
				findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
					assert.Equal(t, "sub_123", billingID)
					return suspendedRecord(), nil
				},
				applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
					applied = append(applied, appliedCall{id, version, status, expiresAt, activatedAt})
					return nil
				},
			}

			ing := createTestIngestor(t, nil, store).WithClock(func() time.Time { return now })

			result, err := ing.Process(context.Background(), "shared-secret", paymentPayload("evt_1", tt.event, "sub_123"))

			require.NoError(t, err)
			assert.Equal(t, ResultApplied, result)
			require.Len(t, applied, 1)
			assert.Equal(t, "rec-1", applied[0].id)
			assert.Equal(t, int64(3), applied[0].version)
			assert.Equal(t, tt.expectedStatus, applied[0].status)

			if tt.expectExpiry {
				require.NotNil(t, applied[0].expiresAt)
				assert.Equal(t, now.Add(30*24*time.Hour), *applied[0].expiresAt)
			} else {
				assert.Nil(t, applied[0].expiresAt)
			}
			if tt.expectActivati {
				require.NotNil(t, applied[0].activatedAt)
				assert.Equal(t, now, *applied[0].activatedAt)
			} else {
				assert.Nil(t, applied[0].activatedAt)
			}
		})
	}
}

func TestIngestor_Process_RejectsBadToken(t *testing.T) {
	var writes int
	store := &fakeStore{
		applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
			writes++
			return nil
		},
	}
	ing := createTestIngestor(t, nil, store)

	_, err := ing.Process(context.Background(), "wrong-secret", paymentPayload("evt_1", EventPaymentConfirmed, "sub_123"))

	require.Error(t, err)
	assert.True(t, commonerrors.IsAuthentication(err))
	assert.Zero(t, writes, "a rejected event must not touch subscriber state")
}

func TestIngestor_Process_RejectsMalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{{{`},
		{name: "missing event name", payload: `{"payment":{"subscription":"sub_123"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := createTestIngestor(t, nil, &fakeStore{})

			_, err := ing.Process(context.Background(), "shared-secret", []byte(tt.payload))

			require.Error(t, err)
			assert.True(t, commonerrors.IsValidation(err))
		})
	}
}

func TestIngestor_Process_DuplicateEventAppliedOnce(t *testing.T) {
	var writes int
	store := &fakeStore{
		findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
			return suspendedRecord(), nil
		},
		applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
			writes++
			return nil
		},
	}
	ing := createTestIngestor(t, nil, store)
	payload := paymentPayload("evt_dup", EventPaymentConfirmed, "sub_123")

	first, err := ing.Process(context.Background(), "shared-secret", payload)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, first)

	second, err := ing.Process(context.Background(), "shared-secret", payload)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second)

	assert.Equal(t, 1, writes, "a redelivered event must not be applied twice")
}

func TestIngestor_Process_DeduplicatesByFingerprintWhenIDMissing(t *testing.T) {
	var writes int
	store := &fakeStore{
		findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
			return suspendedRecord(), nil
		},
		applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
			writes++
			return nil
		},
	}
	ing := createTestIngestor(t, nil, store)
	payload := []byte(`{"event":"PAYMENT_CONFIRMED","payment":{"subscription":"sub_123"}}`)

	_, err := ing.Process(context.Background(), "shared-secret", payload)
	require.NoError(t, err)

	second, err := ing.Process(context.Background(), "shared-secret", payload)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second)
	assert.Equal(t, 1, writes)
}

func TestIngestor_Process_UnmatchedEventAcknowledged(t *testing.T) {
	ing := createTestIngestor(t, nil, &fakeStore{})

	result, err := ing.Process(context.Background(), "shared-secret", paymentPayload("evt_1", EventPaymentConfirmed, "sub_unknown"))

	require.NoError(t, err)
	assert.Equal(t, ResultUnmatched, result)
}

func TestIngestor_Process_FallsBackToReference(t *testing.T) {
	var applied []appliedCall
	store := &fakeStore{
		findByReference: func(ctx context.Context, reference string) (*subscription.Record, error) {
			assert.Equal(t, "acct-1", reference)
			return suspendedRecord(), nil
		},
		applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
			applied = append(applied, appliedCall{id, version, status, expiresAt, activatedAt})
			return nil
		},
	}
	ing := createTestIngestor(t, nil, store)
	payload := []byte(`{"id":"evt_ref","event":"PAYMENT_OVERDUE","payment":{"externalReference":"acct-1"}}`)

	result, err := ing.Process(context.Background(), "shared-secret", payload)

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	require.Len(t, applied, 1)
	assert.Equal(t, subscription.StatusSuspended, applied[0].status)
}

func TestIngestor_Process_IgnoresUnknownEventType(t *testing.T) {
	ing := createTestIngestor(t, nil, &fakeStore{})

	result, err := ing.Process(context.Background(), "shared-secret", []byte(`{"id":"evt_1","event":"PAYMENT_SOMEDAY"}`))

	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, result)
}

func TestIngestor_Process_RetriesOnVersionConflict(t *testing.T) {
	var attempts int
	store := &fakeStore{
		findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
			rec := suspendedRecord()
			rec.Version = int64(3 + attempts)
			return rec, nil
		},
		applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
			attempts++
			if attempts == 1 {
				return commonerrors.NewVersionConflictError("stale version")
			}
			assert.Equal(t, int64(4), version, "retry must use the re-read version")
			return nil
		},
	}
	ing := createTestIngestor(t, nil, store)

	result, err := ing.Process(context.Background(), "shared-secret", paymentPayload("evt_race", EventPaymentConfirmed, "sub_123"))

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	assert.Equal(t, 2, attempts)
}

func TestIngestor_Process_ReleasesClaimOnFailure(t *testing.T) {
	var attempts int
	store := &fakeStore{
		findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
			return suspendedRecord(), nil
		},
		applyTransition: func(ctx context.Context, id string, version int64, status subscription.Status, expiresAt, activatedAt *time.Time) error {
			attempts++
			if attempts == 1 {
				return commonerrors.NewInfrastructureError("postgres", assert.AnError)
			}
			return nil
		},
	}
	ing := createTestIngestor(t, nil, store)
	payload := paymentPayload("evt_retry", EventPaymentConfirmed, "sub_123")

	_, err := ing.Process(context.Background(), "shared-secret", payload)
	require.Error(t, err)

	// The provider retries the failed delivery; the claim must be gone.
	result, err := ing.Process(context.Background(), "shared-secret", payload)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
}

type recordingHook struct {
	calls []string
}

func (h *recordingHook) TransitionApplied(ctx context.Context, rec *subscription.Record, eventType string, from, to subscription.Status) {
	h.calls = append(h.calls, fmt.Sprintf("%s:%s->%s", eventType, from, to))
}

func TestIngestor_Process_NotifiesHooksAfterPersist(t *testing.T) {
	store := &fakeStore{
		findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
			return suspendedRecord(), nil
		},
	}
	hook := &recordingHook{}
	ing := createTestIngestor(t, nil, store, hook)

	_, err := ing.Process(context.Background(), "shared-secret", paymentPayload("evt_hook", EventPaymentConfirmed, "sub_123"))

	require.NoError(t, err)
	require.Len(t, hook.calls, 1)
	assert.Equal(t, "PAYMENT_CONFIRMED:suspended->active", hook.calls[0])
}

func TestIngestor_Process_AllowsAnyTokenWhenSecretUnset(t *testing.T) {
	config := &Config{BillingInterval: 30 * 24 * time.Hour}
	store := &fakeStore{
		findByBillingID: func(ctx context.Context, billingID string) (*subscription.Record, error) {
			return suspendedRecord(), nil
		},
	}
	ing := createTestIngestor(t, config, store)

	result, err := ing.Process(context.Background(), "", paymentPayload("evt_open", EventPaymentConfirmed, "sub_123"))

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
}
