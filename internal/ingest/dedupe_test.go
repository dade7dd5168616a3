package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLedger_Claim(t *testing.T) {
	tests := []struct {
		name          string
		alreadySet    bool
		expectClaimed bool
	}{
		{name: "first delivery claims", alreadySet: false, expectClaimed: true},
		{name: "redelivery is rejected", alreadySet: true, expectClaimed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := redismock.NewClientMock()
			mock.ExpectSetNX("billing:event:evt_1", 1, 72*time.Hour).SetVal(!tt.alreadySet)

			ledger := NewEventLedger(db, 72*time.Hour)
			claimed, err := ledger.Claim(context.Background(), "evt_1")

			require.NoError(t, err)
			assert.Equal(t, tt.expectClaimed, claimed)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEventLedger_ReleaseDropsClaim(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectDel("billing:event:evt_1").SetVal(1)

	ledger := NewEventLedger(db, 72*time.Hour)

	require.NoError(t, ledger.Release(context.Background(), "evt_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFingerprint_StablePerPayload(t *testing.T) {
	a := fingerprint([]byte(`{"event":"PAYMENT_CONFIRMED"}`))
	b := fingerprint([]byte(`{"event":"PAYMENT_CONFIRMED"}`))
	c := fingerprint([]byte(`{"event":"PAYMENT_OVERDUE"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestAccountLock_SerializesHolders(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lock := NewAccountLock(client, 5*time.Second)

	token, err := lock.Acquire(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// Held elsewhere; polling runs out of attempts.
	contended, err := lock.Acquire(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Empty(t, contended)

	require.NoError(t, lock.Release(context.Background(), "sub_123", token))

	token, err = lock.Acquire(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestAccountLock_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lock := NewAccountLock(client, 100*time.Millisecond)

	first, err := lock.Acquire(context.Background(), "sub_123")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// The first holder's lock expires mid-apply and another holder takes it.
	srv.FastForward(150 * time.Millisecond)
	second, err := lock.Acquire(context.Background(), "sub_123")
	require.NoError(t, err)
	require.NotEmpty(t, second)

	// The late release from the expired holder must not drop the new lock.
	require.NoError(t, lock.Release(context.Background(), "sub_123", first))
	held, err := client.Get(context.Background(), "billing:lock:sub_123").Result()
	require.NoError(t, err)
	assert.Equal(t, second, held)
}
