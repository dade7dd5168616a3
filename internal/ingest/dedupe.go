package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventLedger records processed provider event identifiers so a
// redelivered event is skipped before any transition is applied.
// Identifiers are retained for a bounded window; a replay older than the
// retention is treated as new, which is safe because transitions are
// conditional writes.
type EventLedger struct {
	client    *redis.Client
	retention time.Duration
}

func NewEventLedger(client *redis.Client, retention time.Duration) *EventLedger {
	return &EventLedger{client: client, retention: retention}
}

// Claim atomically marks the event id as processed. It returns false when
// the id was already claimed within the retention window.
func (l *EventLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	return l.client.SetNX(ctx, "billing:event:"+eventID, 1, l.retention).Result()
}

// Release drops a claim so the provider's retry of a failed event is not
// mistaken for a duplicate.
func (l *EventLedger) Release(ctx context.Context, eventID string) error {
	return l.client.Del(ctx, "billing:event:"+eventID).Err()
}

// fingerprint derives a stable event identifier for providers that omit
// an explicit event id.
func fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AccountLock serializes event application per correlating subscription
// id with a Redis advisory lock. The store's conditional writes remain
// the backstop when the lock expires mid-flight.
type AccountLock struct {
	client  *redis.Client
	timeout time.Duration
}

func NewAccountLock(client *redis.Client, timeout time.Duration) *AccountLock {
	return &AccountLock{client: client, timeout: timeout}
}

// Acquire polls briefly for the lock. On success it returns a holder
// token that Release must present; an empty token means the key was
// still held after the attempts were exhausted.
func (l *AccountLock) Acquire(ctx context.Context, key string) (string, error) {
	const attempts = 5

	token := uuid.NewString()
	for i := 0; i < attempts; i++ {
		ok, err := l.client.SetNX(ctx, "billing:lock:"+key, token, l.timeout).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	return "", nil
}

// releaseScript drops the lock only for its current holder, so a holder
// whose lock expired mid-apply cannot delete the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *AccountLock) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{"billing:lock:" + key}, token).Err()
}
