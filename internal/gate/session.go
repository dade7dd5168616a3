package gate

import (
	"context"
	"errors"

	commonerrors "entitlement-service/internal/common/errors"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// SessionStore looks session tokens up in Redis. A token that is absent
// or expired resolves to an anonymous caller; a Redis failure is an error
// so the gate fails closed.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

// Lookup returns the account id bound to the token.
func (s *SessionStore) Lookup(ctx context.Context, token string) (string, error) {
	accountID, err := s.client.Get(ctx, sessionKeyPrefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", commonerrors.NewInfrastructureError("session store", err)
	}
	return accountID, nil
}
