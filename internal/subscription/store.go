package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
)

// Store is the persistence boundary for subscriber records. All other
// components read and write entitlement state through it.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	FindByBillingID(ctx context.Context, billingID string) (*Record, error)
	FindByReference(ctx context.Context, reference string) (*Record, error)
	FindByIdentity(ctx context.Context, email, domain, apiKey string) (*Record, error)
	FindByAccount(ctx context.Context, accountID string) (*Record, error)
	ApplyTransition(ctx context.Context, id string, version int64, status Status, expiresAt, activatedAt *time.Time) error
	Demote(ctx context.Context, id string, version int64, to Status) error
	TouchVerification(ctx context.Context, id string, meta VerificationMeta) error
}

const recordColumns = `id, account_id, email, domain, api_key, status, expires_at,
	billing_subscription_id, billing_reference, activated_at,
	last_verified_at, next_verification_due_at, last_caller_ip, last_caller_user_agent,
	version, created_at, updated_at`

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	query := `INSERT INTO subscribers (
		id, account_id, email, domain, api_key, status, expires_at,
		billing_subscription_id, billing_reference, activated_at, version, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW(), NOW())`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.AccountID, rec.Email, rec.Domain, nullString(rec.APIKey),
		string(rec.Status), nullTime(rec.ExpiresAt),
		nullString(rec.BillingSubscriptionID), nullString(rec.BillingReference),
		nullTime(rec.ActivatedAt),
	)
	if err != nil {
		return commonerrors.NewInfrastructureError("subscription store", err)
	}
	return nil
}

func (s *SQLStore) FindByBillingID(ctx context.Context, billingID string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscribers WHERE billing_subscription_id = $1 AND status <> 'canceled' ORDER BY created_at DESC LIMIT 1`, recordColumns)
	return s.queryOne(ctx, query, billingID)
}

func (s *SQLStore) FindByReference(ctx context.Context, reference string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscribers WHERE billing_reference = $1 AND status <> 'canceled' ORDER BY created_at DESC LIMIT 1`, recordColumns)
	return s.queryOne(ctx, query, reference)
}

// FindByIdentity requires an exact match on the supplied fields. The api key
// participates in the match only when provided.
func (s *SQLStore) FindByIdentity(ctx context.Context, email, domain, apiKey string) (*Record, error) {
	email = normalize(email)
	domain = normalize(domain)

	if apiKey != "" {
		query := fmt.Sprintf(`SELECT %s FROM subscribers WHERE email = $1 AND domain = $2 AND api_key = $3 LIMIT 1`, recordColumns)
		return s.queryOne(ctx, query, email, domain, apiKey)
	}
	query := fmt.Sprintf(`SELECT %s FROM subscribers WHERE email = $1 AND domain = $2 LIMIT 1`, recordColumns)
	return s.queryOne(ctx, query, email, domain)
}

func (s *SQLStore) FindByAccount(ctx context.Context, accountID string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscribers WHERE account_id = $1 ORDER BY created_at DESC LIMIT 1`, recordColumns)
	return s.queryOne(ctx, query, accountID)
}

// ApplyTransition writes status/expiry under optimistic concurrency. A lost
// version race returns a version-conflict error so the caller can re-read
// and retry.
func (s *SQLStore) ApplyTransition(ctx context.Context, id string, version int64, status Status, expiresAt, activatedAt *time.Time) error {
	query := `UPDATE subscribers SET
		status = $1,
		expires_at = COALESCE($2, expires_at),
		activated_at = COALESCE($3, activated_at),
		last_verified_at = NOW(),
		version = version + 1,
		updated_at = NOW()
	WHERE id = $4 AND version = $5`

	res, err := s.db.ExecContext(ctx, query, string(status), nullTime(expiresAt), nullTime(activatedAt), id, version)
	if err != nil {
		return commonerrors.NewInfrastructureError("subscription store", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return commonerrors.NewInfrastructureError("subscription store", err)
	}
	if affected == 0 {
		return commonerrors.NewVersionConflictError(fmt.Sprintf("record %s version %d", id, version))
	}
	return nil
}

// Demote narrows an entitled record to the given status. The status guard
// makes the write narrow-only: a concurrent widening transition wins and
// the demotion becomes a no-op conflict.
func (s *SQLStore) Demote(ctx context.Context, id string, version int64, to Status) error {
	query := `UPDATE subscribers SET
		status = $1,
		version = version + 1,
		updated_at = NOW()
	WHERE id = $2 AND version = $3 AND status IN ('active', 'trial')`

	res, err := s.db.ExecContext(ctx, query, string(to), id, version)
	if err != nil {
		return commonerrors.NewInfrastructureError("subscription store", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return commonerrors.NewInfrastructureError("subscription store", err)
	}
	if affected == 0 {
		return commonerrors.NewVersionConflictError(fmt.Sprintf("record %s version %d", id, version))
	}
	return nil
}

// TouchVerification updates the informational metadata fields without
// touching version: concurrent touches may apply in either order.
func (s *SQLStore) TouchVerification(ctx context.Context, id string, meta VerificationMeta) error {
	query := `UPDATE subscribers SET
		last_verified_at = $1,
		next_verification_due_at = $2,
		last_caller_ip = $3,
		last_caller_user_agent = $4,
		updated_at = NOW()
	WHERE id = $5`

	_, err := s.db.ExecContext(ctx, query, meta.VerifiedAt, meta.NextDueAt, meta.CallerIP, meta.CallerUserAgent, id)
	if err != nil {
		return commonerrors.NewInfrastructureError("subscription store", err)
	}
	return nil
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...interface{}) (*Record, error) {
	var (
		rec                     Record
		apiKey, billingID, ref  sql.NullString
		callerIP, callerUA      sql.NullString
		expiresAt, activatedAt  sql.NullTime
		lastVerified, nextDue   sql.NullTime
		status                  string
	)

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.AccountID, &rec.Email, &rec.Domain, &apiKey, &status, &expiresAt,
		&billingID, &ref, &activatedAt,
		&lastVerified, &nextDue, &callerIP, &callerUA,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, commonerrors.NewNotFoundError("no matching subscriber record")
		}
		return nil, commonerrors.NewInfrastructureError("subscription store", err)
	}

	rec.APIKey = apiKey.String
	rec.Status = Status(status)
	rec.BillingSubscriptionID = billingID.String
	rec.BillingReference = ref.String
	rec.LastCallerIP = callerIP.String
	rec.LastCallerUserAgent = callerUA.String
	rec.ExpiresAt = timePtr(expiresAt)
	rec.ActivatedAt = timePtr(activatedAt)
	rec.LastVerifiedAt = timePtr(lastVerified)
	rec.NextVerificationDueAt = timePtr(nextDue)

	return &rec, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
