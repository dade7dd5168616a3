package verify

import (
	"context"
	"strings"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/common/metrics"
	"entitlement-service/internal/subscription"
)

type Config struct {
	// RecheckInterval is how far out the next verification is scheduled
	// after a successful check.
	RecheckInterval time.Duration
}

// Request identifies the installation asking for verification. Email and
// Domain are required; APIKey narrows the lookup when the caller holds one.
type Request struct {
	Email  string `json:"email"`
	Domain string `json:"domain"`
	APIKey string `json:"apiKey,omitempty"`

	// Caller metadata recorded on successful verification.
	CallerIP        string `json:"-"`
	CallerUserAgent string `json:"-"`
}

// Response is the minimal projection returned to installations. It never
// exposes billing identifiers or internal record fields.
type Response struct {
	Valid      bool       `json:"valid"`
	Status     string     `json:"status,omitempty"`
	Email      string     `json:"email,omitempty"`
	Domain     string     `json:"domain,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

// Verifier answers license checks from installed clients and lazily
// demotes records whose expiry has passed.
type Verifier struct {
	config *Config
	store  subscription.Store
	logger logger.Logger
	now    func() time.Time
}

func NewVerifier(config *Config, store subscription.Store, log logger.Logger) *Verifier {
	return &Verifier{
		config: config,
		store:  store,
		logger: log.WithFields(map[string]interface{}{"component": "verify"}),
		now:    time.Now,
	}
}

// WithClock pins the clock; used by tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify looks up the record for the caller's identity and reports whether
// it is currently entitled. An unknown identity is a negative answer, not
// an error, and never creates a record.
func (v *Verifier) Verify(ctx context.Context, req *Request) (*Response, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if email == "" || domain == "" {
		metrics.Verifications.WithLabelValues("malformed").Inc()
		return nil, commonerrors.NewValidationError("email and domain are required")
	}

	rec, err := v.store.FindByIdentity(ctx, email, domain, strings.TrimSpace(req.APIKey))
	if err != nil {
		if commonerrors.IsNotFound(err) {
			metrics.Verifications.WithLabelValues("unknown").Inc()
			return &Response{Valid: false}, nil
		}
		metrics.Verifications.WithLabelValues("error").Inc()
		return nil, err
	}

	now := v.now()
	if !rec.Entitled(now) {
		status := v.reconcile(ctx, rec, now)
		metrics.Verifications.WithLabelValues("invalid").Inc()
		return &Response{Valid: false, Status: string(status)}, nil
	}

	meta := subscription.VerificationMeta{
		VerifiedAt:      now,
		NextDueAt:       now.Add(v.config.RecheckInterval),
		CallerIP:        req.CallerIP,
		CallerUserAgent: req.CallerUserAgent,
	}
	if err := v.store.TouchVerification(ctx, rec.ID, meta); err != nil {
		// The caller's answer does not depend on the bookkeeping write.
		v.logger.WithError(err).Warn("failed to record verification", map[string]interface{}{"recordId": rec.ID})
	}

	metrics.Verifications.WithLabelValues("valid").Inc()
	return &Response{
		Valid:      true,
		Status:     string(rec.Status),
		Email:      rec.Email,
		Domain:     rec.Domain,
		ExpiresAt:  rec.ExpiresAt,
		VerifiedAt: &meta.VerifiedAt,
	}, nil
}

// reconcile demotes a record that still reads active or trial but whose
// expiry has passed, so stored state catches up with the answer already
// given. Losing the version race means someone else already corrected it.
func (v *Verifier) reconcile(ctx context.Context, rec *subscription.Record, now time.Time) subscription.Status {
	if rec.Status != subscription.StatusActive && rec.Status != subscription.StatusTrial {
		return rec.Status
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Before(now) {
		return rec.Status
	}

	err := v.store.Demote(ctx, rec.ID, rec.Version, subscription.StatusSuspended)
	if err != nil {
		if commonerrors.IsCode(err, commonerrors.ErrCodeVersionConflict) {
			return rec.Status
		}
		v.logger.WithError(err).Warn("failed to demote expired record", map[string]interface{}{"recordId": rec.ID})
		return rec.Status
	}

	v.logger.Info("demoted expired record", map[string]interface{}{
		"recordId": rec.ID,
		"from":     string(rec.Status),
	})
	return subscription.StatusSuspended
}
