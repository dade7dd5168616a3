package notify

import (
	"context"
	"fmt"
	"time"

	"entitlement-service/internal/common/aws"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/subscription"
)

type Config struct {
	// FromAddress is the verified sender for lifecycle emails. Empty
	// disables email.
	FromAddress string
	// TopicARN is the SNS topic receiving entitlement-change messages.
	// Empty disables publishing.
	TopicARN string
}

// ChangeMessage is the payload published for every applied transition.
type ChangeMessage struct {
	AccountID  string     `json:"accountId"`
	Email      string     `json:"email"`
	EventType  string     `json:"eventType"`
	FromStatus string     `json:"fromStatus"`
	ToStatus   string     `json:"toStatus"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Notifier fans applied transitions out to SNS and, for losses of access,
// emails the subscriber. Everything here is best-effort: a notification
// failure is logged and never blocks or fails ingestion.
type Notifier struct {
	config *Config
	email  aws.EmailSender
	topic  aws.TopicPublisher
	logger logger.Logger
	now    func() time.Time
}

func New(config *Config, email aws.EmailSender, topic aws.TopicPublisher, log logger.Logger) *Notifier {
	return &Notifier{
		config: config,
		email:  email,
		topic:  topic,
		logger: log.WithFields(map[string]interface{}{"component": "notify"}),
		now:    time.Now,
	}
}

func (n *Notifier) TransitionApplied(ctx context.Context, rec *subscription.Record, eventType string, from, to subscription.Status) {
	if n.topic != nil && n.config.TopicARN != "" {
		msg := &ChangeMessage{
			AccountID:  rec.AccountID,
			Email:      rec.Email,
			EventType:  eventType,
			FromStatus: string(from),
			ToStatus:   string(to),
			ExpiresAt:  rec.ExpiresAt,
			OccurredAt: n.now(),
		}
		if err := n.topic.PublishJSON(ctx, n.config.TopicARN, msg); err != nil {
			n.logger.WithError(err).Warn("failed to publish entitlement change", map[string]interface{}{
				"accountId": rec.AccountID,
			})
		}
	}

	if n.email == nil || n.config.FromAddress == "" || rec.Email == "" {
		return
	}

	subject, body, ok := lifecycleEmail(rec, to)
	if !ok {
		return
	}
	if err := n.email.SendPlainEmail(ctx, n.config.FromAddress, rec.Email, subject, body); err != nil {
		n.logger.WithError(err).Warn("failed to send lifecycle email", map[string]interface{}{
			"accountId": rec.AccountID,
		})
	}
}

// lifecycleEmail composes the message for transitions the subscriber
// should hear about. Reactivations and no-ops stay quiet.
func lifecycleEmail(rec *subscription.Record, to subscription.Status) (subject, body string, ok bool) {
	switch to {
	case subscription.StatusSuspended:
		return "Your subscription is suspended",
			fmt.Sprintf("Hi,\n\nAccess for %s has been suspended because your latest payment did not go through. Settle the open invoice to restore access.\n", rec.Domain),
			true
	case subscription.StatusCanceled:
		return "Your subscription has been canceled",
			fmt.Sprintf("Hi,\n\nYour subscription for %s has been canceled. You can re-subscribe at any time to regain access.\n", rec.Domain),
			true
	}
	return "", "", false
}
