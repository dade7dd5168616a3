package ingest

// ProviderEvent is the lifecycle event payload posted by the billing
// provider. The event name carries the type; the payment or subscription
// sub-object carries the billing correlation.
type ProviderEvent struct {
	ID           string               `json:"id,omitempty"`
	Event        string               `json:"event"`
	Payment      *PaymentPayload      `json:"payment,omitempty"`
	Subscription *SubscriptionPayload `json:"subscription,omitempty"`
}

type PaymentPayload struct {
	ID                string `json:"id,omitempty"`
	Subscription      string `json:"subscription,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

type SubscriptionPayload struct {
	ID                string `json:"id,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

// Provider event types with a transition attached. Anything else is
// logged and ignored.
const (
	EventPaymentConfirmed      = "PAYMENT_CONFIRMED"
	EventPaymentReceived       = "PAYMENT_RECEIVED"
	EventPaymentOverdue        = "PAYMENT_OVERDUE"
	EventPaymentDeleted        = "PAYMENT_DELETED"
	EventPaymentRefunded       = "PAYMENT_REFUNDED"
	EventSubscriptionActivated = "SUBSCRIPTION_ACTIVATED"
	EventSubscriptionCanceled  = "SUBSCRIPTION_CANCELED"
	EventSubscriptionExpired   = "SUBSCRIPTION_EXPIRED"
)

// Result describes what ingestion did with an event. All results except
// the error paths are acknowledged as success to the provider.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultUnmatched Result = "unmatched"
	ResultIgnored   Result = "ignored"
)

// correlationID returns the billing subscription id of the event, falling
// back to the external reference.
func (e *ProviderEvent) correlationID() (id string, ref string) {
	if e.Payment != nil {
		return e.Payment.Subscription, e.Payment.ExternalReference
	}
	if e.Subscription != nil {
		return e.Subscription.ID, e.Subscription.ExternalReference
	}
	return "", ""
}
