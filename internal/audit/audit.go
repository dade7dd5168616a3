package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/subscription"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
)

const indexName = "entitlement-transitions"

// Entry is the audit document written for each applied transition.
type Entry struct {
	RecordID   string     `json:"recordId"`
	AccountID  string     `json:"accountId"`
	EventType  string     `json:"eventType"`
	FromStatus string     `json:"fromStatus"`
	ToStatus   string     `json:"toStatus"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Trail indexes one document per applied transition into Elasticsearch.
// Indexing is best-effort: an unavailable cluster costs audit history,
// never ingestion.
type Trail struct {
	client *elasticsearch.Client
	logger logger.Logger
	now    func() time.Time
}

func NewTrail(client *elasticsearch.Client, log logger.Logger) *Trail {
	return &Trail{
		client: client,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
		now:    time.Now,
	}
}

func (t *Trail) TransitionApplied(ctx context.Context, rec *subscription.Record, eventType string, from, to subscription.Status) {
	entry := Entry{
		RecordID:   rec.ID,
		AccountID:  rec.AccountID,
		EventType:  eventType,
		FromStatus: string(from),
		ToStatus:   string(to),
		ExpiresAt:  rec.ExpiresAt,
		OccurredAt: t.now(),
	}

	body, err := json.Marshal(entry)
	if err != nil {
		t.logger.WithError(err).Warn("failed to encode audit entry", nil)
		return
	}

	res, err := t.client.Index(
		indexName,
		bytes.NewReader(body),
		t.client.Index.WithContext(ctx),
		t.client.Index.WithDocumentID(uuid.NewString()),
	)
	if err != nil {
		t.logger.WithError(err).Warn("failed to index audit entry", map[string]interface{}{"recordId": rec.ID})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		t.logger.Warn("audit index rejected entry", map[string]interface{}{
			"recordId": rec.ID,
			"status":   res.Status(),
		})
	}
}
