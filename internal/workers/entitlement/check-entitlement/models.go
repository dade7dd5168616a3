// internal/workers/entitlement/check-entitlement/models.go
package checkentitlement

type Input struct {
	AccountID string `json:"accountId"`
}

// Output carries the entitlement answer back into the process instance.
type Output struct {
	Entitled  bool   `json:"entitled"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}
