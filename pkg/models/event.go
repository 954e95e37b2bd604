package models

import (
	"strings"
	"time"
)

// Connection level event types
const (
	EventConnectionEstablished = "connection_established"
	EventHeartbeat             = "heartbeat"
)

// RawEvent is one event as pushed by the server. Id field naming varies by domain.
type RawEvent struct {
	Type             string   `json:"type"`
	EntityID         string   `json:"entityId,omitempty"`
	AccountID        string   `json:"accountId,omitempty"`
	WalletID         string   `json:"walletId,omitempty"`
	ConnectionID     string   `json:"connectionId,omitempty"`
	IntegrationID    string   `json:"integrationId,omitempty"`
	Domain           string   `json:"domain,omitempty"`
	JobID            JobID    `json:"jobId,omitempty"`
	Progress         *int     `json:"progress,omitempty"`
	Status           string   `json:"status,omitempty"`
	Message          string   `json:"message,omitempty"`
	Error            string   `json:"error,omitempty"`
	SyncedData       []string `json:"syncedData,omitempty"`
	Timestamp        string   `json:"timestamp,omitempty"`
	TotalConnections *int     `json:"totalConnections,omitempty"`
}

// IsControl reports connection level events that never touch a registry
func (e RawEvent) IsControl() bool {
	switch strings.ToLower(strings.TrimSpace(e.Type)) {
	case EventConnectionEstablished, EventHeartbeat:
		return true
	}
	return false
}

// ResolveEntityID returns the entity id and the domain implied by the field carrying it.
// The hint is empty for the generic entityId field.
func (e RawEvent) ResolveEntityID() (string, Domain) {
	if id := strings.TrimSpace(e.EntityID); id != "" {
		return id, ""
	}
	if id := strings.TrimSpace(e.WalletID); id != "" {
		return id, DomainCrypto
	}
	if id := strings.TrimSpace(e.AccountID); id != "" {
		return id, DomainBanking
	}
	if id := strings.TrimSpace(e.ConnectionID); id != "" {
		return id, DomainIntegration
	}
	if id := strings.TrimSpace(e.IntegrationID); id != "" {
		return id, DomainIntegration
	}
	return "", ""
}

// ParseTimestamp parses the ISO-8601 emission time
func (e RawEvent) ParseTimestamp() (time.Time, bool) {
	raw := strings.TrimSpace(e.Timestamp)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
