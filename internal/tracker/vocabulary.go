package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// Vocabulary is the domain specific wording of the shared status machine.
// It only affects event type recognition and labels, never transitions.
type Vocabulary struct {
	Domain       models.Domain
	Suffixes     []string
	SubResources []string
	Labels       map[models.Status]string
}

var vocabularies = map[models.Domain]*Vocabulary{
	models.DomainCrypto: {
		Domain:       models.DomainCrypto,
		Suffixes:     []string{"crypto", "wallet"},
		SubResources: []string{"assets", "transactions", "nfts", "defi"},
		Labels: map[models.Status]string{
			models.StatusQueued:                  "Queued",
			models.StatusProcessing:              "Processing",
			models.StatusSyncing:                 "Syncing wallet",
			models.SyncingStatus("assets"):       "Syncing assets",
			models.SyncingStatus("transactions"): "Syncing transactions",
			models.SyncingStatus("nfts"):         "Syncing NFTs",
			models.SyncingStatus("defi"):         "Syncing DeFi positions",
			models.StatusCompleted:               "Synced",
			models.StatusFailed:                  "Sync failed",
		},
	},
	models.DomainBanking: {
		Domain:       models.DomainBanking,
		Suffixes:     []string{"bank", "banking", "account"},
		SubResources: []string{"balance", "transactions"},
		Labels: map[models.Status]string{
			models.StatusQueued:                  "Queued",
			models.StatusProcessing:              "Connecting to bank",
			models.StatusSyncing:                 "Syncing account",
			models.SyncingStatus("balance"):      "Syncing balance",
			models.SyncingStatus("transactions"): "Syncing transactions",
			models.StatusCompleted:               "Synced",
			models.StatusFailed:                  "Sync failed",
		},
	},
	models.DomainIntegration: {
		Domain:       models.DomainIntegration,
		Suffixes:     []string{"integration", "integrations"},
		SubResources: []string{"accounts", "transactions", "holdings"},
		Labels: map[models.Status]string{
			models.StatusQueued:                  "Queued",
			models.StatusProcessing:              "Connecting",
			models.StatusSyncing:                 "Syncing integration",
			models.SyncingStatus("accounts"):     "Syncing accounts",
			models.SyncingStatus("transactions"): "Syncing transactions",
			models.SyncingStatus("holdings"):     "Syncing holdings",
			models.StatusCompleted:               "Synced",
			models.StatusFailed:                  "Sync failed",
		},
	},
}

// VocabularyFor returns the vocabulary of d, or nil for an unknown domain
func VocabularyFor(d models.Domain) *Vocabulary {
	return vocabularies[d]
}

// Label returns the display label of a status in domain d
func Label(d models.Domain, status models.Status) string {
	if v := VocabularyFor(d); v != nil {
		if label, ok := v.Labels[status]; ok {
			return label
		}
	}
	if sub := status.Subresource(); sub != "" {
		return "Syncing " + strings.ReplaceAll(sub, "_", " ")
	}
	if status == "" {
		return ""
	}
	s := strings.ReplaceAll(string(status), "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

// suffixDomain strips a trailing _<suffix> naming a domain from an event type
func suffixDomain(eventType string) (string, models.Domain) {
	for _, d := range models.AllDomains {
		for _, suffix := range vocabularies[d].Suffixes {
			if base, ok := strings.CutSuffix(eventType, "_"+suffix); ok && base != "" {
				return base, d
			}
		}
	}
	return eventType, ""
}

// NormalizedEvent is a push event reduced to the canonical vocabulary
type NormalizedEvent struct {
	Domain     models.Domain
	EntityID   string
	Status     models.Status
	Progress   *int
	Message    string
	Error      string
	SyncedData []string
	JobID      models.JobID
	Time       time.Time
}

// Normalize maps a raw push event onto the canonical status vocabulary.
// The domain comes from the type suffix, then the explicit domain field, then the id field,
// then the stream the event arrived on.
func Normalize(raw models.RawEvent, source models.Domain, now time.Time) (NormalizedEvent, error) {
	eventType := strings.ToLower(strings.TrimSpace(raw.Type))
	if eventType == "" {
		return NormalizedEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if raw.IsControl() {
		return NormalizedEvent{}, ErrControlEvent
	}

	status, typeDomain, err := parseEventType(eventType, raw.Status)
	if err != nil {
		return NormalizedEvent{}, err
	}

	entityID, idDomain := raw.ResolveEntityID()
	if entityID == "" {
		return NormalizedEvent{}, fmt.Errorf("%w: %s event without entity id", ErrMalformedEvent, eventType)
	}

	domain := typeDomain
	if domain == "" && raw.Domain != "" {
		if d, err := models.ParseDomain(raw.Domain); err == nil {
			domain = d
		}
	}
	if domain == "" {
		domain = idDomain
	}
	if domain == "" {
		domain = source
	}
	if !domain.Valid() {
		return NormalizedEvent{}, fmt.Errorf("%w: cannot route %s event for %s", ErrUnknownDomain, eventType, entityID)
	}

	ts, ok := raw.ParseTimestamp()
	if !ok {
		ts = now
	}

	ev := NormalizedEvent{
		Domain:   domain,
		EntityID: entityID,
		Status:   status,
		Progress: raw.Progress,
		Message:  strings.TrimSpace(raw.Message),
		Error:    strings.TrimSpace(raw.Error),
		JobID:    raw.JobID,
		Time:     ts,
	}
	if raw.SyncedData != nil {
		ev.SyncedData = append([]string(nil), raw.SyncedData...)
	}
	return ev, nil
}

// parseEventType resolves the canonical status of an event type and the domain its suffix names
func parseEventType(eventType, statusField string) (models.Status, models.Domain, error) {
	if status, domain, ok := parseProgressType(eventType); ok {
		if field := canonicalStatus(statusField); field != "" {
			status = field
		}
		return status, domain, nil
	}

	base, domain := suffixDomain(eventType)
	status := canonicalStatus(base)
	if status == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	// The status field may refine which phase of a running sync we are in
	if status.IsRunning() {
		if field := canonicalStatus(statusField); field.IsRunning() {
			status = field
		}
	}
	return status, domain, nil
}

// parseProgressType recognizes progress, sync_progress, <suffix>_progress and <suffix>_sync_progress
func parseProgressType(eventType string) (models.Status, models.Domain, bool) {
	if eventType == "progress" || eventType == "sync_progress" {
		return models.StatusSyncing, "", true
	}
	prefix, ok := strings.CutSuffix(eventType, "_sync_progress")
	if !ok {
		prefix, ok = strings.CutSuffix(eventType, "_progress")
	}
	if !ok {
		return "", "", false
	}
	for _, d := range models.AllDomains {
		for _, suffix := range vocabularies[d].Suffixes {
			if prefix == suffix {
				return models.StatusSyncing, d, true
			}
		}
	}
	return "", "", false
}

// canonicalStatus maps a status word, optionally carrying a domain suffix, onto the vocabulary
func canonicalStatus(s string) models.Status {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s, _ = suffixDomain(s)
	switch status := models.Status(s); status {
	case models.StatusQueued, models.StatusProcessing, models.StatusSyncing,
		models.StatusCompleted, models.StatusFailed:
		return status
	}
	if sub := models.Status(s).Subresource(); sub != "" && validSubresource(sub) {
		return models.SyncingStatus(sub)
	}
	return ""
}

func validSubresource(sub string) bool {
	for _, r := range sub {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return !strings.HasPrefix(sub, "_") && !strings.HasSuffix(sub, "_")
}
