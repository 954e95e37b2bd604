package tracker

import (
	"errors"
	"testing"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

func intPtr(v int) *int { return &v }

func TestNormalizeEventTypes(t *testing.T) {
	cases := []struct {
		name   string
		raw    models.RawEvent
		source models.Domain
		status models.Status
		domain models.Domain
	}{
		{
			name:   "crypto sub-status without suffix routes by source",
			raw:    models.RawEvent{Type: "syncing_assets", EntityID: "w1", Progress: intPtr(30)},
			source: models.DomainCrypto,
			status: models.SyncingStatus("assets"),
			domain: models.DomainCrypto,
		},
		{
			name:   "terminal with crypto suffix",
			raw:    models.RawEvent{Type: "completed_crypto", EntityID: "w1"},
			source: models.DomainBanking,
			status: models.StatusCompleted,
			domain: models.DomainCrypto,
		},
		{
			name:   "bank suffix beats source",
			raw:    models.RawEvent{Type: "failed_bank", EntityID: "b1", Error: "TELLER_UNAUTHORIZED"},
			source: models.DomainCrypto,
			status: models.StatusFailed,
			domain: models.DomainBanking,
		},
		{
			name:   "sub-status with domain suffix",
			raw:    models.RawEvent{Type: "syncing_transactions_bank", AccountID: "b1"},
			status: models.SyncingStatus("transactions"),
			domain: models.DomainBanking,
		},
		{
			name:   "integration plural suffix",
			raw:    models.RawEvent{Type: "syncing_holdings_integrations", EntityID: "i1"},
			status: models.SyncingStatus("holdings"),
			domain: models.DomainIntegration,
		},
		{
			name:   "generic progress takes status field",
			raw:    models.RawEvent{Type: "sync_progress", WalletID: "w9", Status: "syncing_nfts"},
			status: models.SyncingStatus("nfts"),
			domain: models.DomainCrypto,
		},
		{
			name:   "domain progress defaults to syncing",
			raw:    models.RawEvent{Type: "wallet_sync_progress", EntityID: "w9"},
			source: models.DomainBanking,
			status: models.StatusSyncing,
			domain: models.DomainCrypto,
		},
		{
			name:   "explicit domain field",
			raw:    models.RawEvent{Type: "processing", EntityID: "x", Domain: "integrations"},
			source: models.DomainCrypto,
			status: models.StatusProcessing,
			domain: models.DomainIntegration,
		},
		{
			name:   "connection id hint",
			raw:    models.RawEvent{Type: "queued", ConnectionID: "c1"},
			status: models.StatusQueued,
			domain: models.DomainIntegration,
		},
		{
			name:   "status field refines running type",
			raw:    models.RawEvent{Type: "syncing_bank", EntityID: "b1", Status: "syncing_balance"},
			status: models.SyncingStatus("balance"),
			domain: models.DomainBanking,
		},
		{
			name:   "status field cannot override terminal type",
			raw:    models.RawEvent{Type: "completed_bank", EntityID: "b1", Status: "syncing"},
			status: models.StatusCompleted,
			domain: models.DomainBanking,
		},
		{
			name:   "case and whitespace tolerant",
			raw:    models.RawEvent{Type: "  Syncing_Wallet ", EntityID: " w1 "},
			status: models.StatusSyncing,
			domain: models.DomainCrypto,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Normalize(tc.raw, tc.source, t0)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if ev.Status != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, ev.Status)
			}
			if ev.Domain != tc.domain {
				t.Fatalf("expected domain %s, got %s", tc.domain, ev.Domain)
			}
			if ev.EntityID == "" || ev.EntityID != trimmed(ev.EntityID) {
				t.Fatalf("bad entity id %q", ev.EntityID)
			}
		})
	}
}

func trimmed(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  models.RawEvent
		want error
	}{
		{name: "empty type", raw: models.RawEvent{EntityID: "w1"}, want: ErrMalformedEvent},
		{name: "missing entity id", raw: models.RawEvent{Type: "syncing_crypto"}, want: ErrMalformedEvent},
		{name: "unknown type", raw: models.RawEvent{Type: "portfolio_rebalanced", EntityID: "w1"}, want: ErrUnknownEventType},
		{name: "heartbeat", raw: models.RawEvent{Type: "heartbeat"}, want: ErrControlEvent},
		{name: "connection established", raw: models.RawEvent{Type: "connection_established"}, want: ErrControlEvent},
		{name: "unroutable", raw: models.RawEvent{Type: "syncing", EntityID: "x"}, want: ErrUnknownDomain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw, "", t0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	ev, err := Normalize(models.RawEvent{Type: "syncing_crypto", EntityID: "w1", Timestamp: "2024-05-01T10:00:00.000Z"}, "", t0)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Time.Year() != 2024 || ev.Time.Month() != 5 {
		t.Fatalf("timestamp not parsed: %v", ev.Time)
	}

	ev, _ = Normalize(models.RawEvent{Type: "syncing_crypto", EntityID: "w1", Timestamp: "yesterday"}, "", t0)
	if !ev.Time.Equal(t0) {
		t.Fatalf("unparseable timestamp should fall back to receipt time")
	}
}

func TestLabels(t *testing.T) {
	cases := []struct {
		domain models.Domain
		status models.Status
		want   string
	}{
		{models.DomainCrypto, models.SyncingStatus("nfts"), "Syncing NFTs"},
		{models.DomainCrypto, models.SyncingStatus("defi"), "Syncing DeFi positions"},
		{models.DomainBanking, models.SyncingStatus("balance"), "Syncing balance"},
		{models.DomainIntegration, models.SyncingStatus("holdings"), "Syncing holdings"},
		{models.DomainBanking, models.SyncingStatus("credit_lines"), "Syncing credit lines"},
		{models.DomainCrypto, models.StatusCompleted, "Synced"},
	}
	for _, tc := range cases {
		if got := Label(tc.domain, tc.status); got != tc.want {
			t.Fatalf("Label(%s, %s) = %q, want %q", tc.domain, tc.status, got, tc.want)
		}
	}

	for _, d := range models.AllDomains {
		v := VocabularyFor(d)
		for _, sub := range v.SubResources {
			if _, ok := v.Labels[models.SyncingStatus(sub)]; !ok {
				t.Fatalf("%s has no label for %s", d, sub)
			}
		}
	}
}
