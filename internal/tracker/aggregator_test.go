package tracker

import (
	"testing"
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

func registryWith(t *testing.T, domain models.Domain, events ...NormalizedEvent) *Registry {
	t.Helper()
	reg := NewRegistry(domain)
	for _, ev := range events {
		ev.Domain = domain
		reg.apply(ev, ev.Time)
	}
	return reg
}

func named(id string, ev NormalizedEvent) NormalizedEvent {
	ev.EntityID = id
	return ev
}

func TestAggregateEmptyActiveSetAveragesZero(t *testing.T) {
	summary := Aggregate([]*Registry{NewRegistry(models.DomainCrypto)}, nil, t0)
	if summary.AverageProgress != 0 || summary.TotalActive != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.LastSyncTime != nil || summary.LastTerminalTime != nil {
		t.Fatalf("expected no sync times")
	}
	if summary.IsConnected {
		t.Fatalf("no connections means not connected")
	}
	if summary.Domains[models.DomainCrypto].Connection != models.ConnectionDisconnected {
		t.Fatalf("expected disconnected domain")
	}
}

func TestAggregateCountsAndTimes(t *testing.T) {
	crypto := registryWith(t, models.DomainCrypto,
		named("w1", event(models.StatusSyncing, withProgress(40))),
		named("w2", event(models.SyncingStatus("nfts"), withProgress(80))),
		named("w3", event(models.StatusCompleted, at(time.Hour))),
	)
	banking := registryWith(t, models.DomainBanking,
		named("b1", event(models.StatusQueued)),
		named("b2", event(models.StatusFailed, withError("x"), at(2*time.Hour))),
	)
	connections := map[models.Domain]models.ConnectionStatus{
		models.DomainCrypto:  {Domain: models.DomainCrypto, State: models.ConnectionDisconnected},
		models.DomainBanking: {Domain: models.DomainBanking, State: models.ConnectionConnected},
	}

	summary := Aggregate([]*Registry{crypto, banking}, connections, t0)
	if summary.TotalActive != 3 || summary.TotalCompleted != 1 || summary.TotalFailed != 1 {
		t.Fatalf("unexpected counts %+v", summary)
	}
	// (40 + 80 + 0) / 3
	if summary.AverageProgress != 40 {
		t.Fatalf("expected average 40, got %v", summary.AverageProgress)
	}
	if summary.LastSyncTime == nil || !summary.LastSyncTime.Equal(t0.Add(time.Hour)) {
		t.Fatalf("last sync should only consider successes: %v", summary.LastSyncTime)
	}
	if summary.LastTerminalTime == nil || !summary.LastTerminalTime.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("last terminal should include failures: %v", summary.LastTerminalTime)
	}
	if !summary.IsConnected {
		t.Fatalf("expected connected while any domain is connected")
	}
	if got := summary.Domains[models.DomainCrypto]; got.Active != 2 || got.AverageProgress != 60 || got.Entities != 3 {
		t.Fatalf("unexpected crypto summary %+v", got)
	}
	if got := summary.Domains[models.DomainBanking]; got.Connection != models.ConnectionConnected || got.Failed != 1 {
		t.Fatalf("unexpected banking summary %+v", got)
	}
}

func TestAggregateKeepsLastSuccessAfterReopen(t *testing.T) {
	crypto := registryWith(t, models.DomainCrypto,
		named("w1", event(models.StatusCompleted, at(time.Hour))),
		named("w1", event(models.StatusQueued, at(2*time.Hour))),
	)
	summary := Aggregate([]*Registry{crypto}, nil, t0)
	if summary.LastSyncTime == nil || !summary.LastSyncTime.Equal(t0.Add(time.Hour)) {
		t.Fatalf("reopened entity lost its last success: %v", summary.LastSyncTime)
	}
	if summary.LastTerminalTime != nil {
		t.Fatalf("reopened entity is no longer terminal")
	}
}
