package tracker

import (
	"time"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// Aggregate derives the cross-domain summary. It only reads its inputs.
func Aggregate(registries []*Registry, connections map[models.Domain]models.ConnectionStatus, now time.Time) models.AggregateSummary {
	summary := models.AggregateSummary{
		Domains:    make(map[models.Domain]models.DomainSummary, len(registries)),
		ComputedAt: now,
	}

	var progressSum int
	for _, reg := range registries {
		ds := models.DomainSummary{Connection: models.ConnectionDisconnected}
		if conn, ok := connections[reg.Domain()]; ok && conn.State != "" {
			ds.Connection = conn.State
		}

		var domainProgress int
		reg.each(func(s *models.EntitySyncState) {
			ds.Entities++
			switch {
			case s.Status.IsActive():
				ds.Active++
				domainProgress += s.Progress
			case s.Status == models.StatusCompleted:
				ds.Completed++
				summary.LastSyncTime = latest(summary.LastSyncTime, s.CompletedAt)
			case s.Status == models.StatusFailed:
				ds.Failed++
			}
			if s.Status.IsTerminal() {
				summary.LastTerminalTime = latest(summary.LastTerminalTime, s.CompletedAt)
			}
			// A reopened entity still remembers its last success
			summary.LastSyncTime = latest(summary.LastSyncTime, s.LastSuccessAt)
		})
		if ds.Active > 0 {
			ds.AverageProgress = float64(domainProgress) / float64(ds.Active)
		}

		summary.TotalActive += ds.Active
		summary.TotalCompleted += ds.Completed
		summary.TotalFailed += ds.Failed
		progressSum += domainProgress
		summary.Domains[reg.Domain()] = ds
	}

	if summary.TotalActive > 0 {
		summary.AverageProgress = float64(progressSum) / float64(summary.TotalActive)
	}

	// Connections of domains without a registry still count
	for _, conn := range connections {
		if conn.Connected() {
			summary.IsConnected = true
			break
		}
	}
	return summary
}

func latest(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.After(*current) {
		t := *candidate
		return &t
	}
	return current
}
