package models

import "time"

// AggregateSummary is derived from every registry and never mutated directly
type AggregateSummary struct {
	TotalActive      int                      `json:"totalActive"`
	TotalCompleted   int                      `json:"totalCompleted"`
	TotalFailed      int                      `json:"totalFailed"`
	AverageProgress  float64                  `json:"averageProgress"`
	IsConnected      bool                     `json:"isConnected"`
	LastSyncTime     *time.Time               `json:"lastSyncTime"`
	LastTerminalTime *time.Time               `json:"lastTerminalTime"`
	Domains          map[Domain]DomainSummary `json:"domains"`
	ComputedAt       time.Time                `json:"computedAt"`
}

// DomainSummary holds per-domain counters
type DomainSummary struct {
	Entities        int             `json:"entities"`
	Active          int             `json:"active"`
	Completed       int             `json:"completed"`
	Failed          int             `json:"failed"`
	AverageProgress float64         `json:"averageProgress"`
	Connection      ConnectionState `json:"connection"`
}
