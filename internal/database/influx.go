package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// Measurements written by the metrics reporter
const (
	MeasurementDispatch = "sync_dispatch"
	MeasurementSummary  = "sync_summary"
	MeasurementDomain   = "sync_domain"
)

// InfluxClient handles InfluxDB time-series operations
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	logger   *logrus.Entry
	cfg      *config.InfluxConfig
	org      string
	bucket   string
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *config.InfluxConfig, logger logrus.FieldLogger) *InfluxClient {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0), // Silent - no logs
	)

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger.WithField("component", "influxdb"),
		cfg:      cfg,
		org:      cfg.Org,
		bucket:   cfg.Bucket,
	}
}

// Close closes the InfluxDB client
func (ic *InfluxClient) Close() {
	ic.client.Close()
}

// Health checks InfluxDB health
func (ic *InfluxClient) Health(ctx context.Context) error {
	health, err := ic.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// WriteStats writes the dispatcher counters and the summary as of ts
func (ic *InfluxClient) WriteStats(ctx context.Context, stats tracker.DispatchStats, summary models.AggregateSummary, ts time.Time) error {
	points := MetricPoints(stats, summary, ts)
	if err := ic.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write sync metrics: %w", err)
	}
	return nil
}

// MetricPoints converts one metrics sample into points: one dispatch, one summary
// and one per domain in name order
func MetricPoints(stats tracker.DispatchStats, summary models.AggregateSummary, ts time.Time) []*write.Point {
	points := make([]*write.Point, 0, 2+len(summary.Domains))

	points = append(points, influxdb2.NewPoint(
		MeasurementDispatch,
		map[string]string{},
		map[string]interface{}{
			"received":  int64(stats.Received),
			"created":   int64(stats.Created),
			"applied":   int64(stats.Applied),
			"duplicate": int64(stats.Duplicate),
			"stale":     int64(stats.Stale),
			"rejected":  int64(stats.Rejected),
			"ignored":   int64(stats.Ignored),
			"malformed": int64(stats.Malformed),
			"control":   int64(stats.Control),
		},
		ts,
	))

	points = append(points, influxdb2.NewPoint(
		MeasurementSummary,
		map[string]string{},
		map[string]interface{}{
			"active":           int64(summary.TotalActive),
			"completed":        int64(summary.TotalCompleted),
			"failed":           int64(summary.TotalFailed),
			"average_progress": summary.AverageProgress,
			"connected":        summary.IsConnected,
		},
		ts,
	))

	domains := make([]string, 0, len(summary.Domains))
	for d := range summary.Domains {
		domains = append(domains, string(d))
	}
	sort.Strings(domains)

	for _, d := range domains {
		ds := summary.Domains[models.Domain(d)]
		points = append(points, influxdb2.NewPoint(
			MeasurementDomain,
			map[string]string{"domain": d},
			map[string]interface{}{
				"entities":         int64(ds.Entities),
				"active":           int64(ds.Active),
				"completed":        int64(ds.Completed),
				"failed":           int64(ds.Failed),
				"average_progress": ds.AverageProgress,
				"connected":        ds.Connection == models.ConnectionConnected,
			},
			ts,
		))
	}

	return points
}

// SummaryPoint is one stored summary sample
type SummaryPoint struct {
	Time            time.Time `json:"time"`
	Active          int64     `json:"active"`
	Completed       int64     `json:"completed"`
	Failed          int64     `json:"failed"`
	AverageProgress float64   `json:"averageProgress"`
	Connected       bool      `json:"connected"`
}

// SummaryHistory returns summary samples recorded since the given time, oldest first
func (ic *InfluxClient) SummaryHistory(ctx context.Context, since time.Time) ([]SummaryPoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"])
	`, ic.bucket, since.UTC().Format(time.RFC3339), MeasurementSummary)

	result, err := ic.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary history: %w", err)
	}
	defer result.Close()

	var out []SummaryPoint
	for result.Next() {
		record := result.Record()
		p := SummaryPoint{Time: record.Time()}

		// Extract values
		if v, ok := record.ValueByKey("active").(int64); ok {
			p.Active = v
		}
		if v, ok := record.ValueByKey("completed").(int64); ok {
			p.Completed = v
		}
		if v, ok := record.ValueByKey("failed").(int64); ok {
			p.Failed = v
		}
		if v, ok := record.ValueByKey("average_progress").(float64); ok {
			p.AverageProgress = v
		}
		if v, ok := record.ValueByKey("connected").(bool); ok {
			p.Connected = v
		}
		out = append(out, p)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query error: %w", result.Err())
	}

	return out, nil
}
