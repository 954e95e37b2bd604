package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// MySQLClient keeps the sync history log
type MySQLClient struct {
	db     *sql.DB
	logger *logrus.Entry
	cfg    *config.MySQLConfig
}

// DSN builds the driver connection string for cfg
func DSN(cfg *config.MySQLConfig) string {
	dc := mysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.MultiStatements = true
	dc.Loc = time.UTC
	return dc.FormatDSN()
}

// Open opens and pings the database described by cfg
func Open(cfg *config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	return db, nil
}

// NewMySQLClient connects and applies pending migrations
func NewMySQLClient(cfg *config.MySQLConfig, logger logrus.FieldLogger) (*MySQLClient, error) {
	log := logger.WithField("component", "mysql")
	log.WithField("dsn", fmt.Sprintf("%s:***@tcp(%s:%d)/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)).Debug("Connecting to MySQL")

	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	migrations, err := EmbeddedMigrations()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	applied, err := NewMigrator(db, migrations).Up(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, mig := range applied {
		log.WithField("version", mig.Version).WithField("name", mig.Name).Info("Applied migration")
	}

	return &MySQLClient{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// Health checks database health
func (mc *MySQLClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return mc.db.PingContext(ctx)
}

// RecordTransition appends one terminal transition to sync_history
func (mc *MySQLClient) RecordTransition(ctx context.Context, rec HistoryRecord) error {
	var synced interface{}
	if len(rec.SyncedData) > 0 {
		data, err := json.Marshal(rec.SyncedData)
		if err != nil {
			return fmt.Errorf("failed to marshal synced data: %w", err)
		}
		synced = string(data)
	}
	var errMsg interface{}
	if rec.Error != "" {
		errMsg = rec.Error
	}

	query := `
		INSERT INTO sync_history
			(domain, entity_id, job_id, status, progress, retry_count, retry_rejected,
			 error_message, synced_data, started_at, completed_at, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := mc.db.ExecContext(ctx, query,
		string(rec.Domain),
		rec.EntityID,
		string(rec.JobID),
		string(rec.Status),
		rec.Progress,
		rec.RetryCount,
		rec.RetryRejected,
		errMsg,
		synced,
		rec.StartedAt,
		rec.CompletedAt,
		rec.DurationMs,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync history: %w", err)
	}
	return nil
}

// HistoryQuery filters History. Zero values match everything.
type HistoryQuery struct {
	Domain   models.Domain
	EntityID string
	Status   models.Status
	Limit    int
}

func (q HistoryQuery) build() (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(q.Domain))
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var b strings.Builder
	b.WriteString(`SELECT id, domain, entity_id, job_id, status, progress, retry_count, retry_rejected,
		COALESCE(error_message, ''), synced_data, started_at, completed_at, duration_ms, recorded_at
		FROM sync_history`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY completed_at DESC, id DESC LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

// History returns the most recent terminal transitions matching q
func (mc *MySQLClient) History(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	query, args := q.build()
	rows, err := mc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			rec       HistoryRecord
			domain    string
			jobID     string
			status    string
			synced    sql.NullString
			startedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &domain, &rec.EntityID, &jobID, &status, &rec.Progress,
			&rec.RetryCount, &rec.RetryRejected, &rec.Error, &synced, &startedAt,
			&rec.CompletedAt, &rec.DurationMs, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		rec.Domain = models.Domain(domain)
		rec.JobID = models.JobID(jobID)
		rec.Status = models.Status(status)
		if startedAt.Valid {
			t := startedAt.Time
			rec.StartedAt = &t
		}
		if synced.Valid && synced.String != "" {
			if err := json.Unmarshal([]byte(synced.String), &rec.SyncedData); err != nil {
				mc.logger.WithError(err).WithField("id", rec.ID).Warn("Ignoring undecodable synced data")
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// execTx executes fn within a transaction
func execTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
