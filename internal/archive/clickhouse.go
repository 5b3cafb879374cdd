// Package archive is the long-term archive sink the old-job reaper (C7)
// drains terminal jobs through before deleting them from the store (spec
// §4.5 "very-old reaper: archive/delete terminal jobs older than 7
// days... the action is a delete on the store"). Grounded on the
// teacher's internal/long-term-archives/clickhouse_exporter.go connection
// and table-bootstrap pattern.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
)

// Sink archives a batch of terminal jobs before the reaper deletes them
// from the store.
type Sink interface {
	Archive(ctx context.Context, jobs []domain.Job) error
}

// ClickHouseSink writes one row per archived job as a JSON payload plus a
// handful of queryable columns.
type ClickHouseSink struct {
	db    *sql.DB
	table string
	log   *zap.Logger
}

func NewClickHouseSink(cfg config.Archive, log *zap.Logger) (*ClickHouseSink, error) {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:  10 * time.Second,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := &ClickHouseSink{db: db, table: cfg.Table, log: log}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job_id String,
			kind LowCardinality(String),
			state LowCardinality(String),
			created_at DateTime64(3),
			completed_at Nullable(DateTime64(3)),
			archived_at DateTime64(3),
			payload String
		) ENGINE = MergeTree()
		ORDER BY (job_id, archived_at)
	`, s.table)
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure archive table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Archive(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (job_id, kind, state, created_at, completed_at, archived_at, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
		s.table,
	))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal archived job %s: %w", job.ID, err)
		}
		var completedAt interface{}
		if job.CompletedAt != nil {
			completedAt = *job.CompletedAt
		}
		if _, err := stmt.ExecContext(ctx, job.ID, string(job.Kind), string(job.State), job.CreatedAt, completedAt, now, string(payload)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert archived job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	s.log.Info("archive: wrote jobs", zap.Int("count", len(jobs)))
	return nil
}
