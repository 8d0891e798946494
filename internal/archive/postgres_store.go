package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	query := `
		INSERT INTO scene_runs (run_id, status, reject_reason, request, history, outputs, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, archived_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.RunID, rec.Status, rec.RejectReason,
		rec.Request, rec.History, rec.Outputs, rec.LatencyMs,
	).Scan(&rec.ID, &rec.ArchivedAt)

	if err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `
		SELECT id, run_id, status, reject_reason, request, history, outputs, latency_ms, archived_at
		FROM scene_runs
		WHERE run_id = $1
		ORDER BY archived_at DESC
		LIMIT 1
	`
	var rec RunRecord
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&rec.ID, &rec.RunID, &rec.Status, &rec.RejectReason,
		&rec.Request, &rec.History, &rec.Outputs, &rec.LatencyMs, &rec.ArchivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run record: %w", err)
	}

	return &rec, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	query := `
		SELECT id, run_id, status, reject_reason, request, history, outputs, latency_ms, archived_at
		FROM scene_runs
		ORDER BY archived_at DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run records: %w", err)
	}
	defer rows.Close()

	var recs []*RunRecord
	for rows.Next() {
		var rec RunRecord
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Status, &rec.RejectReason,
			&rec.Request, &rec.History, &rec.Outputs, &rec.LatencyMs, &rec.ArchivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return recs, nil
}
