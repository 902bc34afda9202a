package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AuditRecord is one per-request capture. Records are append-only and never
// read on the request path.
type AuditRecord struct {
	ID             int64     `db:"id"`
	EndpointID     string    `db:"endpoint_id"`
	Method         string    `db:"method"`
	Path           string    `db:"path"`
	Status         int       `db:"status"`
	DurationMs     int64     `db:"duration_ms"`
	Identifier     string    `db:"identifier"`
	RequestHeaders string    `db:"request_headers"`
	RequestBody    string    `db:"request_body"`
	ResponseBody   string    `db:"response_body"`
	ErrorMessage   string    `db:"error_message"`
	CreatedAt      time.Time `db:"created_at"`
}

// ListAuditRecords returns the most recent audit records for an endpoint,
// newest first.
func (s *Store) ListAuditRecords(ctx context.Context, endpointID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []AuditRecord
	err := s.db.SelectContext(ctx, &recs,
		s.rebind(`SELECT * FROM audit_records WHERE endpoint_id = ? ORDER BY id DESC LIMIT ?`),
		endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return recs, nil
}

// InsertAuditRecords writes a batch of audit records in one transaction.
func (s *Store) InsertAuditRecords(ctx context.Context, recs []AuditRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := s.rebind(`INSERT INTO audit_records
			(endpoint_id, method, path, status, duration_ms, identifier,
			 request_headers, request_body, response_body, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, rec := range recs {
			if _, err := tx.ExecContext(ctx, query,
				rec.EndpointID, rec.Method, rec.Path, rec.Status, rec.DurationMs,
				rec.Identifier, rec.RequestHeaders, rec.RequestBody,
				rec.ResponseBody, rec.ErrorMessage, rec.CreatedAt); err != nil {
				return fmt.Errorf("insert audit record: %w", err)
			}
		}
		return nil
	})
}
