package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// EndpointRecord is the stored form of a tenant.
type EndpointRecord struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	NameLower   string    `db:"name_lower"`
	DisplayName string    `db:"display_name"`
	Description string    `db:"description"`
	Active      bool      `db:"active"`
	Config      string    `db:"config"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// ConfigMap decodes the config column.
func (r *EndpointRecord) ConfigMap() map[string]string {
	out := map[string]string{}
	if r.Config != "" {
		_ = json.Unmarshal([]byte(r.Config), &out)
	}
	return out
}

// EncodeEndpointConfig serializes a config map for storage.
func EncodeEndpointConfig(cfg map[string]string) string {
	if len(cfg) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

// EndpointStats counts the resources owned by an endpoint.
type EndpointStats struct {
	Users       int `db:"users"`
	Groups      int `db:"groups"`
	Memberships int `db:"memberships"`
}

// InsertEndpoint stores a new endpoint.
func (s *Store) InsertEndpoint(ctx context.Context, rec *EndpointRecord) error {
	rec.NameLower = strings.ToLower(rec.Name)
	query := s.rebind(`INSERT INTO endpoints
		(id, name, name_lower, display_name, description, active, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.NameLower, rec.DisplayName, rec.Description,
		rec.Active, rec.Config, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

// GetEndpoint reads an endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*EndpointRecord, error) {
	var rec EndpointRecord
	err := s.db.GetContext(ctx, &rec, s.rebind(`SELECT * FROM endpoints WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return &rec, nil
}

// GetEndpointByName reads an endpoint by its case-insensitive name.
func (s *Store) GetEndpointByName(ctx context.Context, name string) (*EndpointRecord, error) {
	var rec EndpointRecord
	err := s.db.GetContext(ctx, &rec,
		s.rebind(`SELECT * FROM endpoints WHERE name_lower = ?`), strings.ToLower(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint by name: %w", err)
	}
	return &rec, nil
}

// ListEndpoints returns endpoints ordered by name, optionally restricted by
// the active flag.
func (s *Store) ListEndpoints(ctx context.Context, activeOnly *bool) ([]EndpointRecord, error) {
	query := `SELECT * FROM endpoints`
	var args []any
	if activeOnly != nil {
		query += ` WHERE active = ?`
		args = append(args, *activeOnly)
	}
	query += ` ORDER BY name_lower`

	var recs []EndpointRecord
	if err := s.db.SelectContext(ctx, &recs, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return recs, nil
}

// UpdateEndpoint persists mutable endpoint fields.
func (s *Store) UpdateEndpoint(ctx context.Context, rec *EndpointRecord) error {
	rec.NameLower = strings.ToLower(rec.Name)
	query := s.rebind(`UPDATE endpoints SET
		name = ?, name_lower = ?, display_name = ?, description = ?,
		active = ?, config = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		rec.Name, rec.NameLower, rec.DisplayName, rec.Description,
		rec.Active, rec.Config, rec.UpdatedAt, rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint and everything scoped to it in one
// transaction: users, groups, memberships, and audit records.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM endpoints WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete endpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for _, table := range []string{"group_members", "groups", "users", "audit_records"} {
			if _, err := tx.ExecContext(ctx,
				s.rebind(`DELETE FROM `+table+` WHERE endpoint_id = ?`), id); err != nil {
				return fmt.Errorf("cascade delete %s: %w", table, err)
			}
		}
		return nil
	})
}

// GetEndpointStats counts an endpoint's users, groups, and memberships.
func (s *Store) GetEndpointStats(ctx context.Context, id string) (*EndpointStats, error) {
	if _, err := s.GetEndpoint(ctx, id); err != nil {
		return nil, err
	}
	var stats EndpointStats
	query := s.rebind(`SELECT
		(SELECT COUNT(*) FROM users WHERE endpoint_id = ?) AS users,
		(SELECT COUNT(*) FROM groups WHERE endpoint_id = ?) AS groups,
		(SELECT COUNT(*) FROM group_members WHERE endpoint_id = ?) AS memberships`)
	if err := s.db.GetContext(ctx, &stats, query, id, id, id); err != nil {
		return nil, fmt.Errorf("endpoint stats: %w", err)
	}
	return &stats, nil
}
