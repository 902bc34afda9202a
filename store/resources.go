package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// UserRecord is the stored form of a User: the full payload document plus
// the extracted columns the planner can push filters onto.
type UserRecord struct {
	EndpointID      string         `db:"endpoint_id"`
	ID              string         `db:"id"`
	Payload         string         `db:"payload"`
	UserName        string         `db:"user_name"`
	UserNameLower   string         `db:"user_name_lower"`
	ExternalID      sql.NullString `db:"external_id"`
	ExternalIDLower sql.NullString `db:"external_id_lower"`
	DisplayName     string         `db:"display_name"`
	Active          bool           `db:"active"`
	Version         int64          `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	ModifiedAt      time.Time      `db:"modified_at"`
}

// GroupRecord is the stored form of a Group. Members live in their own
// relation, not in the payload.
type GroupRecord struct {
	EndpointID       string         `db:"endpoint_id"`
	ID               string         `db:"id"`
	Payload          string         `db:"payload"`
	DisplayName      string         `db:"display_name"`
	DisplayNameLower string         `db:"display_name_lower"`
	ExternalID       sql.NullString `db:"external_id"`
	ExternalIDLower  sql.NullString `db:"external_id_lower"`
	Version          int64          `db:"version"`
	CreatedAt        time.Time      `db:"created_at"`
	ModifiedAt       time.Time      `db:"modified_at"`
}

// MemberRecord is one Group-to-User membership edge.
type MemberRecord struct {
	EndpointID string `db:"endpoint_id"`
	GroupID    string `db:"group_id"`
	UserID     string `db:"user_id"`
	Display    string `db:"display"`
	MemberType string `db:"member_type"`
}

func (r *UserRecord) normalize() {
	r.UserNameLower = strings.ToLower(r.UserName)
	if r.ExternalID.Valid {
		r.ExternalIDLower = sql.NullString{String: strings.ToLower(r.ExternalID.String), Valid: true}
	} else {
		r.ExternalIDLower = sql.NullString{}
	}
}

func (r *GroupRecord) normalize() {
	r.DisplayNameLower = strings.ToLower(r.DisplayName)
	if r.ExternalID.Valid {
		r.ExternalIDLower = sql.NullString{String: strings.ToLower(r.ExternalID.String), Valid: true}
	} else {
		r.ExternalIDLower = sql.NullString{}
	}
}

// InsertUser stores a new user with version 1.
func (s *Store) InsertUser(ctx context.Context, rec *UserRecord) error {
	rec.normalize()
	rec.Version = 1
	query := s.rebind(`INSERT INTO users
		(endpoint_id, id, payload, user_name, user_name_lower,
		 external_id, external_id_lower, display_name, active,
		 version, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.EndpointID, rec.ID, rec.Payload, rec.UserName, rec.UserNameLower,
		rec.ExternalID, rec.ExternalIDLower, rec.DisplayName, rec.Active,
		rec.Version, rec.CreatedAt, rec.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser reads a user by id within an endpoint.
func (s *Store) GetUser(ctx context.Context, endpointID, id string) (*UserRecord, error) {
	var rec UserRecord
	err := s.db.GetContext(ctx, &rec,
		s.rebind(`SELECT * FROM users WHERE endpoint_id = ? AND id = ?`), endpointID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &rec, nil
}

// GetUserByUserName reads a user by its case-insensitive userName.
func (s *Store) GetUserByUserName(ctx context.Context, endpointID, userName string) (*UserRecord, error) {
	var rec UserRecord
	err := s.db.GetContext(ctx, &rec,
		s.rebind(`SELECT * FROM users WHERE endpoint_id = ? AND user_name_lower = ?`),
		endpointID, strings.ToLower(userName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by userName: %w", err)
	}
	return &rec, nil
}

// UpdateUser replaces the stored user and bumps its version, returning the
// new version.
func (s *Store) UpdateUser(ctx context.Context, rec *UserRecord) (int64, error) {
	rec.normalize()
	var version int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := s.rebind(`UPDATE users SET
			payload = ?, user_name = ?, user_name_lower = ?,
			external_id = ?, external_id_lower = ?, display_name = ?,
			active = ?, version = version + 1, modified_at = ?
			WHERE endpoint_id = ? AND id = ?
			RETURNING version`)
		err := tx.QueryRowxContext(ctx, query,
			rec.Payload, rec.UserName, rec.UserNameLower,
			rec.ExternalID, rec.ExternalIDLower, rec.DisplayName,
			rec.Active, rec.ModifiedAt, rec.EndpointID, rec.ID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("update user: %w", err)
		}
		return nil
	})
	return version, err
}

// DeleteUser removes a user and every membership edge referencing it.
func (s *Store) DeleteUser(ctx context.Context, endpointID, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM users WHERE endpoint_id = ? AND id = ?`), endpointID, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM group_members WHERE endpoint_id = ? AND user_id = ?`),
			endpointID, id); err != nil {
			return fmt.Errorf("delete user memberships: %w", err)
		}
		return nil
	})
}

// SelectUsers fetches a page of users matching the plan's pushed predicate,
// ordered by creation time for stable pagination.
func (s *Store) SelectUsers(ctx context.Context, endpointID string, plan *QueryPlan, limit, offset int) ([]UserRecord, error) {
	query := `SELECT * FROM users WHERE endpoint_id = ?`
	args := []any{endpointID}
	if plan.Where != "" {
		query += ` AND ` + plan.Where
		args = append(args, plan.Args...)
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var recs []UserRecord
	if err := s.db.SelectContext(ctx, &recs, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	return recs, nil
}

// CountUsers counts users matching the plan's pushed predicate.
func (s *Store) CountUsers(ctx context.Context, endpointID string, plan *QueryPlan) (int, error) {
	query := `SELECT COUNT(*) FROM users WHERE endpoint_id = ?`
	args := []any{endpointID}
	if plan.Where != "" {
		query += ` AND ` + plan.Where
		args = append(args, plan.Args...)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return total, nil
}

// InsertGroup stores a new group and its membership edges in one
// transaction.
func (s *Store) InsertGroup(ctx context.Context, rec *GroupRecord, members []MemberRecord) error {
	rec.normalize()
	rec.Version = 1
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := s.rebind(`INSERT INTO groups
			(endpoint_id, id, payload, display_name, display_name_lower,
			 external_id, external_id_lower, version, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query,
			rec.EndpointID, rec.ID, rec.Payload, rec.DisplayName, rec.DisplayNameLower,
			rec.ExternalID, rec.ExternalIDLower, rec.Version, rec.CreatedAt, rec.ModifiedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert group: %w", err)
		}
		return s.insertMembers(ctx, tx, members)
	})
}

// GetGroup reads a group by id within an endpoint.
func (s *Store) GetGroup(ctx context.Context, endpointID, id string) (*GroupRecord, error) {
	var rec GroupRecord
	err := s.db.GetContext(ctx, &rec,
		s.rebind(`SELECT * FROM groups WHERE endpoint_id = ? AND id = ?`), endpointID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &rec, nil
}

// UpdateGroup replaces the stored group, rewrites its membership edges, and
// bumps its version, returning the new version.
func (s *Store) UpdateGroup(ctx context.Context, rec *GroupRecord, members []MemberRecord) (int64, error) {
	rec.normalize()
	var version int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := s.rebind(`UPDATE groups SET
			payload = ?, display_name = ?, display_name_lower = ?,
			external_id = ?, external_id_lower = ?,
			version = version + 1, modified_at = ?
			WHERE endpoint_id = ? AND id = ?
			RETURNING version`)
		err := tx.QueryRowxContext(ctx, query,
			rec.Payload, rec.DisplayName, rec.DisplayNameLower,
			rec.ExternalID, rec.ExternalIDLower,
			rec.ModifiedAt, rec.EndpointID, rec.ID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("update group: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM group_members WHERE endpoint_id = ? AND group_id = ?`),
			rec.EndpointID, rec.ID); err != nil {
			return fmt.Errorf("clear group members: %w", err)
		}
		return s.insertMembers(ctx, tx, members)
	})
	return version, err
}

// DeleteGroup removes a group and its membership edges.
func (s *Store) DeleteGroup(ctx context.Context, endpointID, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM groups WHERE endpoint_id = ? AND id = ?`), endpointID, id)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM group_members WHERE endpoint_id = ? AND group_id = ?`),
			endpointID, id); err != nil {
			return fmt.Errorf("delete group members: %w", err)
		}
		return nil
	})
}

// SelectGroups fetches a page of groups matching the plan's pushed
// predicate.
func (s *Store) SelectGroups(ctx context.Context, endpointID string, plan *QueryPlan, limit, offset int) ([]GroupRecord, error) {
	query := `SELECT * FROM groups WHERE endpoint_id = ?`
	args := []any{endpointID}
	if plan.Where != "" {
		query += ` AND ` + plan.Where
		args = append(args, plan.Args...)
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var recs []GroupRecord
	if err := s.db.SelectContext(ctx, &recs, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select groups: %w", err)
	}
	return recs, nil
}

// CountGroups counts groups matching the plan's pushed predicate.
func (s *Store) CountGroups(ctx context.Context, endpointID string, plan *QueryPlan) (int, error) {
	query := `SELECT COUNT(*) FROM groups WHERE endpoint_id = ?`
	args := []any{endpointID}
	if plan.Where != "" {
		query += ` AND ` + plan.Where
		args = append(args, plan.Args...)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count groups: %w", err)
	}
	return total, nil
}

// GetGroupMembers returns the membership edges of one group.
func (s *Store) GetGroupMembers(ctx context.Context, endpointID, groupID string) ([]MemberRecord, error) {
	var recs []MemberRecord
	err := s.db.SelectContext(ctx, &recs,
		s.rebind(`SELECT * FROM group_members WHERE endpoint_id = ? AND group_id = ? ORDER BY user_id`),
		endpointID, groupID)
	if err != nil {
		return nil, fmt.Errorf("get group members: %w", err)
	}
	return recs, nil
}

// GetMembersForGroups returns membership edges for a set of groups keyed by
// group id, for materializing a list page in one query.
func (s *Store) GetMembersForGroups(ctx context.Context, endpointID string, groupIDs []string) (map[string][]MemberRecord, error) {
	if len(groupIDs) == 0 {
		return map[string][]MemberRecord{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM group_members WHERE endpoint_id = ? AND group_id IN (?) ORDER BY user_id`,
		endpointID, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("build members query: %w", err)
	}
	var recs []MemberRecord
	if err := s.db.SelectContext(ctx, &recs, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("members for groups: %w", err)
	}
	out := make(map[string][]MemberRecord, len(groupIDs))
	for _, rec := range recs {
		out[rec.GroupID] = append(out[rec.GroupID], rec)
	}
	return out, nil
}

// UserIDsExist reports which of the given user ids exist in the endpoint.
func (s *Store) UserIDsExist(ctx context.Context, endpointID string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT id FROM users WHERE endpoint_id = ? AND id IN (?)`, endpointID, ids)
	if err != nil {
		return nil, fmt.Errorf("build exists query: %w", err)
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("user ids exist: %w", err)
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (s *Store) insertMembers(ctx context.Context, tx *sqlx.Tx, members []MemberRecord) error {
	if len(members) == 0 {
		return nil
	}
	// ON CONFLICT DO NOTHING keeps a duplicate edge from aborting the
	// surrounding transaction; both dialects support the clause.
	query := s.rebind(`INSERT INTO group_members
		(endpoint_id, group_id, user_id, display, member_type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, query,
			m.EndpointID, m.GroupID, m.UserID, m.Display, m.MemberType); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}
