package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	"spotkeeper/internal/platform/postgres"
	"spotkeeper/pkg/platform/sentinel"
	txcontext "spotkeeper/pkg/platform/tx"
)

// PostgresStore persists groups and invitees in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) UpsertGroup(ctx context.Context, group *models.Group) error {
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO approval_groups (name, approval_type)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET approval_type = EXCLUDED.approval_type
		RETURNING id
	`, group.Name, string(group.ApprovalType)).Scan(&group.ID)
	if err != nil {
		return fmt.Errorf("upsert approval group: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindGroup(ctx context.Context, id int64) (*models.Group, error) {
	var (
		g            models.Group
		approvalType string
	)
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, name, approval_type FROM approval_groups WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &approvalType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find approval group: %w", err)
	}
	g.ApprovalType = models.PolicyType(approvalType)
	return &g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, name, approval_type FROM approval_groups ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list approval groups: %w", err)
	}
	defer rows.Close()

	var out []*models.Group
	for rows.Next() {
		var (
			g            models.Group
			approvalType string
		)
		if err := rows.Scan(&g.ID, &g.Name, &approvalType); err != nil {
			return nil, fmt.Errorf("scan approval group: %w", err)
		}
		g.ApprovalType = models.PolicyType(approvalType)
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval groups: %w", err)
	}
	return out, nil
}

// DeleteGroup removes the group; invitees are detached by the foreign key.
// A group still referenced by an attribution yields ErrReferenced.
func (s *PostgresStore) DeleteGroup(ctx context.Context, id int64) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM approval_groups WHERE id = $1`, id)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return sentinel.ErrReferenced
		}
		return fmt.Errorf("delete approval group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertInvitee(ctx context.Context, invitee models.Invitee) error {
	var groupID sql.NullInt64
	if invitee.GroupID != nil {
		groupID = sql.NullInt64{Int64: *invitee.GroupID, Valid: true}
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO invitees (email, group_id)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET group_id = EXCLUDED.group_id
	`, bookingmodels.NormalizeEmail(invitee.Email), groupID)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("upsert invitee: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindInvitee(ctx context.Context, email string) (*models.Invitee, error) {
	var (
		inv     models.Invitee
		groupID sql.NullInt64
	)
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT email, group_id FROM invitees WHERE email = $1
	`, bookingmodels.NormalizeEmail(email)).Scan(&inv.Email, &groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find invitee: %w", err)
	}
	if groupID.Valid {
		id := groupID.Int64
		inv.GroupID = &id
	}
	return &inv, nil
}

func (s *PostgresStore) InviteeEmails(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT email FROM invitees WHERE group_id = $1 ORDER BY email
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list invitee emails: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan invitee email: %w", err)
		}
		out = append(out, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitee emails: %w", err)
	}
	return out, nil
}
