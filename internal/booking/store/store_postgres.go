package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"spotkeeper/internal/booking/models"
	"spotkeeper/internal/platform/postgres"
	txcontext "spotkeeper/pkg/platform/tx"
	"spotkeeper/pkg/requestcontext"
)

// PostgresStore persists bookings in PostgreSQL. Calls made with a context
// carrying a transaction run inside it.
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

const selectBooking = `
	SELECT b.id, b.event_type_id, b.email, b.spot_start, b.spot_end, b.booked_at,
	       b.approval_status, b.approval_protected, b.cancelled_at, b.created_at, b.updated_at,
	       a.correlation_id, a.payload, a.approval_group_id
	FROM bookings b
	LEFT JOIN booking_attributions a ON a.booking_id = b.id
`

// Create inserts the booking and its attribution atomically. A duplicate
// correlation id yields ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, booking *models.Booking, attribution *models.Attribution) error {
	if _, ok := txcontext.From(ctx); ok {
		return s.create(ctx, s.execer(ctx), booking, attribution)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create booking: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := s.create(ctx, tx, booking, attribution); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create booking: %w", err)
	}
	return nil
}

// create always inserts a NEW, unprotected booking; approval state only moves
// through SetApproval.
func (s *PostgresStore) create(ctx context.Context, exec dbExecutor, booking *models.Booking, attribution *models.Attribution) error {
	booking.ApprovalStatus = models.StatusNew
	booking.ApprovalProtected = false
	now := requestcontext.Now(ctx)
	query := `
		INSERT INTO bookings (event_type_id, email, spot_start, spot_end, booked_at,
		                      approval_status, approval_protected, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id, created_at, updated_at
	`
	err := exec.QueryRowContext(ctx, query,
		booking.EventTypeID,
		booking.Email,
		booking.SpotStart,
		booking.SpotEnd,
		booking.BookedAt,
		string(booking.ApprovalStatus),
		booking.ApprovalProtected,
		booking.CancelledAt,
		now,
	).Scan(&booking.ID, &booking.CreatedAt, &booking.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}

	if attribution == nil {
		return nil
	}
	attribution.BookingID = booking.ID
	payload := attribution.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO booking_attributions (booking_id, correlation_id, payload, approval_group_id)
		VALUES ($1, $2, $3, $4)
	`, booking.ID, attribution.CorrelationID, []byte(payload), nullableInt64(attribution.ApprovalGroupID))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert booking attribution: %w", err)
	}
	booking.Attribution = attribution.Clone()
	return nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE bookings
		SET cancelled_at = $2, updated_at = $2
		WHERE id = ANY($1) AND cancelled_at IS NULL
	`, pq.Array(ids), requestcontext.Now(ctx))
	if err != nil {
		return 0, fmt.Errorf("soft delete bookings: %w", err)
	}
	return rowsAffected(res)
}

func (s *PostgresStore) Restore(ctx context.Context, id int64) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE bookings SET cancelled_at = NULL, updated_at = $2 WHERE id = $1
	`, id, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("restore booking: %w", err)
	}
	return requireOne(res)
}

func (s *PostgresStore) HardDelete(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		DELETE FROM bookings WHERE id = ANY($1) AND cancelled_at IS NOT NULL
	`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("purge bookings: %w", err)
	}
	return rowsAffected(res)
}

func (s *PostgresStore) ActiveFor(ctx context.Context, eventTypeID string, emails []string) ([]*models.Booking, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	query := selectBooking + `
		WHERE b.cancelled_at IS NULL AND b.event_type_id = $1 AND b.email = ANY($2)
		ORDER BY b.booked_at ASC, b.id ASC
	`
	return s.query(ctx, query, eventTypeID, pq.Array(emails))
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Booking, error) {
	return s.queryOne(ctx, selectBooking+` WHERE b.id = $1`, id)
}

func (s *PostgresStore) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Booking, error) {
	return s.queryOne(ctx, selectBooking+` WHERE a.correlation_id = $1`, correlationID)
}

func (s *PostgresStore) List(ctx context.Context, view models.View, filter models.Filter) ([]*models.Booking, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	switch view {
	case models.ViewAll:
	case models.ViewCancelled:
		conds = append(conds, "b.cancelled_at IS NOT NULL")
	default:
		conds = append(conds, "b.cancelled_at IS NULL")
	}
	if filter.EventTypeID != "" {
		add("b.event_type_id = $%d", filter.EventTypeID)
	}
	if filter.Email != "" {
		add("b.email = $%d", models.NormalizeEmail(filter.Email))
	}
	if filter.Status != "" {
		add("b.approval_status = $%d", string(filter.Status))
	}
	if filter.ApprovalGroupID != nil {
		add("a.approval_group_id = $%d", *filter.ApprovalGroupID)
	}

	query := selectBooking
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY b.booked_at ASC, b.id ASC"
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE booking_attributions SET payload = $2 WHERE booking_id = $1
	`, id, []byte(payload))
	if err != nil {
		return fmt.Errorf("update booking payload: %w", err)
	}
	return requireOne(res)
}

// LockByIDs takes row locks in id order and returns the current rows. It must
// run inside a transaction for the locks to outlive the statement.
func (s *PostgresStore) LockByIDs(ctx context.Context, ids []int64) ([]*models.Booking, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := selectBooking + `
		WHERE b.id = ANY($1)
		ORDER BY b.id
		FOR UPDATE OF b
	`
	return s.query(ctx, query, pq.Array(ids))
}

func (s *PostgresStore) SetApproval(ctx context.Context, id int64, status models.ApprovalStatus, protected bool) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE bookings
		SET approval_status = $2, approval_protected = $3, updated_at = $4
		WHERE id = $1
	`, id, string(status), protected, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("set booking approval: %w", err)
	}
	return requireOne(res)
}

func (s *PostgresStore) SetApprovalGroup(ctx context.Context, ids []int64, groupID *int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE booking_attributions SET approval_group_id = $2 WHERE booking_id = ANY($1)
	`, pq.Array(ids), nullableInt64(groupID))
	if err != nil {
		return fmt.Errorf("stamp approval group: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestEventType(ctx context.Context) (string, error) {
	var eventTypeID string
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT event_type_id FROM bookings
		WHERE cancelled_at IS NULL
		ORDER BY spot_start DESC, id DESC
		LIMIT 1
	`).Scan(&eventTypeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("latest event type: %w", err)
	}
	return eventTypeID, nil
}

func (s *PostgresStore) AttributedToGroup(ctx context.Context, groupID int64) (bool, error) {
	var exists bool
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM booking_attributions WHERE approval_group_id = $1)
	`, groupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check group attribution: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*models.Booking, error) {
	bookings, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, ErrNotFound
	}
	return bookings[0], nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Booking, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return out, nil
}

func scanBooking(rows *sql.Rows) (*models.Booking, error) {
	var (
		b             models.Booking
		status        string
		cancelledAt   sql.NullTime
		correlationID sql.NullString
		payload       []byte
		groupID       sql.NullInt64
	)
	err := rows.Scan(
		&b.ID, &b.EventTypeID, &b.Email, &b.SpotStart, &b.SpotEnd, &b.BookedAt,
		&status, &b.ApprovalProtected, &cancelledAt, &b.CreatedAt, &b.UpdatedAt,
		&correlationID, &payload, &groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	b.ApprovalStatus = models.ApprovalStatus(status)
	if cancelledAt.Valid {
		at := cancelledAt.Time
		b.CancelledAt = &at
	}
	if correlationID.Valid {
		b.Attribution = &models.Attribution{
			BookingID:     b.ID,
			CorrelationID: correlationID.String,
			Payload:       json.RawMessage(payload),
		}
		if groupID.Valid {
			gid := groupID.Int64
			b.Attribution.ApprovalGroupID = &gid
		}
	}
	return &b, nil
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func requireOne(res sql.Result) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
